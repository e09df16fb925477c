package stt

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/scribelive/server/domain/entities"
	"github.com/scribelive/server/domain/repositories"
)

// Router selects the speech-to-text provider for each session. The stored
// per-session preference wins; sessions without one get the configured
// default. Resolved bindings are cached for the session lifetime.
type Router struct {
	providers   map[string]repositories.SpeechToText
	defaultName string
	sessions    repositories.SessionRepository
	logger      *zap.Logger

	mu       sync.RWMutex
	bindings map[string]*entities.ProviderBinding
}

// NewRouter creates a router over the registered providers.
func NewRouter(defaultName string, sessions repositories.SessionRepository, logger *zap.Logger) *Router {
	return &Router{
		providers:   make(map[string]repositories.SpeechToText),
		defaultName: defaultName,
		sessions:    sessions,
		logger:      logger,
		bindings:    make(map[string]*entities.ProviderBinding),
	}
}

// Register adds a provider under its own name.
func (r *Router) Register(p repositories.SpeechToText) {
	r.providers[p.Name()] = p
}

// Resolve returns the provider bound to a session.
func (r *Router) Resolve(ctx context.Context, sessionID string) (repositories.SpeechToText, error) {
	binding, err := r.binding(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	provider, ok := r.providers[binding.Provider]
	if !ok {
		return nil, fmt.Errorf("provider %q bound to session %s is not registered", binding.Provider, sessionID)
	}
	return provider, nil
}

// Binding returns the resolved binding, including any per-session model
// override, without consulting the store twice.
func (r *Router) Binding(ctx context.Context, sessionID string) (*entities.ProviderBinding, error) {
	return r.binding(ctx, sessionID)
}

// Forget drops a session's cached binding, typically on completion.
func (r *Router) Forget(sessionID string) {
	r.mu.Lock()
	delete(r.bindings, sessionID)
	r.mu.Unlock()
}

func (r *Router) binding(ctx context.Context, sessionID string) (*entities.ProviderBinding, error) {
	r.mu.RLock()
	cached, ok := r.bindings[sessionID]
	r.mu.RUnlock()
	if ok {
		return cached, nil
	}

	name := r.defaultName
	session, err := r.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("resolving provider for session %s: %w", sessionID, err)
	}
	if session != nil && session.Provider != "" {
		name = session.Provider
	}

	if _, ok := r.providers[name]; !ok {
		r.logger.Warn("Preferred provider not registered, using default",
			zap.String("session_id", sessionID),
			zap.String("preferred", name),
			zap.String("default", r.defaultName))
		name = r.defaultName
	}

	binding := &entities.ProviderBinding{
		SessionID: sessionID,
		Provider:  name,
	}

	r.mu.Lock()
	r.bindings[sessionID] = binding
	r.mu.Unlock()

	r.logger.Info("Bound session to provider",
		zap.String("session_id", sessionID),
		zap.String("provider", name))

	return binding, nil
}
