// Package api wires the HTTP and websocket surface of the transcription
// service onto an echo server.
package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/scribelive/server/internal/auth"
	"github.com/scribelive/server/internal/queue"
	"github.com/scribelive/server/internal/websocket"
	"github.com/scribelive/server/usecase"
)

// HealthCheck probes one backing dependency for the health endpoint.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Server holds the handler dependencies.
type Server struct {
	sessions *usecase.SessionService
	ingest   *usecase.IngestService
	hub      *websocket.Hub
	issuer   *auth.TokenIssuer
	checks   []HealthCheck
	logger   *zap.Logger
}

// NewServer creates the API surface.
func NewServer(
	sessions *usecase.SessionService,
	ingest *usecase.IngestService,
	hub *websocket.Hub,
	issuer *auth.TokenIssuer,
	checks []HealthCheck,
	logger *zap.Logger,
) *Server {
	return &Server{
		sessions: sessions,
		ingest:   ingest,
		hub:      hub,
		issuer:   issuer,
		checks:   checks,
		logger:   logger,
	}
}

// Register attaches all routes to the echo instance.
func (s *Server) Register(e *echo.Echo) {
	e.GET("/healthz", s.health)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := e.Group("/api/v1")
	v1.POST("/sessions", s.createSession)
	v1.GET("/sessions/:id", s.getSession)
	v1.POST("/sessions/:id/start", s.startSession)
	v1.POST("/sessions/:id/complete", s.completeSession)
	v1.GET("/sessions/:id/segments", s.listSegments)
	v1.POST("/sessions/:id/chunks/:seq", s.uploadChunk)

	e.GET("/ws/sessions/:id/upload", s.uploadSocket)
	e.GET("/ws/sessions/:id/listen", s.listenSocket)
}

// health probes every registered dependency. Any failure degrades the
// report to 503 with the failing component named.
func (s *Server) health(c echo.Context) error {
	status := http.StatusOK
	components := make(map[string]string, len(s.checks))
	for _, check := range s.checks {
		if err := check.Check(c.Request().Context()); err != nil {
			s.logger.Warn("Health check failed",
				zap.String("component", check.Name),
				zap.Error(err))
			components[check.Name] = "unavailable"
			status = http.StatusServiceUnavailable
			continue
		}
		components[check.Name] = "ok"
	}

	overall := "ok"
	if status != http.StatusOK {
		overall = "degraded"
	}
	return c.JSON(status, HealthResponse{
		Status:     overall,
		Service:    "scribelive-server",
		Components: components,
	})
}

func (s *Server) createSession(c echo.Context) error {
	var req CreateSessionRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: "Invalid request format",
		})
	}
	if req.Language == "" {
		req.Language = "en-US"
	}

	session, err := s.sessions.Create(c.Request().Context(), req.OwnerID, req.Language, req.Provider)
	if err != nil {
		s.logger.Error("Failed to create session", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "session_creation_failed",
			Message: "Failed to create session",
		})
	}

	uploadToken, err := s.issuer.GenerateSessionToken(session.ID, session.OwnerID, auth.RoleUploader)
	if err != nil {
		s.logger.Error("Failed to generate upload token", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "token_generation_failed",
			Message: "Failed to generate session tokens",
		})
	}
	listenToken, err := s.issuer.GenerateSessionToken(session.ID, session.OwnerID, auth.RoleListener)
	if err != nil {
		s.logger.Error("Failed to generate listen token", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "token_generation_failed",
			Message: "Failed to generate session tokens",
		})
	}

	return c.JSON(http.StatusCreated, SessionResponse{
		SessionID:   session.ID,
		Status:      string(session.Status),
		Language:    session.Language,
		Provider:    session.Provider,
		UploadToken: uploadToken,
		ListenToken: listenToken,
		CreatedAt:   session.CreatedAt,
	})
}

func (s *Server) getSession(c echo.Context) error {
	session, err := s.sessions.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusNotFound, ErrorResponse{
			Error:   "session_not_found",
			Message: "Session not found",
		})
	}
	return c.JSON(http.StatusOK, SessionResponse{
		SessionID: session.ID,
		Status:    string(session.Status),
		Language:  session.Language,
		Provider:  session.Provider,
		CreatedAt: session.CreatedAt,
	})
}

func (s *Server) startSession(c echo.Context) error {
	sessionID := c.Param("id")
	if _, err := s.authorize(c, sessionID, auth.RoleUploader); err != nil {
		return err
	}

	session, err := s.sessions.Start(c.Request().Context(), sessionID)
	if err != nil {
		if errors.Is(err, usecase.ErrSessionCompleted) {
			return c.JSON(http.StatusConflict, ErrorResponse{
				Error:   "session_completed",
				Message: "Session already completed",
			})
		}
		return c.JSON(http.StatusNotFound, ErrorResponse{
			Error:   "session_not_found",
			Message: "Session not found",
		})
	}
	return c.JSON(http.StatusOK, SessionResponse{
		SessionID: session.ID,
		Status:    string(session.Status),
		Language:  session.Language,
		CreatedAt: session.CreatedAt,
	})
}

func (s *Server) completeSession(c echo.Context) error {
	sessionID := c.Param("id")
	if _, err := s.authorize(c, sessionID, auth.RoleUploader); err != nil {
		return err
	}

	session, err := s.sessions.Complete(c.Request().Context(), sessionID)
	if err != nil {
		return c.JSON(http.StatusNotFound, ErrorResponse{
			Error:   "session_not_found",
			Message: "Session not found",
		})
	}
	return c.JSON(http.StatusOK, SessionResponse{
		SessionID: session.ID,
		Status:    string(session.Status),
		Language:  session.Language,
		CreatedAt: session.CreatedAt,
	})
}

func (s *Server) listSegments(c echo.Context) error {
	segments, err := s.sessions.Segments(c.Request().Context(), c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusNotFound, ErrorResponse{
			Error:   "session_not_found",
			Message: "Session not found",
		})
	}
	return c.JSON(http.StatusOK, segments)
}

// uploadChunk is the one-shot ingestion path for clients that cannot hold a
// websocket open.
func (s *Server) uploadChunk(c echo.Context) error {
	sessionID := c.Param("id")
	if _, err := s.authorize(c, sessionID, auth.RoleUploader); err != nil {
		return err
	}

	sequence, err := strconv.ParseUint(c.Param("seq"), 10, 32)
	if err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_sequence",
			Message: "Sequence must be an unsigned integer",
		})
	}

	contentType := c.Request().Header.Get(echo.HeaderContentType)
	if !acceptedChunkContentType(contentType) {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_content_type",
			Message: "Chunk body must be audio/* or application/octet-stream",
		})
	}

	// Read one byte past the limit so the inclusive boundary is testable.
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, usecase.MaxChunkSize+1))
	if err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "body_read_failed",
			Message: "Failed to read chunk body",
		})
	}

	err = s.ingest.Ingest(c.Request().Context(), sessionID, uint32(sequence), body)
	switch {
	case err == nil:
		return c.JSON(http.StatusCreated, ChunkAcceptedResponse{
			Ack:    uint32(sequence),
			Size:   len(body),
			Status: "accepted",
		})
	case errors.Is(err, usecase.ErrDuplicateSequence):
		return c.JSON(http.StatusConflict, ErrorResponse{
			Error:   "duplicate_sequence",
			Message: "Chunk with this sequence was already uploaded",
		})
	case errors.Is(err, usecase.ErrChunkTooLarge), errors.Is(err, usecase.ErrEmptyChunk):
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_chunk",
			Message: err.Error(),
		})
	case errors.Is(err, usecase.ErrSessionNotRecording):
		return c.JSON(http.StatusConflict, ErrorResponse{
			Error:   "session_not_recording",
			Message: "Session is not accepting chunks",
		})
	case errors.Is(err, usecase.ErrSessionNotFound):
		return c.JSON(http.StatusNotFound, ErrorResponse{
			Error:   "session_not_found",
			Message: "Session not found",
		})
	case errors.Is(err, queue.ErrQueueFull):
		return c.JSON(http.StatusServiceUnavailable, ErrorResponse{
			Error:   "queue_full",
			Message: "Transcription queue is full, retry later",
		})
	default:
		s.logger.Error("Chunk ingestion failed",
			zap.String("session_id", sessionID),
			zap.Uint64("sequence", sequence),
			zap.Error(err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "ingestion_failed",
			Message: "Failed to process chunk",
		})
	}
}

func (s *Server) uploadSocket(c echo.Context) error {
	sessionID := c.Param("id")
	if _, err := s.authorize(c, sessionID, auth.RoleUploader); err != nil {
		return err
	}
	return websocket.ServeUpload(c, sessionID, s.sessions, s.ingest, s.logger)
}

func (s *Server) listenSocket(c echo.Context) error {
	sessionID := c.Param("id")
	// Uploaders may also listen to their own session.
	if _, err := s.authorize(c, sessionID, auth.RoleListener, auth.RoleUploader); err != nil {
		return err
	}
	return websocket.ServeListener(s.hub, c, sessionID, s.logger)
}

// errDenied marks a request whose rejection response is already written.
// Echo skips its error handler for committed responses.
var errDenied = errors.New("request denied")

func (s *Server) deny(c echo.Context, status int, code, message string) error {
	if err := c.JSON(status, ErrorResponse{Error: code, Message: message}); err != nil {
		return err
	}
	return errDenied
}

// authorize validates the bearer token and checks its session scope and
// role. Browser websocket clients cannot set headers, so the token is also
// accepted as a query parameter.
func (s *Server) authorize(c echo.Context, sessionID string, roles ...string) (*auth.SessionClaims, error) {
	var token string
	authHeader := c.Request().Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		token = strings.TrimPrefix(authHeader, "Bearer ")
	}
	if token == "" {
		token = c.QueryParam("token")
	}
	if token == "" {
		return nil, s.deny(c, http.StatusUnauthorized, "missing_token", "Session token is required")
	}

	claims, err := s.issuer.ValidateForSession(token, sessionID)
	if err != nil {
		s.logger.Warn("Rejected token",
			zap.String("session_id", sessionID),
			zap.Error(err))
		return nil, s.deny(c, http.StatusUnauthorized, "invalid_token", "Invalid or expired session token")
	}

	for _, role := range roles {
		if claims.Role == role {
			return claims, nil
		}
	}
	return nil, s.deny(c, http.StatusForbidden, "invalid_role", "Token role does not permit this operation")
}

func acceptedChunkContentType(contentType string) bool {
	if contentType == "" {
		return false
	}
	if strings.HasPrefix(contentType, "audio/") || strings.HasPrefix(contentType, "video/") {
		return true
	}
	return strings.HasPrefix(contentType, "application/octet-stream")
}
