package entities

// ProviderBinding is the speech-to-text backend chosen for a session.
// Resolved once per session and cached for its lifetime.
type ProviderBinding struct {
	SessionID string `json:"session_id" bson:"session_id"`
	Provider  string `json:"provider" bson:"provider"`
	Model     string `json:"model,omitempty" bson:"model,omitempty"`
	APIKey    string `json:"-" bson:"-"`
}
