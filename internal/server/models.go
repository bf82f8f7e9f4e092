package server

// HTTPError is a generic error envelope returned by the server.
type HTTPError struct {
	Error string `json:"error"`
}

// AuthSignupRequest represents the signup payload.
type AuthSignupRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// AuthLoginRequest represents the login payload.
type AuthLoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// TokenResponse carries a bearer token.
type TokenResponse struct {
	Token string `json:"token"`
}

// MeResponse returns the current authenticated user id.
type MeResponse struct {
	UserID string `json:"user_id"`
}

// AskRequest is the question payload. SessionID is optional; a new session
// is opened when it is absent.
type AskRequest struct {
	Query     string `json:"query"`
	SessionID string `json:"session_id,omitempty"`
}

// IngestRequest adds a single document to the index by URL.
type IngestRequest struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// IngestResponse reports how many sources were indexed.
type IngestResponse struct {
	Indexed int `json:"indexed"`
}
