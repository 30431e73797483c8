package middleware

// errorEnvelope mirrors the api package's JSON error response shape.
type errorEnvelope struct {
	Error string `json:"error,omitempty"`
}
