package api

// createSessionRequest is the payload for POST /api/v1/sessions.
// SessionID is optional; the server assigns one when absent.
type createSessionRequest struct {
	SessionID    string `json:"sessionId"`
	UserID       string `json:"userId"`
	ArtifactName string `json:"artifactName"`
}

// terminateRequest is the optional payload for DELETE /api/v1/sessions/{id}.
type terminateRequest struct {
	Reason string `json:"reason"`
}

// acceptedResponse acknowledges an ingested event.
type acceptedResponse struct {
	Accepted      bool   `json:"accepted"`
	ForcedFailure bool   `json:"forcedFailure,omitempty"`
	Error         string `json:"error,omitempty"`
}

// errorResponse is a generic JSON error body.
type errorResponse struct {
	Error string `json:"error"`
}
