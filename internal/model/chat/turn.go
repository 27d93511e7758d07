package chat

// Request is one inbound chat turn.
type Request struct {
	Message   string `json:"message"`
	Path      string `json:"path"`
	SessionID string `json:"sessionId,omitempty"`
	Provider  string `json:"provider,omitempty"`
}

// Response is the assistant's reply to a turn.
type Response struct {
	Response  string `json:"response"`
	SessionID string `json:"sessionId"`
	Provider  string `json:"provider,omitempty"`
}

// Health is the payload of the liveness endpoint.
type Health struct {
	Status         string         `json:"status"`
	ActiveSessions int            `json:"activeSessions"`
	SessionStats   map[string]int `json:"sessionStats"`
}
