package chat

import "time"

// Session ties a conversation id to the directory the assistant works in.
// Path is fixed at creation.
type Session struct {
	ID        string    `json:"id"`
	Path      string    `json:"path"`
	Provider  string    `json:"provider"`
	CreatedAt time.Time `json:"createdAt"`
}

// Age reports how long the session has existed at now.
func (s Session) Age(now time.Time) time.Duration {
	return now.Sub(s.CreatedAt)
}
