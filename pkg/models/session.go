package models

import "time"

// DefaultSessionID is the literal id of the session that exists from
// manager construction and can never be destroyed.
const DefaultSessionID = "__default__"

// SessionConfig is the typed configuration sub-mapping a session's metadata
// may carry. All fields are optional.
type SessionConfig struct {
	AllowedPaths []string       `json:"allowedPaths,omitempty"`
	Model        string         `json:"model,omitempty"`
	Provider     string         `json:"provider,omitempty"`
	Extra        map[string]any `json:"-"`
}

// Session is an isolated conversation context identified by a string id.
type Session struct {
	ID        string         `json:"id"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Config    SessionConfig  `json:"config,omitempty"`
}

// Clone returns a deep copy of the session record (metadata map and
// allowed-paths slice are copied, not shared).
func (s Session) Clone() Session {
	out := s
	if s.Metadata != nil {
		out.Metadata = make(map[string]any, len(s.Metadata))
		for k, v := range s.Metadata {
			out.Metadata[k] = v
		}
	}
	if s.Config.AllowedPaths != nil {
		out.Config.AllowedPaths = append([]string(nil), s.Config.AllowedPaths...)
	}
	return out
}

// IndexEntry is one row of a persisted agent's index.json.
type IndexEntry struct {
	ID           string    `json:"id"`
	CreatedAt    time.Time `json:"created"`
	UpdatedAt    time.Time `json:"updated"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	MessageCount int       `json:"messageCount"`
}
