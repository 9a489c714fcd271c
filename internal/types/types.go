// Package types holds the shared data model for chatcore: messages,
// session markers, roles, and projects. It has no dependencies on other
// internal packages so every layer can import it.
package types

import (
	"strings"
	"time"
)

// Sender identifies who produced a message. Assistant senders may carry a
// variant suffix (e.g. "assistant:concise"), so comparisons on assistant
// messages should go through IsAssistant rather than equality.
type Sender string

const (
	SenderUser      Sender = "user"
	SenderAssistant Sender = "assistant"
	SenderSystem    Sender = "system"
)

// IsAssistant reports whether the sender is the assistant or one of its
// variants.
func (s Sender) IsAssistant() bool {
	return s == SenderAssistant || strings.HasPrefix(string(s), string(SenderAssistant)+":")
}

// SessionMarker is the minimal durable identity of the active conversation
// session for a (role, project) pair. It is the only record that survives a
// process restart; message history is always re-fetched.
type SessionMarker struct {
	RoleID    int64  `json:"role_id"`
	ProjectID int64  `json:"project_id"`
	SessionID string `json:"session_id"`
}

// Matches reports whether the marker targets the given (role, project) pair.
func (m SessionMarker) Matches(roleID, projectID int64) bool {
	return m.RoleID == roleID && m.ProjectID == projectID
}

// Message is a single chat message as held by the session store.
type Message struct {
	ID        string    `json:"id"`
	Sender    Sender    `json:"sender"`
	Text      string    `json:"text"`
	IsTyping  bool      `json:"is_typing,omitempty"`
	IsSummary bool      `json:"is_summary,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	RoleID    int64     `json:"role_id,omitempty"`
	ProjectID int64     `json:"project_id,omitempty"`
	CreatedAt time.Time `json:"created_at,omitempty"`

	// TransientHandles are process-local resource references (temporary
	// object URLs, preview blobs) attached to the message. They are never
	// serialized and must be released when the message leaves the store.
	TransientHandles []string `json:"-"`
}

// Summary is a condensed slice of prior conversation returned by the
// session directory alongside a restored session.
type Summary struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// AsMessage renders the summary as a system message flagged IsSummary so it
// can sit in the message list next to regular history.
func (s Summary) AsMessage() Message {
	return Message{
		ID:        s.ID,
		Sender:    SenderSystem,
		Text:      s.Text,
		IsSummary: true,
		SessionID: s.SessionID,
		CreatedAt: s.CreatedAt,
	}
}

// Role is a selectable assistant persona that scopes a session.
type Role struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// Project is a workspace context that further scopes a session.
type Project struct {
	ID     int64  `json:"id"`
	RoleID int64  `json:"role_id"`
	Name   string `json:"name"`
}

// Identity describes an authenticated user as reported by the auth service.
type Identity struct {
	UserID string `json:"user_id"`
	Name   string `json:"name,omitempty"`
}

// Valid reports whether the identity refers to an actual user.
func (i Identity) Valid() bool {
	return i.UserID != ""
}
