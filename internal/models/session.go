package models

import (
	"fmt"
	"time"
)

// SessionStatus is the lifecycle state of a respondent session.
type SessionStatus string

const (
	SessionStatusActive    SessionStatus = "active"
	SessionStatusCompleted SessionStatus = "completed"
	SessionStatusError     SessionStatus = "error"
)

// Role identifies the author of a transcript message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry of a session transcript.
type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Session is one respondent's run through a form.
type Session struct {
	ID            string            `json:"id"`
	FormID        string            `json:"form_id"`
	Status        SessionStatus     `json:"status"`
	CurrentNodeID string            `json:"current_node_id,omitempty"`
	Answers       map[string]string `json:"answers"`
	Messages      []Message         `json:"messages"`
	Channel       string            `json:"channel,omitempty"`
	Locale        string            `json:"locale,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
	CompletedAt   *time.Time        `json:"completed_at,omitempty"`
}

// Active reports whether the session still accepts turns.
func (s *Session) Active() bool {
	return s.Status == SessionStatusActive
}

// Transition moves the session to status. Only active sessions may leave the active state,
// and a transition to the current status is a no-op.
func (s *Session) Transition(to SessionStatus, at time.Time) error {
	if s.Status == to {
		return nil
	}
	if s.Status != SessionStatusActive {
		return fmt.Errorf("invalid session transition %s -> %s", s.Status, to)
	}
	s.Status = to
	s.UpdatedAt = at
	if to == SessionStatusCompleted {
		t := at
		s.CompletedAt = &t
	}
	if to != SessionStatusActive {
		s.CurrentNodeID = ""
	}
	return nil
}

// Clone returns a deep copy, so strategies can work on a scratch copy of the session.
func (s Session) Clone() Session {
	c := s
	c.Answers = make(map[string]string, len(s.Answers))
	for k, v := range s.Answers {
		c.Answers[k] = v
	}
	c.Messages = append([]Message(nil), s.Messages...)
	if s.Metadata != nil {
		c.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			c.Metadata[k] = v
		}
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		c.CompletedAt = &t
	}
	return c
}

// Answer is a persisted field value, unique per (SessionID, FieldKey).
type Answer struct {
	SessionID string    `json:"session_id"`
	FieldKey  string    `json:"field_key"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Submission records the completed answer set of a session. At most one exists per session.
type Submission struct {
	ID        string            `json:"id"`
	SessionID string            `json:"session_id"`
	FormID    string            `json:"form_id"`
	Answers   map[string]string `json:"answers"`
	CreatedAt time.Time         `json:"created_at"`
}

// TurnResult is what the engine returns to the transport for one respondent turn.
type TurnResult struct {
	Reply    string        `json:"assistant_message"`
	State    SessionStatus `json:"state"`
	Accepted bool          `json:"accepted"`
}
