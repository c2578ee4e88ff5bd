package session

import (
	"fmt"
	"strings"
	"time"
)

// Role identifies the author of a message
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is a known role
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// Label returns the capitalized role name used in transcripts
func (r Role) Label() string {
	if r == "" {
		return ""
	}
	s := string(r)
	return strings.ToUpper(s[:1]) + s[1:]
}

// Message is one utterance in a conversation. Messages are values; stores
// hand out copies so a stored message can never be changed by a caller.
type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// NewMessage creates a message stamped with the current time
func NewMessage(role Role, content string) Message {
	return Message{
		Role:      role,
		Content:   content,
		Timestamp: time.Now(),
	}
}

// Validate checks that the message can be stored
func (m Message) Validate() error {
	if !m.Role.Valid() {
		return fmt.Errorf("%w: unknown role %q", ErrInvalidMessage, m.Role)
	}
	if m.Content == "" {
		return fmt.Errorf("%w: content cannot be empty", ErrInvalidMessage)
	}
	return nil
}

// Normalize returns the message with its timestamp in UTC at microsecond
// precision, the resolution every backend can round-trip. A zero timestamp
// becomes the current time.
func (m Message) Normalize() Message {
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}
	m.Timestamp = m.Timestamp.UTC().Truncate(time.Microsecond)
	return m
}

// clampAfter raises the timestamp to last when it would go backwards
func (m Message) clampAfter(last time.Time) Message {
	if m.Timestamp.Before(last) {
		m.Timestamp = last
	}
	return m
}
