package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for store operations.
var (
	ErrDuplicateSession   = errors.New("session already exists")
	ErrUnknownSession     = errors.New("unknown session")
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrInvalidMessage     = errors.New("invalid message")
	ErrInvalidSessionID   = errors.New("invalid session id")

	errClosed = errors.New("store is closed")
)

// Backend names accepted by Open.
const (
	BackendSQLite   = "sqlite"
	BackendJSONL    = "jsonl"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

// Store is durable keyed storage mapping a session identifier to its ordered
// message list. Implementations must be safe for concurrent use.
type Store interface {
	// Create registers an empty session.
	Create(ctx context.Context, sessionID string) error
	// Append adds a message to the end of the session and returns the stored copy.
	Append(ctx context.Context, sessionID string, msg Message) (Message, error)
	// Read returns the full ordered message sequence of a session.
	Read(ctx context.Context, sessionID string) ([]Message, error)
	// ListSessionIDs returns every known session identifier in no particular order.
	ListSessionIDs(ctx context.Context) ([]string, error)
	// Delete removes a session and its messages.
	Delete(ctx context.Context, sessionID string) error
	// Durable reports whether data survives a process restart.
	Durable() bool
	// Close releases the underlying handle.
	Close() error
}

// Repairer is implemented by stores whose files can be damaged outside the
// process and rewritten in place. Repair keeps the readable messages of a
// session and returns how many were kept.
type Repairer interface {
	Repair(ctx context.Context, sessionID string) (int, error)
}

// ValidateSessionID rejects identifiers that are unsafe as file names or keys
func ValidateSessionID(sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("%w: cannot be empty", ErrInvalidSessionID)
	}
	if strings.Contains(sessionID, "..") {
		return fmt.Errorf("%w: cannot contain '..'", ErrInvalidSessionID)
	}
	if strings.ContainsAny(sessionID, "/\\") {
		return fmt.Errorf("%w: cannot contain path separators", ErrInvalidSessionID)
	}
	if strings.Contains(sessionID, "\x00") {
		return fmt.Errorf("%w: cannot contain null bytes", ErrInvalidSessionID)
	}
	return nil
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrStorageUnavailable, op, err)
}

func unknown(sessionID string) error {
	return fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
}

func duplicate(sessionID string) error {
	return fmt.Errorf("%w: %s", ErrDuplicateSession, sessionID)
}
