package session

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const jsonlExt = ".jsonl"

// jsonlEntry is one line of a session file
type jsonlEntry struct {
	SessionID string  `json:"sessionId"`
	Message   Message `json:"message"`
}

// JSONLStore persists each session as an append-only JSON Lines file named
// <session id>.jsonl. Every append is fsynced before it returns.
type JSONLStore struct {
	dir        string
	writeLocks map[string]*sync.Mutex
	lastStamp  map[string]time.Time
	locksMu    sync.Mutex
}

// NewJSONLStore opens (and creates if needed) a session directory
func NewJSONLStore(dir string) (*JSONLStore, error) {
	if dir == "" {
		return nil, storageErr("open", errors.New("sessions directory is required"))
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, storageErr("open", fmt.Errorf("failed to create sessions directory: %w", err))
	}
	return &JSONLStore{
		dir:        dir,
		writeLocks: make(map[string]*sync.Mutex),
		lastStamp:  make(map[string]time.Time),
	}, nil
}

func (s *JSONLStore) path(sessionID string) string {
	return filepath.Join(s.dir, sessionID+jsonlExt)
}

// lock gets or creates the write lock for a session
func (s *JSONLStore) lock(sessionID string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	if l, ok := s.writeLocks[sessionID]; ok {
		return l
	}
	l := &sync.Mutex{}
	s.writeLocks[sessionID] = l
	return l
}

func (s *JSONLStore) forget(sessionID string) {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	delete(s.writeLocks, sessionID)
	delete(s.lastStamp, sessionID)
}

func (s *JSONLStore) Create(ctx context.Context, sessionID string) error {
	o := startOp(ctx, BackendJSONL, "create", sessionID)
	if err := ValidateSessionID(sessionID); err != nil {
		return o.end(err)
	}

	l := s.lock(sessionID)
	l.Lock()
	defer l.Unlock()

	file, err := os.OpenFile(s.path(sessionID), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return o.end(duplicate(sessionID))
		}
		return o.end(storageErr("create", err))
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return o.end(storageErr("create", err))
	}
	if err := file.Close(); err != nil {
		return o.end(storageErr("create", err))
	}
	if err := syncDir(s.dir); err != nil {
		return o.end(storageErr("create", err))
	}

	o.logger.Info().Msg("Session created")
	return o.end(nil)
}

func (s *JSONLStore) Append(ctx context.Context, sessionID string, msg Message) (Message, error) {
	o := startOp(ctx, BackendJSONL, "append", sessionID, roleAttr(msg.Role))
	defer o.observeSave()

	if err := ValidateSessionID(sessionID); err != nil {
		return Message{}, o.end(err)
	}
	if err := msg.Validate(); err != nil {
		return Message{}, o.end(err)
	}
	msg = msg.Normalize()

	l := s.lock(sessionID)
	l.Lock()
	defer l.Unlock()

	path := s.path(sessionID)
	file, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Message{}, o.end(unknown(sessionID))
		}
		return Message{}, o.end(storageErr("append", err))
	}
	defer file.Close()

	last, err := s.lastTimestamp(sessionID, o.logger)
	if err != nil {
		return Message{}, o.end(err)
	}
	msg = msg.clampAfter(last)

	data, err := json.Marshal(jsonlEntry{SessionID: sessionID, Message: msg})
	if err != nil {
		return Message{}, o.end(fmt.Errorf("failed to marshal message: %w", err))
	}
	if _, err := file.Write(append(data, '\n')); err != nil {
		return Message{}, o.end(storageErr("append", err))
	}
	if err := file.Sync(); err != nil {
		return Message{}, o.end(storageErr("append", err))
	}

	s.locksMu.Lock()
	s.lastStamp[sessionID] = msg.Timestamp
	s.locksMu.Unlock()

	o.logger.Debug().Str("role", string(msg.Role)).Msg("Message appended")
	return msg, o.end(nil)
}

// lastTimestamp returns the newest stored timestamp, loading the file on first use.
// Caller holds the session write lock.
func (s *JSONLStore) lastTimestamp(sessionID string, logger zerolog.Logger) (time.Time, error) {
	s.locksMu.Lock()
	ts, ok := s.lastStamp[sessionID]
	s.locksMu.Unlock()
	if ok {
		return ts, nil
	}

	messages, err := s.load(sessionID, logger)
	if err != nil {
		return time.Time{}, err
	}
	if n := len(messages); n > 0 {
		ts = messages[n-1].Timestamp
	}

	s.locksMu.Lock()
	s.lastStamp[sessionID] = ts
	s.locksMu.Unlock()
	return ts, nil
}

func (s *JSONLStore) Read(ctx context.Context, sessionID string) ([]Message, error) {
	o := startOp(ctx, BackendJSONL, "read", sessionID)
	defer o.observeLoad()

	if err := ValidateSessionID(sessionID); err != nil {
		return nil, o.end(err)
	}

	l := s.lock(sessionID)
	l.Lock()
	defer l.Unlock()

	messages, err := s.load(sessionID, o.logger)
	if err != nil {
		return nil, o.end(err)
	}
	o.logger.Debug().Int("messages", len(messages)).Msg("Session loaded")
	return messages, o.end(nil)
}

// load parses a session file, skipping corrupted or invalid lines
func (s *JSONLStore) load(sessionID string, logger zerolog.Logger) ([]Message, error) {
	file, err := os.Open(s.path(sessionID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, unknown(sessionID)
		}
		return nil, storageErr("read", err)
	}
	defer file.Close()

	messages := []Message{}
	reader := bufio.NewReaderSize(file, 64*1024)
	lineNum := 0

	// Lines have no length limit; a message is as long as its content.
	for {
		line, readErr := reader.ReadBytes('\n')
		if readErr != nil && !errors.Is(readErr, io.EOF) {
			return nil, storageErr("read", readErr)
		}
		if len(line) > 0 {
			lineNum++
			if msg, ok := parseLine(bytes.TrimSpace(line), lineNum, logger); ok {
				messages = append(messages, msg)
			}
		}
		if readErr != nil {
			break
		}
	}
	return messages, nil
}

func parseLine(line []byte, lineNum int, logger zerolog.Logger) (Message, bool) {
	if len(line) == 0 {
		return Message{}, false
	}
	var entry jsonlEntry
	if err := json.Unmarshal(line, &entry); err != nil {
		logger.Warn().Int("line", lineNum).Err(err).Msg("Failed to parse line, skipping")
		return Message{}, false
	}
	if err := entry.Message.Validate(); err != nil {
		logger.Warn().Int("line", lineNum).Err(err).Msg("Invalid entry, skipping")
		return Message{}, false
	}
	return entry.Message, true
}

func (s *JSONLStore) ListSessionIDs(ctx context.Context) ([]string, error) {
	o := startOp(ctx, BackendJSONL, "list", "")

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, o.end(storageErr("list", err))
	}

	ids := []string{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, jsonlExt) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, jsonlExt))
	}
	return ids, o.end(nil)
}

func (s *JSONLStore) Delete(ctx context.Context, sessionID string) error {
	o := startOp(ctx, BackendJSONL, "delete", sessionID)
	if err := ValidateSessionID(sessionID); err != nil {
		return o.end(err)
	}

	l := s.lock(sessionID)
	l.Lock()
	defer l.Unlock()

	if err := os.Remove(s.path(sessionID)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return o.end(unknown(sessionID))
		}
		return o.end(storageErr("delete", err))
	}
	s.forget(sessionID)

	o.logger.Info().Msg("Session deleted")
	return o.end(nil)
}

var _ Repairer = (*JSONLStore)(nil)

// Repair rewrites a session file keeping only its parseable entries.
// It returns the number of entries kept.
func (s *JSONLStore) Repair(ctx context.Context, sessionID string) (int, error) {
	o := startOp(ctx, BackendJSONL, "repair", sessionID)
	if err := ValidateSessionID(sessionID); err != nil {
		return 0, o.end(err)
	}

	l := s.lock(sessionID)
	l.Lock()
	defer l.Unlock()

	messages, err := s.load(sessionID, o.logger)
	if err != nil {
		return 0, o.end(err)
	}

	path := s.path(sessionID)
	tempPath := path + ".tmp"

	file, err := os.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return 0, o.end(storageErr("repair", err))
	}

	writer := bufio.NewWriter(file)
	for _, msg := range messages {
		data, err := json.Marshal(jsonlEntry{SessionID: sessionID, Message: msg})
		if err == nil {
			data = append(data, '\n')
			_, err = writer.Write(data)
		}
		if err != nil {
			file.Close()
			os.Remove(tempPath)
			return 0, o.end(storageErr("repair", err))
		}
	}

	if err := writer.Flush(); err != nil {
		file.Close()
		os.Remove(tempPath)
		return 0, o.end(storageErr("repair", err))
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tempPath)
		return 0, o.end(storageErr("repair", err))
	}
	file.Close()

	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return 0, o.end(storageErr("repair", err))
	}

	o.logger.Info().Int("entries", len(messages)).Msg("Session repaired")
	return len(messages), o.end(nil)
}

func (s *JSONLStore) Durable() bool { return true }

func (s *JSONLStore) Close() error {
	s.locksMu.Lock()
	s.writeLocks = make(map[string]*sync.Mutex)
	s.lastStamp = make(map[string]time.Time)
	s.locksMu.Unlock()
	return nil
}

// syncDir flushes directory metadata so a newly created file survives a crash
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	if err := d.Sync(); err != nil && !errors.Is(err, os.ErrInvalid) {
		return err
	}
	return nil
}
