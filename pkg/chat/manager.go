package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/harun/convo/internal/observability"
	"github.com/harun/convo/internal/tracing"
	"github.com/harun/convo/pkg/model"
	"github.com/harun/convo/pkg/session"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

const tracerName = "convo.chat"

// Config holds the Manager dependencies
type Config struct {
	Store  session.Store
	Model  model.Client
	Logger zerolog.Logger
	// NewID generates session identifiers. Defaults to random UUIDv4.
	NewID func() string
	// Now is the clock used to stamp user messages. Defaults to time.Now.
	Now func() time.Time
}

// History is a full conversation with its display summary
type History struct {
	SessionID string            `json:"session_id"`
	Messages  []session.Message `json:"messages"`
	Summary   string            `json:"summary"`
}

// Manager runs conversations: it records each user message, streams the
// model's reply back to the caller and records the reply once complete.
// At most one turn runs per session at a time.
type Manager struct {
	store  session.Store
	model  model.Client
	logger zerolog.Logger
	newID  func() string
	now    func() time.Time

	mu        sync.Mutex
	busy      map[string]struct{}
	summaries map[string]string
}

// New creates a Manager
func New(cfg Config) (*Manager, error) {
	if cfg.Store == nil {
		return nil, errors.New("chat: store is required")
	}
	if cfg.Model == nil {
		return nil, errors.New("chat: model client is required")
	}
	if cfg.NewID == nil {
		cfg.NewID = func() string { return uuid.New().String() }
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	observability.EnsureRegistered()

	return &Manager{
		store:     cfg.Store,
		model:     cfg.Model,
		logger:    cfg.Logger.With().Str("component", "chat").Logger(),
		newID:     cfg.NewID,
		now:       cfg.Now,
		busy:      make(map[string]struct{}),
		summaries: make(map[string]string),
	}, nil
}

// Store returns the underlying session store
func (m *Manager) Store() session.Store { return m.store }

// ModelName returns the provider name of the model client
func (m *Manager) ModelName() string { return m.model.Name() }

func (m *Manager) loggerFor(ctx context.Context) zerolog.Logger {
	return tracing.LoggerFromContext(ctx, m.logger)
}

// NewSession creates an empty session and returns its identifier.
func (m *Manager) NewSession(ctx context.Context) (string, error) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "chat.new_session")
	defer span.End()

	var err error
	for attempt := 0; attempt < 2; attempt++ {
		id := m.newID()
		err = m.store.Create(ctx, id)
		if err == nil {
			span.SetAttributes(attribute.String("session_id", id))
			logger := m.loggerFor(ctx)
			logger.Info().Str("session_id", id).Msg("Session started")
			return id, nil
		}
		if !errors.Is(err, session.ErrDuplicateSession) {
			break
		}
		logger := m.loggerFor(ctx)
		logger.Warn().Str("session_id", id).Msg("Generated session id already exists, retrying")
	}
	return "", tracing.Fail(span, fmt.Errorf("new session: %w", err))
}

// ListSessions returns every known session identifier.
func (m *Manager) ListSessions(ctx context.Context) ([]string, error) {
	ids, err := m.store.ListSessionIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return ids, nil
}

// GetHistory loads a session with its summary.
func (m *Manager) GetHistory(ctx context.Context, sessionID string) (History, error) {
	ctx = tracing.WithSessionID(ctx, sessionID)
	ctx, span := tracing.StartSpan(ctx, tracerName, "chat.get_history", attribute.String("session_id", sessionID))
	defer span.End()

	messages, err := m.store.Read(ctx, sessionID)
	if err != nil {
		return History{}, tracing.Fail(span, fmt.Errorf("get history: %w", err))
	}
	return History{
		SessionID: sessionID,
		Messages:  messages,
		Summary:   m.summary(sessionID, messages),
	}, nil
}

// summary returns the cached summary, computing and caching it once the
// session has a user message.
func (m *Manager) summary(sessionID string, messages []session.Message) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.summaries[sessionID]; ok {
		return s
	}
	s := Summarize(messages)
	if hasUserMessage(messages) {
		m.summaries[sessionID] = s
	}
	return s
}

// Overview returns display entries for every session, newest first.
func (m *Manager) Overview(ctx context.Context) ([]SessionInfo, error) {
	ids, err := m.ListSessions(ctx)
	if err != nil {
		return nil, err
	}

	infos := make([]SessionInfo, 0, len(ids))
	for _, id := range ids {
		h, err := m.GetHistory(ctx, id)
		if errors.Is(err, session.ErrUnknownSession) {
			// deleted between list and read
			continue
		}
		if err != nil {
			return nil, err
		}
		infos = append(infos, infoFromHistory(h))
	}
	SortNewestFirst(infos)
	return infos, nil
}

// SubmitTurn records text as a user message and starts the model reply.
// The returned Turn must be drained or closed; the assistant message is
// recorded only when the reply stream completes cleanly. While the last
// message is unanswered, only the same text is accepted and it resumes that
// turn; anything else fails with ErrPendingReply.
func (m *Manager) SubmitTurn(ctx context.Context, sessionID, text string) (*Turn, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyMessage
	}
	ctx = tracing.WithSessionID(ctx, sessionID)
	ctx, span := tracing.StartSpan(ctx, tracerName, "chat.submit_turn", attribute.String("session_id", sessionID))
	defer span.End()

	if !m.acquire(sessionID) {
		observability.RecordRejectedTurn("busy")
		return nil, tracing.Fail(span, fmt.Errorf("%w: %s", ErrSessionBusy, sessionID))
	}

	history, err := m.store.Read(ctx, sessionID)
	if err != nil {
		m.release(sessionID)
		return nil, tracing.Fail(span, fmt.Errorf("submit turn: %w", err))
	}

	// An unanswered user message must be answered first. Resending the same
	// text answers it instead of recording it twice.
	if pending, ok := PendingUserMessage(history); ok {
		if strings.TrimSpace(pending.Content) != strings.TrimSpace(text) {
			m.release(sessionID)
			observability.RecordRejectedTurn("pending")
			return nil, tracing.Fail(span, fmt.Errorf("%w: %s", ErrPendingReply, sessionID))
		}
		logger := m.loggerFor(ctx)
		logger.Info().Msg("Resubmitted text matches unanswered message; resuming")
		turn, err := m.startTurn(ctx, sessionID, pending, history)
		if err != nil {
			return nil, tracing.Fail(span, err)
		}
		return turn, nil
	}

	userMsg, err := m.store.Append(ctx, sessionID, session.Message{
		Role:      session.RoleUser,
		Content:   text,
		Timestamp: m.now(),
	})
	if err != nil {
		m.release(sessionID)
		return nil, tracing.Fail(span, fmt.Errorf("submit turn: %w", err))
	}
	history = append(history, userMsg)
	m.summary(sessionID, history)

	logger := m.loggerFor(ctx)
	logger.Debug().Int("history_len", len(history)).Msg("User message recorded")

	turn, err := m.startTurn(ctx, sessionID, userMsg, history)
	if err != nil {
		return nil, tracing.Fail(span, err)
	}
	return turn, nil
}

// ResumeTurn asks the model again for a session whose last message is an
// unanswered user message, without recording that message a second time.
func (m *Manager) ResumeTurn(ctx context.Context, sessionID string) (*Turn, error) {
	ctx = tracing.WithSessionID(ctx, sessionID)
	ctx, span := tracing.StartSpan(ctx, tracerName, "chat.resume_turn", attribute.String("session_id", sessionID))
	defer span.End()

	if !m.acquire(sessionID) {
		observability.RecordRejectedTurn("busy")
		return nil, tracing.Fail(span, fmt.Errorf("%w: %s", ErrSessionBusy, sessionID))
	}

	history, err := m.store.Read(ctx, sessionID)
	if err != nil {
		m.release(sessionID)
		return nil, tracing.Fail(span, fmt.Errorf("resume turn: %w", err))
	}
	pending, ok := PendingUserMessage(history)
	if !ok {
		m.release(sessionID)
		return nil, ErrNothingToResume
	}

	logger := m.loggerFor(ctx)
	logger.Info().Msg("Resuming unanswered turn")

	turn, err := m.startTurn(ctx, sessionID, pending, history)
	if err != nil {
		return nil, tracing.Fail(span, err)
	}
	return turn, nil
}

// startTurn opens the model stream. The caller holds the session slot; it is
// released here on failure and by the Turn otherwise.
func (m *Manager) startTurn(ctx context.Context, sessionID string, userMsg session.Message, history []session.Message) (*Turn, error) {
	turnCtx, cancel := context.WithCancel(ctx)
	start := time.Now()
	observability.TurnStarted()

	stream, err := m.model.Stream(turnCtx, history)
	if err != nil {
		cancel()
		m.release(sessionID)
		observability.RecordTurn(turnStatus(err), time.Since(start))
		logger := m.loggerFor(ctx)
		logger.Warn().Err(err).Str("provider", m.model.Name()).Msg("Model call failed, user message kept for resume")
		return nil, fmt.Errorf("model call: %w", err)
	}

	return &Turn{
		manager:   m,
		ctx:       turnCtx,
		cancel:    cancel,
		sessionID: sessionID,
		user:      userMsg,
		stream:    stream,
		start:     start,
	}, nil
}

// Ask submits text and blocks until the reply is recorded.
func (m *Manager) Ask(ctx context.Context, sessionID, text string) (string, error) {
	turn, err := m.SubmitTurn(ctx, sessionID, text)
	if err != nil {
		return "", err
	}
	return turn.Wait()
}

// DeleteSession removes a session. It fails with ErrSessionBusy while a turn runs.
func (m *Manager) DeleteSession(ctx context.Context, sessionID string) error {
	ctx = tracing.WithSessionID(ctx, sessionID)
	if !m.acquire(sessionID) {
		return fmt.Errorf("%w: %s", ErrSessionBusy, sessionID)
	}
	defer m.release(sessionID)

	if err := m.store.Delete(ctx, sessionID); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}

	m.mu.Lock()
	delete(m.summaries, sessionID)
	m.mu.Unlock()

	logger := m.loggerFor(ctx)
	logger.Info().Msg("Session deleted")
	return nil
}

// Busy reports whether a turn is in progress for sessionID.
func (m *Manager) Busy(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.busy[sessionID]
	return ok
}

func (m *Manager) acquire(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.busy[sessionID]; ok {
		return false
	}
	m.busy[sessionID] = struct{}{}
	return true
}

func (m *Manager) release(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.busy, sessionID)
}

func turnStatus(err error) string {
	switch {
	case err == nil:
		return "completed"
	case errors.Is(err, model.ErrModelTimeout):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		return "failed"
	}
}
