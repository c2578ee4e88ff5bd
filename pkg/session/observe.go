package session

import (
	"context"
	"errors"
	"time"

	"github.com/harun/convo/internal/observability"
	"github.com/harun/convo/internal/tracing"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "convo.session"

// op tracks one store operation: span, logger, timing and error accounting.
type op struct {
	ctx     context.Context
	span    trace.Span
	logger  zerolog.Logger
	backend string
	name    string
	start   time.Time
}

func startOp(ctx context.Context, backend, name, sessionID string, attrs ...attribute.KeyValue) *op {
	if ctx == nil {
		ctx = context.Background()
	}
	if sessionID != "" {
		ctx = tracing.WithSessionID(ctx, sessionID)
	}
	attrs = append(attrs,
		attribute.String("backend", backend),
		attribute.String("session_id", sessionID),
	)
	ctx, span := tracing.StartSpan(ctx, tracerName, "session."+name, attrs...)
	return &op{
		ctx:     ctx,
		span:    span,
		logger:  tracing.LoggerFromContext(ctx, log.Logger).With().Str("backend", backend).Logger(),
		backend: backend,
		name:    name,
		start:   time.Now(),
	}
}

// end closes the span and returns err. Storage failures are counted.
func (o *op) end(err error) error {
	defer o.span.End()
	if err != nil {
		tracing.Fail(o.span, err)
		if errors.Is(err, ErrStorageUnavailable) {
			observability.RecordStorageError(o.backend, o.name)
			o.logger.Error().Err(err).Str("op", o.name).Msg("Storage operation failed")
		}
	}
	return err
}

func (o *op) observeSave() {
	observability.RecordSessionSave(o.backend, time.Since(o.start))
}

func (o *op) observeLoad() {
	observability.RecordSessionLoad(o.backend, time.Since(o.start))
}

func roleAttr(role Role) attribute.KeyValue {
	return attribute.String("role", string(role))
}
