package chat

import (
	"errors"

	"github.com/harun/convo/pkg/model"
	"github.com/harun/convo/pkg/session"
)

// Errors surfaced by Manager. Storage and model sentinels are re-exported so
// callers only need this package for errors.Is checks.
var (
	ErrDuplicateSession   = session.ErrDuplicateSession
	ErrUnknownSession     = session.ErrUnknownSession
	ErrStorageUnavailable = session.ErrStorageUnavailable
	ErrModelUnavailable   = model.ErrModelUnavailable
	ErrModelTimeout       = model.ErrModelTimeout

	ErrSessionBusy     = errors.New("session busy: a turn is already in progress")
	ErrEmptyMessage    = errors.New("message is empty")
	ErrNothingToResume = errors.New("nothing to resume: last message is not an unanswered user message")
	ErrPendingReply    = errors.New("last message has no reply yet: resume it before sending new text")
)
