package gateway

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/harun/convo/internal/observability"
	"github.com/harun/convo/internal/tracing"
	"github.com/harun/convo/pkg/chat"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

// streamRequest is the body of POST /v1/chat/stream
type streamRequest struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
	// Resume answers a pending user message instead of sending a new one.
	Resume bool `json:"resume"`
}

var streamSchema = map[string]interface{}{
	"type":     "object",
	"required": []string{"session_id"},
	"properties": map[string]interface{}{
		"session_id": sessionIDProperty,
		"message":    map[string]interface{}{"type": "string"},
		"resume":     map[string]interface{}{"type": "boolean"},
	},
}

// handleChatStream runs one turn and streams it as Server-Sent Events:
// connected, then token per fragment, then complete or error. Errors raised
// before the turn starts are plain JSON with an HTTP status instead.
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.shuttingDown() {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	var params map[string]interface{}
	if err := json.Unmarshal(body, &params); err != nil {
		s.writeStreamError(w, invalidParams("malformed body: %v", err))
		return
	}
	if err := validateParams(s.streamValidator, params); err != nil {
		s.writeStreamError(w, err)
		return
	}
	var req streamRequest
	_ = json.Unmarshal(body, &req)

	s.inFlightReqs.Add(1)
	defer s.inFlightReqs.Done()

	// r.Context is cancelled when the client goes away, which abandons the turn.
	ctx := s.requestContext(r)
	logger := tracing.LoggerFromContext(tracing.WithSessionID(ctx, req.SessionID), s.logger)

	var turn *chat.Turn
	switch {
	case req.Resume:
		turn, err = s.manager.ResumeTurn(ctx, req.SessionID)
	case strings.TrimSpace(req.Message) == "":
		err = chat.ErrEmptyMessage
	default:
		turn, err = s.manager.SubmitTurn(ctx, req.SessionID, req.Message)
	}
	if err != nil {
		observability.RecordRPCRequest("chat.stream", false)
		s.writeStreamError(w, err)
		return
	}
	defer turn.Close()

	streamID, _ := gonanoid.New()
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	send := func(event string, data interface{}) error {
		payload, err := json.Marshal(data)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	_ = send("connected", map[string]interface{}{
		"stream_id":  streamID,
		"session_id": turn.SessionID(),
		"trace_id":   tracing.GetTraceID(ctx),
	})

	for turn.Next() {
		if err := send("token", map[string]interface{}{"delta": turn.Fragment()}); err != nil {
			logger.Debug().Err(err).Str("stream_id", streamID).Msg("Stream reader went away")
			observability.RecordRPCRequest("chat.stream", false)
			return
		}
	}

	if err := turn.Err(); err != nil {
		observability.RecordRPCRequest("chat.stream", false)
		_ = send("error", &RPCError{Code: ErrorCode(err), Message: err.Error()})
		return
	}

	observability.RecordRPCRequest("chat.stream", true)
	reply, _ := turn.Reply()
	_ = send("complete", map[string]interface{}{
		"session_id": turn.SessionID(),
		"reply":      reply,
	})
}

// writeStreamError reports a turn that never started as a JSON error body.
func (s *Server) writeStreamError(w http.ResponseWriter, err error) {
	code := ErrorCode(err)
	writeJSON(w, httpStatus(code), map[string]interface{}{
		"error": &RPCError{Code: code, Message: err.Error()},
	})
}

func httpStatus(code int) int {
	switch code {
	case InvalidParams, ParseError, InvalidRequest:
		return http.StatusBadRequest
	case UnknownSession:
		return http.StatusNotFound
	case SessionBusy, DuplicateSession, PendingReply:
		return http.StatusConflict
	case ModelUnavailable:
		return http.StatusBadGateway
	case ModelTimeout:
		return http.StatusGatewayTimeout
	case StorageUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
