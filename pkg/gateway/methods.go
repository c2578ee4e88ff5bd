package gateway

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/harun/convo/internal/tracing"
	"github.com/harun/convo/pkg/chat"
)

var (
	emptySchema = map[string]interface{}{
		"type":                 "object",
		"additionalProperties": false,
		"properties":           map[string]interface{}{},
	}

	sessionIDProperty = map[string]interface{}{
		"type":      "string",
		"minLength": 1,
	}

	sessionIDSchema = map[string]interface{}{
		"type":     "object",
		"required": []string{"session_id"},
		"properties": map[string]interface{}{
			"session_id": sessionIDProperty,
		},
	}

	listSchema = map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"search": map[string]interface{}{"type": "string"},
		},
	}

	sendSchema = map[string]interface{}{
		"type":     "object",
		"required": []string{"session_id", "message"},
		"properties": map[string]interface{}{
			"session_id": sessionIDProperty,
			"message": map[string]interface{}{
				"type":      "string",
				"minLength": 1,
			},
		},
	}
)

// registerBuiltinMethods registers all built-in RPC methods
func (s *Server) registerBuiltinMethods() {
	_ = s.router.RegisterMethodWithSchema("sessions.new", emptySchema, s.handleSessionsNew)
	_ = s.router.RegisterMethodWithSchema("sessions.list", listSchema, s.handleSessionsList)
	_ = s.router.RegisterMethodWithSchema("sessions.get", sessionIDSchema, s.handleSessionsGet)
	_ = s.router.RegisterMethodWithSchema("sessions.export", sessionIDSchema, s.handleSessionsExport)
	_ = s.router.RegisterMethodWithSchema("sessions.delete", sessionIDSchema, s.handleSessionsDelete)
	_ = s.router.RegisterMethodWithSchema("chat.send", sendSchema, s.handleChatSend)
	_ = s.router.RegisterMethodWithSchema("chat.resume", sessionIDSchema, s.handleChatResume)
	_ = s.router.RegisterMethodWithSchema("server.status", emptySchema, s.handleServerStatus)
}

func stringParam(params map[string]interface{}, key string) (string, error) {
	value, ok := params[key].(string)
	if !ok {
		return "", invalidParams("%s parameter is required and must be a string", key)
	}
	return value, nil
}

func (s *Server) handleSessionsNew(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
	id, err := s.manager.NewSession(ctx)
	if err != nil {
		return nil, err
	}

	s.broadcaster.BroadcastTyped(EventMessage{
		Event:     EventSessionCreated,
		SessionID: id,
		Data:      map[string]interface{}{"summary": chat.DefaultSummary},
	})

	return map[string]interface{}{
		"session_id": id,
		"summary":    chat.DefaultSummary,
	}, nil
}

func (s *Server) handleSessionsList(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	infos, err := s.manager.Overview(ctx)
	if err != nil {
		return nil, err
	}

	search, _ := params["search"].(string)
	infos = chat.FilterBySummary(infos, search)

	return map[string]interface{}{
		"sessions": infos,
		"count":    len(infos),
	}, nil
}

func (s *Server) handleSessionsGet(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	id, err := stringParam(params, "session_id")
	if err != nil {
		return nil, err
	}
	return s.manager.GetHistory(ctx, id)
}

func (s *Server) handleSessionsExport(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	id, err := stringParam(params, "session_id")
	if err != nil {
		return nil, err
	}

	history, err := s.manager.GetHistory(ctx, id)
	if err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"session_id": id,
		"file_name":  chat.TranscriptFileName(id),
		"transcript": chat.Transcript(history),
	}, nil
}

func (s *Server) handleSessionsDelete(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	id, err := stringParam(params, "session_id")
	if err != nil {
		return nil, err
	}

	if err := s.manager.DeleteSession(ctx, id); err != nil {
		return nil, err
	}

	s.broadcaster.BroadcastTyped(EventMessage{
		Event:     EventSessionDeleted,
		SessionID: id,
		Data:      map[string]interface{}{},
	})

	return map[string]interface{}{"deleted": true}, nil
}

func (s *Server) handleChatSend(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	id, err := stringParam(params, "session_id")
	if err != nil {
		return nil, err
	}
	message, err := stringParam(params, "message")
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(message) == "" {
		return nil, chat.ErrEmptyMessage
	}

	turn, err := s.manager.SubmitTurn(ctx, id, message)
	if err != nil {
		return nil, err
	}
	return s.streamTurn(ctx, turn)
}

func (s *Server) handleChatResume(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	id, err := stringParam(params, "session_id")
	if err != nil {
		return nil, err
	}

	turn, err := s.manager.ResumeTurn(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.streamTurn(ctx, turn)
}

// streamTurn forwards reply fragments to the requesting websocket client as
// chat.delta events and returns the recorded reply. HTTP callers only get
// the final result.
func (s *Server) streamTurn(ctx context.Context, turn *chat.Turn) (interface{}, error) {
	defer turn.Close()

	client := clientFromContext(ctx)
	requestID := tracing.GetRequestID(ctx)

	for turn.Next() {
		if client == nil {
			continue
		}
		err := s.broadcaster.Send(client, EventMessage{
			Event:     EventChatDelta,
			SessionID: turn.SessionID(),
			RequestID: requestID,
			TraceID:   tracing.GetTraceID(ctx),
			Data:      map[string]interface{}{"delta": turn.Fragment()},
		})
		if err != nil {
			// The reader is gone; Close discards the partial reply.
			return nil, fmt.Errorf("deliver reply fragment: %w", err)
		}
	}
	if err := turn.Err(); err != nil {
		return nil, err
	}

	reply, _ := turn.Reply()
	if client != nil {
		_ = s.broadcaster.Send(client, EventMessage{
			Event:     EventChatComplete,
			SessionID: turn.SessionID(),
			RequestID: requestID,
			TraceID:   tracing.GetTraceID(ctx),
			Data:      map[string]interface{}{"reply": reply},
		})
	}

	return map[string]interface{}{
		"session_id": turn.SessionID(),
		"user":       turn.UserMessage(),
		"reply":      reply,
	}, nil
}

func (s *Server) handleServerStatus(_ context.Context, _ map[string]interface{}) (interface{}, error) {
	return map[string]interface{}{
		"model":   s.manager.ModelName(),
		"durable": s.manager.Store().Durable(),
		"clients": s.clients.GetConnectedClients(),
		"uptime":  time.Since(s.startedAt).Round(time.Second).String(),
	}, nil
}
