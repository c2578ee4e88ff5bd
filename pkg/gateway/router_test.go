package gateway

import (
	"context"
	"fmt"
	"testing"

	"github.com/harun/convo/pkg/chat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRPCRouter_RegisterMethod(t *testing.T) {
	router := NewRPCRouter()

	t.Run("should register method successfully", func(t *testing.T) {
		handler := func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			return "result", nil
		}

		err := router.RegisterMethod("test.method", handler)
		assert.NoError(t, err)
		assert.True(t, router.HasMethod("test.method"))
	})

	t.Run("should reject nil handler", func(t *testing.T) {
		err := router.RegisterMethod("test.nil", nil)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "handler cannot be nil")
	})

	t.Run("should reject invalid schema", func(t *testing.T) {
		handler := func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			return nil, nil
		}
		err := router.RegisterMethodWithSchema("test.badschema", map[string]interface{}{"type": 42}, handler)
		assert.Error(t, err)
		assert.False(t, router.HasMethod("test.badschema"))
	})
}

func TestRPCRouter_UnregisterMethod(t *testing.T) {
	router := NewRPCRouter()
	handler := func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
		return "result", nil
	}

	require.NoError(t, router.RegisterMethod("test.method", handler))
	assert.True(t, router.HasMethod("test.method"))

	router.UnregisterMethod("test.method")
	assert.False(t, router.HasMethod("test.method"))

	router.UnregisterMethod("non.existent")
}

func TestRPCRouter_ParseRequest(t *testing.T) {
	router := NewRPCRouter()

	t.Run("should parse valid request", func(t *testing.T) {
		data := []byte(`{"id":"1","method":"test.method","params":{"key":"value"}}`)

		req, err := router.ParseRequest(data)
		require.NoError(t, err)
		assert.Equal(t, "1", req.ID)
		assert.Equal(t, "test.method", req.Method)
		assert.Equal(t, "value", req.Params["key"])
		assert.Equal(t, "2.0", req.JSONRPC)
	})

	tests := []struct {
		name    string
		data    string
		code    int
		message string
	}{
		{"malformed JSON", `{invalid json}`, ParseError, "Parse error"},
		{"missing id", `{"method":"test.method"}`, InvalidRequest, "missing id"},
		{"missing method", `{"id":"1"}`, InvalidRequest, "missing method"},
	}
	for _, tt := range tests {
		t.Run("should reject "+tt.name, func(t *testing.T) {
			_, err := router.ParseRequest([]byte(tt.data))
			require.Error(t, err)

			rpcErr, ok := err.(*RPCError)
			require.True(t, ok)
			assert.Equal(t, tt.code, rpcErr.Code)
			assert.Contains(t, rpcErr.Message, tt.message)
		})
	}
}

func TestRPCRouter_RouteRequest(t *testing.T) {
	router := NewRPCRouter()
	ctx := context.Background()

	t.Run("should route to registered handler", func(t *testing.T) {
		handler := func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			return map[string]interface{}{"echo": params["input"]}, nil
		}
		require.NoError(t, router.RegisterMethod("test.echo", handler))

		resp := router.RouteRequest(ctx, &RPCRequest{
			ID:     "1",
			Method: "test.echo",
			Params: map[string]interface{}{"input": "hello"},
		})
		assert.Equal(t, "1", resp.ID)
		assert.Nil(t, resp.Error)

		result := resp.Result.(map[string]interface{})
		assert.Equal(t, "hello", result["echo"])
	})

	t.Run("should return error for unknown method", func(t *testing.T) {
		resp := router.RouteRequest(ctx, &RPCRequest{ID: "1", Method: "unknown.method"})
		assert.Nil(t, resp.Result)
		require.NotNil(t, resp.Error)
		assert.Equal(t, MethodNotFound, resp.Error.Code)
	})

	t.Run("should return internal error when handler fails", func(t *testing.T) {
		handler := func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			return nil, fmt.Errorf("handler error")
		}
		require.NoError(t, router.RegisterMethod("test.error", handler))

		resp := router.RouteRequest(ctx, &RPCRequest{ID: "1", Method: "test.error"})
		require.NotNil(t, resp.Error)
		assert.Equal(t, InternalError, resp.Error.Code)
		assert.Contains(t, resp.Error.Message, "handler error")
	})

	t.Run("should pass context to handler", func(t *testing.T) {
		type key struct{}
		handler := func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			return ctx.Value(key{}), nil
		}
		require.NoError(t, router.RegisterMethod("test.ctx", handler))

		resp := router.RouteRequest(context.WithValue(ctx, key{}, "carried"), &RPCRequest{ID: "1", Method: "test.ctx"})
		assert.Equal(t, "carried", resp.Result)
	})

	t.Run("should reject nil request", func(t *testing.T) {
		resp := router.RouteRequest(ctx, nil)
		require.NotNil(t, resp.Error)
		assert.Equal(t, InvalidRequest, resp.Error.Code)
	})
}

func TestRPCRouter_SchemaValidation(t *testing.T) {
	router := NewRPCRouter()
	called := 0
	handler := func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
		called++
		return params["session_id"], nil
	}
	require.NoError(t, router.RegisterMethodWithSchema("sessions.get", sessionIDSchema, handler))

	tests := []struct {
		name   string
		params map[string]interface{}
		valid  bool
	}{
		{"valid", map[string]interface{}{"session_id": "abc"}, true},
		{"missing", nil, false},
		{"empty", map[string]interface{}{"session_id": ""}, false},
		{"wrong type", map[string]interface{}{"session_id": 7}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := router.RouteRequest(context.Background(), &RPCRequest{ID: "1", Method: "sessions.get", Params: tt.params})
			if tt.valid {
				assert.Nil(t, resp.Error)
				return
			}
			require.NotNil(t, resp.Error)
			assert.Equal(t, InvalidParams, resp.Error.Code)
		})
	}
	assert.Equal(t, 1, called, "handler only runs for valid params")
}

func TestRPCRouter_Idempotency(t *testing.T) {
	router := NewRPCRouter()
	calls := 0
	handler := func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
		calls++
		return calls, nil
	}
	require.NoError(t, router.RegisterMethod("sessions.new", handler))

	first := router.RouteRequest(context.Background(), &RPCRequest{ID: "1", Method: "sessions.new", IdempotencyKey: "k"})
	second := router.RouteRequest(context.Background(), &RPCRequest{ID: "2", Method: "sessions.new", IdempotencyKey: "k"})

	assert.Equal(t, 1, calls)
	assert.Equal(t, first.Result, second.Result)
	assert.Equal(t, "2", second.ID)
}

func TestRPCRouter_FailedCallsAreNotCached(t *testing.T) {
	router := NewRPCRouter()
	calls := 0
	handler := func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
		calls++
		if calls == 1 {
			return nil, chat.ErrSessionBusy
		}
		return "ok", nil
	}
	require.NoError(t, router.RegisterMethod("chat.send", handler))

	first := router.RouteRequest(context.Background(), &RPCRequest{ID: "1", Method: "chat.send", IdempotencyKey: "k"})
	require.NotNil(t, first.Error)
	second := router.RouteRequest(context.Background(), &RPCRequest{ID: "2", Method: "chat.send", IdempotencyKey: "k"})
	assert.Nil(t, second.Error)
	assert.Equal(t, 2, calls)
}

func TestErrorCode(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{fmt.Errorf("get history: %w", chat.ErrUnknownSession), UnknownSession},
		{fmt.Errorf("x: %w", chat.ErrSessionBusy), SessionBusy},
		{fmt.Errorf("x: %w", chat.ErrModelUnavailable), ModelUnavailable},
		{fmt.Errorf("x: %w", chat.ErrModelTimeout), ModelTimeout},
		{fmt.Errorf("x: %w", chat.ErrStorageUnavailable), StorageUnavailable},
		{fmt.Errorf("x: %w", chat.ErrDuplicateSession), DuplicateSession},
		{chat.ErrEmptyMessage, InvalidParams},
		{chat.ErrNothingToResume, InvalidParams},
		{fmt.Errorf("x: %w", chat.ErrPendingReply), PendingReply},
		{invalidParams("bad"), InvalidParams},
		{&RPCError{Code: -1, Message: "custom"}, -1},
		{fmt.Errorf("boom"), InternalError},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.code, ErrorCode(tt.err), tt.err.Error())
	}
}
