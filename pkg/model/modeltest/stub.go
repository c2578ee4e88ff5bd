// Package modeltest provides a scripted model.Client for tests.
package modeltest

import (
	"context"
	"strings"
	"sync"

	"github.com/harun/convo/pkg/model"
	"github.com/harun/convo/pkg/session"
)

// Stub replies with a scripted list of fragments.
type Stub struct {
	// Fragments make up the reply, in order.
	Fragments []string
	// FailAfter, when > 0, makes the stream fail with Err after that many fragments.
	// With FailAfter == 0 and Err set, Stream itself fails.
	FailAfter int
	Err       error
	// Gate, when set, must receive a value before each fragment is released.
	Gate chan struct{}

	mu    sync.Mutex
	calls [][]session.Message
}

// NewStub returns a stub replying with fragments
func NewStub(fragments ...string) *Stub {
	return &Stub{Fragments: fragments}
}

func (s *Stub) Name() string { return "stub" }

// Calls returns a copy of every history the stub was invoked with.
func (s *Stub) Calls() [][]session.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]session.Message, len(s.calls))
	copy(out, s.calls)
	return out
}

// CallCount returns how many times the model was invoked.
func (s *Stub) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

// Reply is the concatenation of all fragments.
func (s *Stub) Reply() string {
	return strings.Join(s.Fragments, "")
}

func (s *Stub) record(history []session.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := make([]session.Message, len(history))
	copy(h, history)
	s.calls = append(s.calls, h)
}

func (s *Stub) Generate(ctx context.Context, history []session.Message) (string, error) {
	stream, err := s.Stream(ctx, history)
	if err != nil {
		return "", err
	}
	return model.Collect(stream)
}

func (s *Stub) Stream(ctx context.Context, history []session.Message) (model.Stream, error) {
	s.record(history)
	if s.Err != nil && s.FailAfter == 0 {
		return nil, s.Err
	}
	return &stubStream{ctx: ctx, stub: s}, nil
}

type stubStream struct {
	ctx     context.Context
	stub    *Stub
	pos     int
	current string
	err     error
	closed  bool
}

func (st *stubStream) Next() bool {
	if st.closed || st.err != nil {
		return false
	}
	if st.stub.Err != nil && st.stub.FailAfter > 0 && st.pos >= st.stub.FailAfter {
		st.err = st.stub.Err
		return false
	}
	if st.pos >= len(st.stub.Fragments) {
		return false
	}
	if st.stub.Gate != nil {
		select {
		case <-st.stub.Gate:
		case <-st.ctx.Done():
			st.err = st.ctx.Err()
			return false
		}
	}
	if err := st.ctx.Err(); err != nil {
		st.err = err
		return false
	}
	st.current = st.stub.Fragments[st.pos]
	st.pos++
	return true
}

func (st *stubStream) Current() string { return st.current }

func (st *stubStream) Err() error { return st.err }

func (st *stubStream) Close() error {
	st.closed = true
	return nil
}
