package model

// sdkStream is the iterator shape shared by the openai and anthropic SDK streams.
type sdkStream[T any] interface {
	Next() bool
	Current() T
	Err() error
	Close() error
}

// sseStream adapts an SDK event stream to Stream, keeping only text deltas.
type sseStream[T any] struct {
	provider string
	inner    sdkStream[T]
	text     func(T) string
	current  string
}

func newSSEStream[T any](provider string, inner sdkStream[T], text func(T) string) *sseStream[T] {
	return &sseStream[T]{provider: provider, inner: inner, text: text}
}

func (s *sseStream[T]) Next() bool {
	for s.inner.Next() {
		if frag := s.text(s.inner.Current()); frag != "" {
			s.current = frag
			return true
		}
	}
	s.current = ""
	return false
}

func (s *sseStream[T]) Current() string { return s.current }

func (s *sseStream[T]) Err() error { return classify(s.provider, s.inner.Err()) }

func (s *sseStream[T]) Close() error { return s.inner.Close() }
