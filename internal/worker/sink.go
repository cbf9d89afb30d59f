package worker

import (
	"net/http"
	"sync"
)

// Sink is the caller's response stream, modeled as a consume-once resource.
// An ack-timeout retry and a late worker response can race; whichever path
// completes the sink first wins and every later write is a no-op.
type Sink struct {
	mu         sync.Mutex
	w          http.ResponseWriter
	flusher    http.Flusher
	headerSent bool
	completed  bool
	err        error
	done       chan struct{}
}

// NewSink wraps an http.ResponseWriter as a streaming sink.
func NewSink(w http.ResponseWriter) *Sink {
	flusher, _ := w.(http.Flusher)
	return &Sink{
		w:       w,
		flusher: flusher,
		done:    make(chan struct{}),
	}
}

// SendHeaders writes status and headers once; later calls are dropped.
func (s *Sink) SendHeaders(status int, headers map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.headerSent || s.completed {
		return
	}
	for k, v := range headers {
		s.w.Header().Set(k, v)
	}
	s.w.WriteHeader(status)
	s.headerSent = true
}

// Write appends a chunk to the open response body, flushing immediately.
func (s *Sink) Write(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.completed {
		return nil
	}
	if !s.headerSent {
		s.w.WriteHeader(http.StatusOK)
		s.headerSent = true
	}
	if _, err := s.w.Write(chunk); err != nil {
		return err
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}

// Done closes the response normally. First completion wins.
func (s *Sink) Done() {
	s.complete(nil)
}

// Fail completes the response with an error unless something already won.
func (s *Sink) Fail(err error) {
	s.complete(err)
}

func (s *Sink) complete(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.completed {
		return
	}
	s.completed = true
	s.err = err
	close(s.done)
}

// Completed reports whether the sink was already consumed.
func (s *Sink) Completed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completed
}

// HeaderSent reports whether response headers already went out.
func (s *Sink) HeaderSent() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.headerSent
}

// Wait blocks until the sink is completed and returns the completion error.
func (s *Sink) Wait() error {
	<-s.done
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// WaitCh exposes the completion channel for select loops.
func (s *Sink) WaitCh() <-chan struct{} {
	return s.done
}
