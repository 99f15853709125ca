package hub

import (
	"errors"
	"sync"

	"github.com/rustdash/relay-plane/internal/model"
)

var (
	errStreamClosed = errors.New("stream closed")
	errBufferFull   = errors.New("stream buffer full")

	ErrAlreadyAttached = errors.New("stream already has a writer")
)

// frame is one encoded event waiting in a stream buffer.
type frame struct {
	kind model.EventKind
	data []byte
}

// Stream is one user's server-push channel. The events channel is never
// closed; done is closed instead so senders never race a close.
type Stream struct {
	id     string
	userID string
	events chan frame
	done   chan struct{}

	// released is closed once the stream is closed and no writer holds it.
	released chan struct{}

	mu       sync.Mutex
	serverID string
	closed   bool
	attached bool
	detached bool
	reason   model.CloseReason
}

func newStream(id, userID, serverID string, buffer int) *Stream {
	return &Stream{
		id:       id,
		userID:   userID,
		serverID: serverID,
		events:   make(chan frame, buffer),
		done:     make(chan struct{}),
		released: make(chan struct{}),
	}
}

func (s *Stream) ID() string     { return s.id }
func (s *Stream) UserID() string { return s.userID }

func (s *Stream) ServerID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serverID
}

func (s *Stream) setServerID(serverID string) {
	s.mu.Lock()
	s.serverID = serverID
	s.mu.Unlock()
}

// Done is closed when the stream is closed for any reason.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Released is closed when the stream is closed and its writer has exited.
func (s *Stream) Released() <-chan struct{} { return s.released }

func (s *Stream) CloseReason() model.CloseReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

func (s *Stream) offer(f frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errStreamClosed
	}
	select {
	case s.events <- f:
		return nil
	default:
		return errBufferFull
	}
}

// close reports whether this call closed the stream.
func (s *Stream) close(reason model.CloseReason) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	s.reason = reason
	close(s.done)
	if !s.attached || s.detached {
		close(s.released)
	}
	return true
}

func (s *Stream) attach() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errStreamClosed
	}
	if s.attached {
		return ErrAlreadyAttached
	}
	s.attached = true
	return nil
}

func (s *Stream) detach() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.detached {
		return
	}
	s.detached = true
	if s.closed {
		close(s.released)
	}
}
