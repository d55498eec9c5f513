package mux

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/danmuck/edgelink/internal/protocol/frame"
	protosession "github.com/danmuck/edgelink/internal/protocol/session"
)

// Kind is the session type announced in Open.
type Kind uint8

const (
	KindControl Kind = 1
	KindRelay   Kind = 2
)

func (k Kind) String() string {
	switch k {
	case KindControl:
		return "control"
	case KindRelay:
		return "relay"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// State only ever moves forward: Opening, Active, Closing, Closed.
type State uint8

const (
	StateOpening State = iota
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpening:
		return "opening"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Event describes one state transition.
type Event struct {
	SessionID  uint32
	Kind       Kind
	Generation uint64
	From       State
	To         State
	Code       uint32
	Err        error
}

// Listener observes every transition of one session. It runs on the goroutine
// that caused the transition and must not block.
type Listener func(Event)

// HangupError is the close cause when the gateway hangs up a session.
type HangupError struct {
	Code uint32
}

func (e *HangupError) Error() string {
	return "mux: remote hangup (" + protosession.HupReason(e.Code) + ")"
}

// Session is one multiplexed stream. Owners hold it between Open and the
// Closed event; the table drops it as soon as it reaches Closed.
type Session struct {
	id        uint32
	kind      Kind
	serviceID string
	gen       uint64
	table     *Table

	out chan frame.Frame
	in  chan []byte

	closing chan struct{}
	done    chan struct{}

	mu       sync.Mutex
	state    State
	sealed   bool
	code     uint32
	cause    error
	listener Listener
}

func (s *Session) ID() uint32         { return s.id }
func (s *Session) Kind() Kind         { return s.kind }
func (s *Session) ServiceID() string  { return s.serviceID }
func (s *Session) Generation() uint64 { return s.gen }

// Done is closed once the session reaches Closed.
func (s *Session) Done() <-chan struct{} { return s.done }

// State returns the current state. A session from an earlier generation
// reports Closed even before its Closed event has been delivered.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stale() {
		return StateClosed
	}
	return s.state
}

// Err is the close cause, nil while open or after a normal local close.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cause
}

func (s *Session) stale() bool {
	return s.gen != s.table.gen.Load()
}

// Send queues payload for the gateway, split into frames no larger than the
// table's chunk size. It blocks while the outbound queue is full.
func (s *Session) Send(ctx context.Context, payload []byte) error {
	chunk := s.table.cfg.MaxChunk
	for off := 0; off < len(payload); off += chunk {
		end := min(off+chunk, len(payload))
		f := frame.New(s.id, frame.TypeData, bytes.Clone(payload[off:end]))
		if err := s.enqueue(ctx, f); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) enqueue(ctx context.Context, f frame.Frame) error {
	if err := s.writable(); err != nil {
		return err
	}
	select {
	case s.out <- f:
		// The push can race a close that already emitted the Hup.
		if s.sealedOrStale() {
			return s.closedErr()
		}
		s.table.notify()
		return nil
	case <-s.closing:
		return s.closedErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) writable() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stale() || s.state >= StateClosing {
		return s.closedErrLocked()
	}
	return nil
}

// Receive returns the next inbound payload. Buffered payloads are still
// returned after closure; once drained, Receive reports ErrSessionClosed
// wrapping the close cause.
func (s *Session) Receive(ctx context.Context) ([]byte, error) {
	select {
	case p := <-s.in:
		return p, nil
	default:
	}
	select {
	case p := <-s.in:
		return p, nil
	case <-s.done:
		select {
		case p := <-s.in:
			return p, nil
		default:
		}
		return nil, s.closedErr()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close starts a local close: queued data is flushed, a Hup is sent, then the
// session is Closed.
func (s *Session) Close() error {
	if !s.transition(StateClosing, protosession.HupNormal, nil) {
		return ErrSessionClosed
	}
	s.table.notify()
	return nil
}

func (s *Session) closedErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closedErrLocked()
}

func (s *Session) closedErrLocked() error {
	if s.cause == nil {
		return ErrSessionClosed
	}
	if errors.Is(s.cause, ErrSessionClosed) {
		return s.cause
	}
	return fmt.Errorf("%w: %w", ErrSessionClosed, s.cause)
}

// seal marks a Closing session whose outbound queue is empty as finished.
// Frames pushed after seal are never written.
func (s *Session) seal() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateClosing || len(s.out) > 0 {
		return false
	}
	s.sealed = true
	return true
}

func (s *Session) sealedOrStale() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sealed || s.stale()
}

func (s *Session) hupCode() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.code
}

// transition moves s forward to `to`. The first close records code and cause.
// It reports false when the move would not go forward.
func (s *Session) transition(to State, code uint32, cause error) bool {
	s.mu.Lock()
	from := s.state
	if to <= from {
		s.mu.Unlock()
		return false
	}
	s.state = to
	if to >= StateClosing && from < StateClosing {
		s.code = code
		s.cause = cause
		close(s.closing)
	}
	if to == StateClosed {
		close(s.done)
	}
	ev := Event{
		SessionID:  s.id,
		Kind:       s.kind,
		Generation: s.gen,
		From:       from,
		To:         to,
		Code:       s.code,
		Err:        s.cause,
	}
	l := s.listener
	s.mu.Unlock()

	if l != nil {
		l(ev)
	}
	return true
}
