package link

import (
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/edgelink/internal/protocol/frame"
)

// FailureClass tells the supervisor how to back off.
type FailureClass uint8

const (
	FailureTransport FailureClass = iota
	FailureFraming
	FailureAuth
	FailureRedirect
)

func (c FailureClass) String() string {
	switch c {
	case FailureTransport:
		return "transport"
	case FailureFraming:
		return "framing"
	case FailureAuth:
		return "auth"
	case FailureRedirect:
		return "redirect"
	default:
		return fmt.Sprintf("class(%d)", uint8(c))
	}
}

var (
	ErrNotConnected  = errors.New("link: not connected")
	ErrAuthRejected  = errors.New("link: registration rejected")
	ErrInvalidTarget = errors.New("link: invalid redirect address")
	errRedirect      = errors.New("link: redirected")
)

// FailureError ends one connection.
type FailureError struct {
	Class FailureClass
	Err   error
	// Addr is set for FailureRedirect.
	Addr string
}

func (e *FailureError) Error() string {
	if e.Class == FailureRedirect {
		return fmt.Sprintf("link: %s to %s", e.Class, e.Addr)
	}
	return fmt.Sprintf("link: %s failure: %v", e.Class, e.Err)
}

func (e *FailureError) Unwrap() error { return e.Err }

func fail(class FailureClass, err error) error {
	var fe *FailureError
	if errors.As(err, &fe) {
		return err
	}
	return &FailureError{Class: class, Err: err}
}

// classify maps any connection error to a failure. Unclassified errors are
// transport errors.
func classify(err error) *FailureError {
	var fe *FailureError
	if errors.As(err, &fe) {
		return fe
	}
	if frame.IsFatal(err) {
		return &FailureError{Class: FailureFraming, Err: err}
	}
	return &FailureError{Class: FailureTransport, Err: err}
}

type EventKind uint8

const (
	EventStateChanged EventKind = iota
	EventFailure
	EventProtocolWarning
)

func (k EventKind) String() string {
	switch k {
	case EventStateChanged:
		return "state"
	case EventFailure:
		return "failure"
	case EventProtocolWarning:
		return "protocol_warning"
	default:
		return fmt.Sprintf("event(%d)", uint8(k))
	}
}

// Event is one observable link occurrence.
type Event struct {
	Kind        EventKind
	State       ConnState
	Class       FailureClass
	Err         error
	MessageType frame.MessageType
	SessionID   uint32
	Attempt     int
	Delay       time.Duration
	Generation  uint64
}

// EventSink receives link events on the goroutine that produced them.
type EventSink interface {
	Emit(Event)
}

type EventFunc func(Event)

func (f EventFunc) Emit(ev Event) { f(ev) }

type nopSink struct{}

func (nopSink) Emit(Event) {}
