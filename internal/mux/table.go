// Package mux is the session table: it allocates session ids, owns each
// session's bounded queues, and tags every session with the connection
// generation it belongs to.
package mux

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/danmuck/edgelink/internal/observability"
	"github.com/danmuck/edgelink/internal/protocol/frame"
	protosession "github.com/danmuck/edgelink/internal/protocol/session"
	"github.com/rs/zerolog/log"
)

var (
	ErrIDSpaceExhausted = errors.New("mux: session id space exhausted")
	ErrSessionNotFound  = errors.New("mux: session not found")
	ErrSessionClosed    = errors.New("mux: session closed")
	ErrInboundOverflow  = errors.New("mux: inbound queue overflow")
	ErrConnectionLost   = errors.New("mux: connection lost")
)

type Config struct {
	// OutboundCap bounds each session's pending outbound frames.
	OutboundCap int
	// InboundCap bounds payloads buffered for a slow owner.
	InboundCap int
	// MaxChunk is the largest Data payload emitted per frame.
	MaxChunk int
	// MaxID is the highest session id handed out. Zero means the full u32 range.
	MaxID uint32
}

// ConfigFrom derives table settings from the reliability config.
func ConfigFrom(cfg protosession.Config) Config {
	return Config{
		OutboundCap: cfg.Queues.SessionOutbound,
		InboundCap:  cfg.Queues.SessionInbound,
		MaxChunk:    int(cfg.Limits.MaxPayloadBytes),
	}
}

func (c Config) withDefaults() Config {
	d := ConfigFrom(protosession.DefaultConfig())
	if c.OutboundCap <= 0 {
		c.OutboundCap = d.OutboundCap
	}
	if c.InboundCap <= 0 {
		c.InboundCap = d.InboundCap
	}
	if c.MaxChunk <= 0 {
		c.MaxChunk = d.MaxChunk
	}
	if c.MaxID == 0 {
		c.MaxID = math.MaxUint32
	}
	return c
}

// Table is safe for concurrent use.
type Table struct {
	cfg     Config
	metrics *observability.Metrics

	mu       sync.Mutex
	sessions map[uint32]*Session
	order    []uint32
	cursor   int
	next     uint32

	gen   atomic.Uint64
	ready chan struct{}
}

type Option func(*Table)

func WithMetrics(m *observability.Metrics) Option {
	return func(t *Table) { t.metrics = m }
}

func NewTable(cfg Config, opts ...Option) *Table {
	t := &Table{
		cfg:      cfg.withDefaults(),
		sessions: make(map[uint32]*Session),
		next:     1,
		ready:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Generation identifies the current connection lifetime.
func (t *Table) Generation() uint64 {
	return t.gen.Load()
}

// Ready is signalled whenever outbound work may be available.
func (t *Table) Ready() <-chan struct{} {
	return t.ready
}

func (t *Table) notify() {
	select {
	case t.ready <- struct{}{}:
	default:
	}
}

// Open allocates a session and queues its Open frame.
func (t *Table) Open(kind Kind, serviceID string, l Listener) (*Session, error) {
	t.mu.Lock()
	id, err := t.allocLocked()
	if err != nil {
		t.mu.Unlock()
		log.Error().Err(err).Int("sessions", len(t.sessions)).Msg("mux.Table.Open")
		return nil, err
	}
	s := &Session{
		id:        id,
		kind:      kind,
		serviceID: serviceID,
		gen:       t.gen.Load(),
		table:     t,
		out:       make(chan frame.Frame, t.cfg.OutboundCap+1),
		in:        make(chan []byte, t.cfg.InboundCap),
		closing:   make(chan struct{}),
		done:      make(chan struct{}),
		state:     StateOpening,
		listener:  l,
	}
	s.out <- frame.New(id, frame.TypeOpen, protosession.Open{Kind: uint8(kind), ServiceID: serviceID}.Encode())
	t.sessions[id] = s
	t.order = append(t.order, id)
	n := len(t.sessions)
	t.mu.Unlock()

	t.metrics.SetActiveSessions(n)
	t.notify()
	log.Debug().Uint32("session_id", id).Stringer("kind", kind).Uint64("generation", s.gen).Msg("mux.Table.Open")
	return s, nil
}

// allocLocked advances the id counter past live ids. The counter wraps to 1
// only after MaxID; a full table is an error, never a reuse.
func (t *Table) allocLocked() (uint32, error) {
	if uint64(len(t.sessions)) >= uint64(t.cfg.MaxID) {
		return 0, ErrIDSpaceExhausted
	}
	for {
		id := t.next
		if t.next >= t.cfg.MaxID {
			t.next = 1
		} else {
			t.next++
		}
		if _, live := t.sessions[id]; !live {
			return id, nil
		}
	}
}

func (t *Table) Lookup(id uint32) (*Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[id]
	return s, ok
}

// Enqueue queues payload on session id, blocking while its queue is full.
func (t *Table) Enqueue(ctx context.Context, id uint32, payload []byte) error {
	s, ok := t.Lookup(id)
	if !ok {
		return fmt.Errorf("%w: %d", ErrSessionNotFound, id)
	}
	return s.Send(ctx, payload)
}

// Deliver hands an inbound payload to session id without blocking. A full
// inbound queue fails that session with a Hup overflow.
func (t *Table) Deliver(id uint32, payload []byte) error {
	s, ok := t.Lookup(id)
	if !ok || s.State() == StateClosed {
		return fmt.Errorf("%w: %d", ErrSessionNotFound, id)
	}
	select {
	case s.in <- payload:
		return nil
	default:
	}
	log.Warn().Uint32("session_id", id).Int("cap", cap(s.in)).Msg("mux.Table.Deliver overflow")
	t.Fail(id, protosession.HupOverflow, ErrInboundOverflow)
	return fmt.Errorf("%w: %d", ErrInboundOverflow, id)
}

// MarkActive moves an Opening session to Active on OpenAck.
func (t *Table) MarkActive(id uint32) error {
	s, ok := t.Lookup(id)
	if !ok {
		return fmt.Errorf("%w: %d", ErrSessionNotFound, id)
	}
	if s.State() != StateOpening {
		return nil
	}
	s.transition(StateActive, 0, nil)
	return nil
}

// Close starts a local close of session id.
func (t *Table) Close(id uint32) error {
	s, ok := t.Lookup(id)
	if !ok {
		return fmt.Errorf("%w: %d", ErrSessionNotFound, id)
	}
	return s.Close()
}

// Fail moves session id to Closing with code. Frames already queued still
// flush; the write loop then sends the Hup.
func (t *Table) Fail(id uint32, code uint32, cause error) {
	s, ok := t.Lookup(id)
	if !ok {
		return
	}
	if s.transition(StateClosing, code, cause) {
		t.notify()
	}
}

// CloseRemote finalizes session id after the gateway hung it up. A Hup while
// Opening is a rejection.
func (t *Table) CloseRemote(id uint32, code uint32) error {
	t.mu.Lock()
	s, ok := t.sessions[id]
	if ok {
		t.removeLocked(id)
	}
	n := len(t.sessions)
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %d", ErrSessionNotFound, id)
	}
	if s.State() == StateOpening && code == protosession.HupNormal {
		code = protosession.HupRejected
	}
	s.transition(StateClosed, code, &HangupError{Code: code})
	t.metrics.SetActiveSessions(n)
	t.metrics.SessionClosed("remote." + protosession.HupReason(code))
	log.Debug().Uint32("session_id", id).Uint32("code", code).Msg("mux.Table.CloseRemote")
	return nil
}

// NextOutbound returns the next frame to write, visiting sessions round-robin
// one frame at a time. A Closing session whose queue is empty yields its Hup
// and is finalized.
func (t *Table) NextOutbound() (frame.Frame, bool) {
	t.mu.Lock()
	n := len(t.order)
	for i := 0; i < n; i++ {
		idx := (t.cursor + i) % n
		id := t.order[idx]
		s := t.sessions[id]
		select {
		case f := <-s.out:
			t.cursor = (idx + 1) % n
			t.mu.Unlock()
			return f, true
		default:
		}
		if s.seal() {
			t.cursor = idx
			t.removeLocked(id)
			left := len(t.sessions)
			t.mu.Unlock()

			code := s.hupCode()
			s.transition(StateClosed, code, nil)
			t.metrics.SetActiveSessions(left)
			t.metrics.SessionClosed("local." + protosession.HupReason(code))
			return frame.New(id, frame.TypeHup, protosession.EncodeHup(code)), true
		}
	}
	t.mu.Unlock()
	return frame.Frame{}, false
}

// Reset bumps the generation and force-closes every session of the previous
// one. Every owner has seen its Closed event when Reset returns.
func (t *Table) Reset(cause error) uint64 {
	t.mu.Lock()
	old := make([]*Session, 0, len(t.sessions))
	for _, s := range t.sessions {
		old = append(old, s)
	}
	t.sessions = make(map[uint32]*Session)
	t.order = nil
	t.cursor = 0
	gen := t.gen.Add(1)
	t.mu.Unlock()

	sort.Slice(old, func(i, j int) bool { return old[i].id < old[j].id })
	reason := ErrConnectionLost
	if cause != nil {
		reason = fmt.Errorf("%w: %w", ErrConnectionLost, cause)
	}
	for _, s := range old {
		if s.transition(StateClosed, protosession.HupError, reason) {
			t.metrics.SessionClosed("reset")
		}
	}
	t.metrics.SetActiveSessions(0)
	if len(old) > 0 {
		log.Info().Int("sessions", len(old)).Uint64("generation", gen).Msg("mux.Table.Reset force-closed sessions")
	}
	return gen
}

// Counts reports sessions by state.
func (t *Table) Counts() (opening, active, closing int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range t.sessions {
		switch s.State() {
		case StateOpening:
			opening++
		case StateActive:
			active++
		case StateClosing:
			closing++
		}
	}
	return opening, active, closing
}

func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

func (t *Table) removeLocked(id uint32) {
	delete(t.sessions, id)
	for i, v := range t.order {
		if v != id {
			continue
		}
		t.order = append(t.order[:i], t.order[i+1:]...)
		if i < t.cursor {
			t.cursor--
		}
		break
	}
	if t.cursor >= len(t.order) {
		t.cursor = 0
	}
}
