package link

import (
	"fmt"
	"sync"
	"time"
)

// ConnState is the supervisor's lifecycle state.
type ConnState uint8

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateAuthenticating
	StateConnected
)

var allStates = []ConnState{StateDisconnected, StateConnecting, StateAuthenticating, StateConnected}

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateConnected:
		return "connected"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

func stateLabels() []string {
	out := make([]string, len(allStates))
	for i, s := range allStates {
		out[i] = s.String()
	}
	return out
}

// StateSnapshot is a copy of ConnectionState at one instant.
type StateSnapshot struct {
	State       ConnState
	Address     string
	Identity    string
	Attempt     int
	Backoff     time.Duration
	Generation  uint64
	Reconnects  uint64
	ConnectedAt time.Time
}

// ConnectionState is the process-wide connection handle. Readers may call
// any exported method; only the Supervisor mutates it.
type ConnectionState struct {
	mu          sync.RWMutex
	state       ConnState
	conn        *Conn
	addr        string
	attempt     int
	backoff     time.Duration
	identity    string
	token       string
	generation  uint64
	reconnects  uint64
	connectedAt time.Time
	changed     chan struct{}
}

func NewConnectionState(identity string) *ConnectionState {
	return &ConnectionState{
		state:    StateDisconnected,
		identity: identity,
		changed:  make(chan struct{}),
	}
}

func (cs *ConnectionState) Snapshot() StateSnapshot {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return StateSnapshot{
		State:       cs.state,
		Address:     cs.addr,
		Identity:    cs.identity,
		Attempt:     cs.attempt,
		Backoff:     cs.backoff,
		Generation:  cs.generation,
		Reconnects:  cs.reconnects,
		ConnectedAt: cs.connectedAt,
	}
}

func (cs *ConnectionState) State() ConnState {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.state
}

// Changed returns a channel closed at the next state change.
func (cs *ConnectionState) Changed() <-chan struct{} {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.changed
}

func (cs *ConnectionState) Identity() string {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.identity
}

func (cs *ConnectionState) Token() string {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.token
}

// Renew stores the identity and token assigned by the gateway. An empty
// token keeps the current one.
func (cs *ConnectionState) Renew(identity, token string) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if identity != "" {
		cs.identity = identity
	}
	if token != "" {
		cs.token = token
	}
}

func (cs *ConnectionState) current() *Conn {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.conn
}

func (cs *ConnectionState) setState(s ConnState, addr string) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.state = s
	cs.addr = addr
	cs.broadcastLocked()
}

func (cs *ConnectionState) setConnected(c *Conn, addr string, gen uint64, at time.Time) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if !cs.connectedAt.IsZero() {
		cs.reconnects++
	}
	cs.state = StateConnected
	cs.conn = c
	cs.addr = addr
	cs.generation = gen
	cs.connectedAt = at
	cs.broadcastLocked()
}

func (cs *ConnectionState) clearConn() {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.conn = nil
}

func (cs *ConnectionState) setBackoff(attempt int, d time.Duration) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.attempt = attempt
	cs.backoff = d
}

func (cs *ConnectionState) broadcastLocked() {
	close(cs.changed)
	cs.changed = make(chan struct{})
}
