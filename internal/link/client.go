// Package link keeps one authenticated connection to the gateway alive and
// exposes multiplexed sessions over it.
package link

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"time"

	"github.com/danmuck/edgelink/internal/control"
	"github.com/danmuck/edgelink/internal/mux"
	"github.com/danmuck/edgelink/internal/observability"
	"github.com/danmuck/edgelink/internal/protocol/session"
	"github.com/danmuck/edgelink/internal/services"
	"github.com/danmuck/edgelink/internal/transport"
	"github.com/rs/zerolog/log"
)

var ErrInvalidConfig = errors.New("link: invalid config")

type Config struct {
	Address    string
	ClientID   string
	Credential string
	Version    string
	Session    session.Config
	// IncludeUnknownServices reports records with no known category in ScanReport.
	IncludeUnknownServices bool
}

func DefaultConfig() Config {
	return Config{
		Version: "dev",
		Session: session.DefaultConfig(),
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Address) == "" {
		return errors.Join(ErrInvalidConfig, errors.New("address is required"))
	}
	if strings.TrimSpace(c.ClientID) == "" {
		return errors.Join(ErrInvalidConfig, errors.New("client id is required"))
	}
	return nil
}

type options struct {
	dialer   transport.Dialer
	services services.Table
	metrics  *observability.Metrics
	events   EventSink
	now      func() time.Time
	sleep    func(context.Context, time.Duration) error
	rng      *rand.Rand
}

type Option func(*options)

// WithDialer replaces the transport picked from the session config.
func WithDialer(d transport.Dialer) Option {
	return func(o *options) { o.dialer = d }
}

func WithServices(t services.Table) Option {
	return func(o *options) { o.services = t }
}

func WithMetrics(m *observability.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

func WithEvents(sink EventSink) Option {
	return func(o *options) { o.events = sink }
}

func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithSleep replaces the backoff wait. Tests use it to skip real delays.
func WithSleep(sleep func(context.Context, time.Duration) error) Option {
	return func(o *options) { o.sleep = sleep }
}

func WithRand(rng *rand.Rand) Option {
	return func(o *options) { o.rng = rng }
}

// Client is the owner-facing API: open sessions, move bytes, read status.
type Client struct {
	cfg      Config
	table    *mux.Table
	state    *ConnectionState
	sup      *Supervisor
	services services.Table
	started  time.Time
	now      func() time.Time
}

func New(cfg Config, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.Session = cfg.Session.WithDefaults()

	o := options{
		services: services.Static(nil),
		events:   nopSink{},
		now:      time.Now,
		sleep:    sleepContext,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.dialer == nil {
		d, err := transport.New(cfg.Session)
		if err != nil {
			return nil, err
		}
		o.dialer = d
	}
	if o.rng == nil {
		o.rng = rand.New(rand.NewSource(o.now().UnixNano()))
	}

	table := mux.NewTable(mux.ConfigFrom(cfg.Session), mux.WithMetrics(o.metrics))
	c := &Client{
		cfg:      cfg,
		table:    table,
		state:    NewConnectionState(cfg.ClientID),
		services: o.services,
		started:  o.now(),
		now:      o.now,
	}
	c.sup = &Supervisor{
		cfg:     cfg,
		dialer:  o.dialer,
		table:   table,
		state:   c.state,
		backoff: session.NewBackoff(cfg.Session.Backoff, o.rng),
		events:  o.events,
		metrics: o.metrics,
		now:     o.now,
		sleep:   o.sleep,
	}
	c.sup.dispatcher = control.New(control.Deps{
		Services:   o.services,
		Filter:     services.Filter{IncludeUnknown: cfg.IncludeUnknownServices},
		Identity:   c.state,
		Status:     c,
		Redirector: c.sup,
		Now:        o.now,
	})
	return c, nil
}

// Run keeps the gateway connection up until ctx is canceled.
func (c *Client) Run(ctx context.Context) error {
	log.Info().Str("addr", c.cfg.Address).Str("client_id", c.cfg.ClientID).Msg("link.Client.Run starting")
	return c.sup.Run(ctx)
}

// OpenSession starts a session on the current connection. Its Open frame is
// queued immediately; the session turns Active on the gateway's OpenAck.
func (c *Client) OpenSession(kind mux.Kind, serviceID string, l mux.Listener) (*mux.Session, error) {
	if c.state.State() != StateConnected {
		return nil, ErrNotConnected
	}
	return c.table.Open(kind, serviceID, l)
}

func (c *Client) Send(ctx context.Context, id uint32, payload []byte) error {
	return c.table.Enqueue(ctx, id, payload)
}

func (c *Client) Receive(ctx context.Context, id uint32) ([]byte, error) {
	s, ok := c.table.Lookup(id)
	if !ok {
		return nil, mux.ErrSessionNotFound
	}
	return s.Receive(ctx)
}

func (c *Client) CloseSession(id uint32) error {
	return c.table.Close(id)
}

// OnClosed returns a channel closed when session id reaches Closed.
func (c *Client) OnClosed(id uint32) (<-chan struct{}, error) {
	s, ok := c.table.Lookup(id)
	if !ok {
		return nil, mux.ErrSessionNotFound
	}
	return s.Done(), nil
}

func (c *Client) State() StateSnapshot {
	return c.state.Snapshot()
}

// WaitConnected blocks until the client is Connected or ctx ends.
func (c *Client) WaitConnected(ctx context.Context) error {
	for {
		changed := c.state.Changed()
		if c.state.State() == StateConnected {
			return nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Status builds the GetStatus summary.
func (c *Client) Status() session.Status {
	snap := c.state.Snapshot()
	opening, active, closing := c.table.Counts()
	st := session.Status{
		Identity:        snap.Identity,
		SessionsActive:  uint32(active),
		SessionsOpening: uint32(opening),
		SessionsClosing: uint32(closing),
		Generation:      c.table.Generation(),
		UptimeMS:        uint64(c.now().Sub(c.started).Milliseconds()),
		Reconnects:      snap.Reconnects,
		ServiceCount:    uint32(len(c.services.Current())),
		Healthy:         snap.State == StateConnected,
	}
	if p, ok := c.services.(services.Prober); ok {
		st.ScanInProgress = p.Scanning()
	}
	return st
}
