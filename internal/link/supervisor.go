package link

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/danmuck/edgelink/internal/control"
	"github.com/danmuck/edgelink/internal/mux"
	"github.com/danmuck/edgelink/internal/observability"
	"github.com/danmuck/edgelink/internal/protocol/session"
	"github.com/danmuck/edgelink/internal/transport"
	"github.com/rs/zerolog/log"
)

// Supervisor is the only owner of the transport handle. It dials,
// authenticates, runs one Conn at a time and backs off between failures.
type Supervisor struct {
	cfg        Config
	dialer     transport.Dialer
	table      *mux.Table
	state      *ConnectionState
	dispatcher *control.Dispatcher
	backoff    *session.Backoff
	events     EventSink
	metrics    *observability.Metrics
	now        func() time.Time
	sleep      func(ctx context.Context, d time.Duration) error
}

// Redirect asks the live connection to close after its pending control
// replies and reconnect to addr.
func (s *Supervisor) Redirect(addr string) error {
	addr = strings.TrimSpace(addr)
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return fmt.Errorf("%w: %q: %v", ErrInvalidTarget, addr, err)
	}
	c := s.state.current()
	if c == nil {
		return ErrNotConnected
	}
	c.requestRedirect(addr)
	return nil
}

// Run loops until ctx is canceled. It never returns a connection error.
func (s *Supervisor) Run(ctx context.Context) error {
	addr := s.cfg.Address
	defer func() {
		s.table.Reset(context.Canceled)
		s.setState(StateDisconnected, addr)
	}()

	for {
		if ctx.Err() != nil {
			return nil
		}
		err := s.connectOnce(ctx, addr)
		if ctx.Err() != nil {
			return nil
		}
		fe := classify(err)
		if fe.Class == FailureRedirect {
			log.Info().Str("from", addr).Str("to", fe.Addr).Msg("link.Supervisor.Run redirect")
			addr = fe.Addr
			s.backoff.Reset()
			s.state.setBackoff(0, 0)
			continue
		}
		if err := s.wait(ctx, fe, addr); err != nil {
			return nil
		}
	}
}

// connectOnce runs one full connection lifetime and returns why it ended.
func (s *Supervisor) connectOnce(ctx context.Context, addr string) error {
	s.setState(StateConnecting, addr)
	nc, err := s.dialer.Dial(ctx, addr)
	if err != nil {
		return fail(FailureTransport, err)
	}

	s.setState(StateAuthenticating, addr)
	ack, err := s.authenticate(nc)
	if err != nil {
		_ = nc.Close()
		return err
	}
	s.state.Renew(ack.Identity, ack.Token)

	gen := s.table.Reset(nil)
	c := newConn(nc, addr, s.cfg.Session, s.table, s.dispatcher, s.events, s.metrics)
	start := s.now()
	s.state.setConnected(c, addr, gen, start)
	s.metrics.SetState(StateConnected.String(), stateLabels())
	s.events.Emit(Event{Kind: EventStateChanged, State: StateConnected, Generation: gen})
	log.Info().Str("addr", addr).Str("identity", ack.Identity).Uint64("generation", gen).Msg("link.Supervisor connected")

	err = c.Run(ctx)
	uptime := s.now().Sub(start)
	s.state.clearConn()
	s.table.Reset(err)
	s.setState(StateDisconnected, addr)
	if s.backoff.Settle(uptime) {
		log.Debug().Dur("uptime", uptime).Msg("link.Supervisor backoff reset after stable connection")
	}
	if err == nil {
		err = fail(FailureTransport, errors.New("connection closed"))
	}
	return err
}

// authenticate sends Register and waits for RegisterAck under the handshake
// timeout. Transport errors stay transport failures; anything else is auth.
func (s *Supervisor) authenticate(nc net.Conn) (session.RegistrationAck, error) {
	limits := s.cfg.Session.Limits
	if err := nc.SetDeadline(time.Now().Add(s.cfg.Session.HandshakeTimeout)); err != nil {
		return session.RegistrationAck{}, fail(FailureTransport, err)
	}
	reg := session.Registration{
		ClientID:   s.cfg.ClientID,
		Credential: s.cfg.Credential,
		Version:    s.cfg.Version,
		Token:      s.state.Token(),
	}
	if err := session.WriteRegistration(nc, reg, limits); err != nil {
		return session.RegistrationAck{}, fail(authClass(err), err)
	}
	ack, err := session.ReadRegistrationAck(nc, limits)
	if err != nil {
		return session.RegistrationAck{}, fail(authClass(err), err)
	}
	if !ack.Accepted() {
		return ack, fail(FailureAuth, fmt.Errorf("%w: code=%d %s", ErrAuthRejected, ack.Code, ack.Message))
	}
	if err := nc.SetDeadline(time.Time{}); err != nil {
		return ack, fail(FailureTransport, err)
	}
	return ack, nil
}

func authClass(err error) FailureClass {
	var ne net.Error
	if errors.As(err, &ne) || errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return FailureTransport
	}
	return FailureAuth
}

func (s *Supervisor) wait(ctx context.Context, fe *FailureError, addr string) error {
	weight := 1
	if fe.Class == FailureAuth {
		weight = s.cfg.Session.Backoff.AuthPenalty
	}
	delay := s.backoff.Next(weight)
	attempt := s.backoff.Attempt()
	s.state.setBackoff(attempt, delay)
	s.metrics.Failure(fe.Class.String(), delay)
	s.events.Emit(Event{Kind: EventFailure, Class: fe.Class, Err: fe.Err, Attempt: attempt, Delay: delay})
	log.Warn().Err(fe.Err).Str("addr", addr).Stringer("class", fe.Class).Int("attempt", attempt).Dur("delay", delay).Msg("link.Supervisor reconnect scheduled")
	return s.sleep(ctx, delay)
}

func (s *Supervisor) setState(st ConnState, addr string) {
	if s.state.State() == st {
		return
	}
	s.state.setState(st, addr)
	s.metrics.SetState(st.String(), stateLabels())
	s.events.Emit(Event{Kind: EventStateChanged, State: st, Generation: s.table.Generation()})
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
