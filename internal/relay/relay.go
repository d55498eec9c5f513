// Package relay owns Relay sessions: each Forwarder pipes one local TCP
// service through a session and opens a fresh one whenever the link
// reconnects.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/danmuck/edgelink/internal/mux"
	"github.com/danmuck/edgelink/internal/transport"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

var ErrInvalidTarget = errors.New("relay: invalid target")

const copyChunk = 32 * 1024

// Target is one local service exposed through the gateway.
type Target struct {
	Name      string
	ServiceID string
	// Local is the host:port dialed for each session.
	Local string
}

func (t Target) Validate() error {
	if strings.TrimSpace(t.Name) == "" {
		return fmt.Errorf("%w: missing name", ErrInvalidTarget)
	}
	if _, _, err := net.SplitHostPort(t.Local); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidTarget, t.Name, err)
	}
	return nil
}

// Opener is the slice of link.Client a forwarder needs.
type Opener interface {
	OpenSession(kind mux.Kind, serviceID string, l mux.Listener) (*mux.Session, error)
	WaitConnected(ctx context.Context) error
}

type Forwarder struct {
	opener     Opener
	target     Target
	dialer     transport.Dialer
	retryDelay time.Duration
}

type Option func(*Forwarder)

func WithDialer(d transport.Dialer) Option {
	return func(f *Forwarder) { f.dialer = d }
}

// WithRetryDelay sets the pause before a target's next session.
func WithRetryDelay(d time.Duration) Option {
	return func(f *Forwarder) { f.retryDelay = d }
}

func New(opener Opener, target Target, opts ...Option) *Forwarder {
	f := &Forwarder{
		opener:     opener,
		target:     target,
		dialer:     &transport.TCP{Timeout: 5 * time.Second},
		retryDelay: time.Second,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Run keeps one session open for the target until ctx ends.
func (f *Forwarder) Run(ctx context.Context) error {
	for {
		if err := f.opener.WaitConnected(ctx); err != nil {
			return nil
		}
		err := f.runOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			log.Warn().Err(err).Str("target", f.target.Name).Msg("relay.Forwarder.Run session ended")
		}
		if !sleep(ctx, f.retryDelay) {
			return nil
		}
	}
}

func (f *Forwarder) runOnce(ctx context.Context) error {
	active := make(chan struct{}, 1)
	s, err := f.opener.OpenSession(mux.KindRelay, f.target.ServiceID, func(ev mux.Event) {
		if ev.To == mux.StateActive {
			select {
			case active <- struct{}{}:
			default:
			}
		}
	})
	if err != nil {
		return err
	}
	defer s.Close()

	select {
	case <-active:
	case <-s.Done():
		return fmt.Errorf("relay: open refused: %w", s.Err())
	case <-ctx.Done():
		return ctx.Err()
	}

	local, err := f.dialer.Dial(ctx, f.target.Local)
	if err != nil {
		return fmt.Errorf("relay: dial %s: %w", f.target.Local, err)
	}
	log.Info().Str("target", f.target.Name).Uint32("session_id", s.ID()).Str("local", f.target.Local).Msg("relay.Forwarder session active")
	err = pipe(ctx, s, local)
	log.Info().Err(err).Str("target", f.target.Name).Uint32("session_id", s.ID()).Msg("relay.Forwarder session closed")
	return err
}

// pipe copies in both directions until either side ends. Closing local
// unblocks the upstream copy; closing the session unblocks the downstream one.
func pipe(ctx context.Context, s *mux.Session, local net.Conn) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer s.Close()
		buf := make([]byte, copyChunk)
		for {
			n, err := local.Read(buf)
			if n > 0 {
				if serr := s.Send(gctx, buf[:n]); serr != nil {
					return serr
				}
			}
			if err != nil {
				if errors.Is(err, io.EOF) {
					return nil
				}
				return err
			}
		}
	})
	g.Go(func() error {
		defer local.Close()
		for {
			p, err := s.Receive(gctx)
			if err != nil {
				if errors.Is(err, mux.ErrSessionClosed) && s.Err() == nil {
					return nil
				}
				return err
			}
			if _, err := local.Write(p); err != nil {
				return err
			}
		}
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-s.Done():
		}
		_ = local.Close()
		return nil
	})
	return g.Wait()
}

// RunAll runs one forwarder per target and waits for all of them.
func RunAll(ctx context.Context, opener Opener, targets []Target, opts ...Option) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, t := range targets {
		if err := t.Validate(); err != nil {
			return err
		}
		f := New(opener, t, opts...)
		g.Go(func() error { return f.Run(gctx) })
	}
	return g.Wait()
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
