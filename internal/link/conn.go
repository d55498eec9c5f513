package link

import (
	"bufio"
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/edgelink/internal/control"
	"github.com/danmuck/edgelink/internal/mux"
	"github.com/danmuck/edgelink/internal/observability"
	"github.com/danmuck/edgelink/internal/protocol/frame"
	"github.com/danmuck/edgelink/internal/protocol/session"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const readChunk = 32 * 1024

// Conn owns one authenticated transport. The read loop decodes and routes
// inbound frames; the write loop is the only writer to the transport.
type Conn struct {
	nc         net.Conn
	addr       string
	cfg        session.Config
	table      *mux.Table
	dispatcher *control.Dispatcher
	events     EventSink
	metrics    *observability.Metrics

	control chan frame.Frame
	nonce   atomic.Uint64

	redirectTo    atomic.Pointer[string]
	redirectReady chan struct{}
	redirectOnce  sync.Once
}

func newConn(
	nc net.Conn,
	addr string,
	cfg session.Config,
	table *mux.Table,
	dispatcher *control.Dispatcher,
	events EventSink,
	metrics *observability.Metrics,
) *Conn {
	return &Conn{
		nc:            nc,
		addr:          addr,
		cfg:           cfg,
		table:         table,
		dispatcher:    dispatcher,
		events:        events,
		metrics:       metrics,
		control:       make(chan frame.Frame, cfg.Queues.Control),
		redirectReady: make(chan struct{}),
	}
}

// Run drives the connection until a loop fails or ctx ends. The returned
// error is a *FailureError unless ctx was canceled.
func (c *Conn) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.readLoop(gctx) })
	g.Go(func() error { return c.writeLoop(gctx) })
	g.Go(func() error { return c.heartbeatLoop(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		return c.nc.Close()
	})
	err := g.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// SendControl queues a control frame ahead of all session traffic.
func (c *Conn) SendControl(ctx context.Context, f frame.Frame) error {
	select {
	case c.control <- f:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// requestRedirect marks the connection for closure once the pending control
// replies are flushed.
func (c *Conn) requestRedirect(addr string) {
	c.redirectTo.Store(&addr)
}

func (c *Conn) readLoop(ctx context.Context) error {
	dec := frame.NewDecoder(c.cfg.Limits)
	buf := make([]byte, readChunk)
	for {
		if err := c.nc.SetReadDeadline(time.Now().Add(c.cfg.SessionDeadAfter)); err != nil {
			return fail(FailureTransport, err)
		}
		n, rerr := c.nc.Read(buf)
		if n > 0 {
			frames, err := dec.DecodeAll(buf[:n])
			for _, f := range frames {
				if herr := c.handle(ctx, f); herr != nil {
					return herr
				}
			}
			if err != nil {
				c.metrics.FramingError(framingKind(err))
				log.Error().Err(err).Str("addr", c.addr).Msg("link.Conn.readLoop framing error")
				return fail(FailureFraming, err)
			}
		}
		if rerr != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fail(FailureTransport, rerr)
		}
	}
}

func (c *Conn) handle(ctx context.Context, f frame.Frame) error {
	mt := f.Header.MessageType
	c.metrics.Frame("in", typeLabel(mt))
	if mt.IsRelay() {
		return c.handleRelay(ctx, f)
	}

	replies, err := c.dispatcher.Dispatch(ctx, f)
	if err != nil {
		c.warn(mt, f.Header.SessionID, err)
	}
	for _, r := range replies {
		if err := c.SendControl(ctx, r); err != nil {
			return err
		}
	}
	if c.redirectTo.Load() != nil {
		c.redirectOnce.Do(func() { close(c.redirectReady) })
	}
	return nil
}

func (c *Conn) handleRelay(ctx context.Context, f frame.Frame) error {
	id := f.Header.SessionID
	mt := f.Header.MessageType
	switch mt {
	case frame.TypeData:
		err := c.table.Deliver(id, f.Payload)
		if errors.Is(err, mux.ErrSessionNotFound) {
			return c.hangup(ctx, id, session.HupError)
		}
	case frame.TypeOpenAck:
		if err := c.table.MarkActive(id); errors.Is(err, mux.ErrSessionNotFound) {
			return c.hangup(ctx, id, session.HupError)
		}
	case frame.TypeHup:
		code, err := session.DecodeHup(f.Payload)
		if err != nil {
			c.warn(mt, id, err)
			code = session.HupError
		}
		// A Hup for an unknown session needs no answer.
		_ = c.table.CloseRemote(id, code)
	case frame.TypeOpen:
		// Sessions are only opened from this side.
		c.warn(mt, id, control.ErrUnexpectedDirection)
		return c.hangup(ctx, id, session.HupRejected)
	default:
		c.warn(mt, id, control.ErrUnknownMessageType)
	}
	return nil
}

func (c *Conn) hangup(ctx context.Context, id uint32, code uint32) error {
	return c.SendControl(ctx, frame.New(id, frame.TypeHup, session.EncodeHup(code)))
}

func (c *Conn) warn(mt frame.MessageType, id uint32, err error) {
	c.metrics.ProtocolWarning(typeLabel(mt))
	log.Warn().Err(err).Stringer("message_type", mt).Uint32("session_id", id).Msg("link.Conn protocol warning")
	c.events.Emit(Event{Kind: EventProtocolWarning, MessageType: mt, SessionID: id, Err: err})
}

// next prefers control frames over session traffic. Once a redirect is
// ready only control frames are written.
func (c *Conn) next() (frame.Frame, bool) {
	select {
	case f := <-c.control:
		return f, true
	default:
	}
	if c.redirecting() {
		return frame.Frame{}, false
	}
	return c.table.NextOutbound()
}

func (c *Conn) writeLoop(ctx context.Context) error {
	bw := bufio.NewWriterSize(c.nc, readChunk)
	for {
		f, ok := c.next()
		if !ok {
			if bw.Buffered() > 0 {
				if err := c.flush(bw); err != nil {
					return err
				}
			}
			if c.redirectPending() {
				addr := *c.redirectTo.Load()
				log.Info().Str("from", c.addr).Str("to", addr).Msg("link.Conn.writeLoop redirect flushed")
				return &FailureError{Class: FailureRedirect, Err: errRedirect, Addr: addr}
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case f = <-c.control:
			case <-c.table.Ready():
				continue
			case <-c.redirectReady:
				continue
			}
		}
		if err := c.nc.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
			return fail(FailureTransport, err)
		}
		if err := frame.WriteFrame(bw, f, c.cfg.Limits); err != nil {
			if frame.IsFatal(err) {
				// Oversized outbound frames are a local bug; drop the frame.
				log.Error().Err(err).Stringer("message_type", f.Header.MessageType).Msg("link.Conn.writeLoop dropped frame")
				continue
			}
			return fail(FailureTransport, err)
		}
		c.metrics.Frame("out", typeLabel(f.Header.MessageType))
	}
}

func (c *Conn) flush(bw *bufio.Writer) error {
	if err := c.nc.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
		return fail(FailureTransport, err)
	}
	if err := bw.Flush(); err != nil {
		return fail(FailureTransport, err)
	}
	return nil
}

func (c *Conn) redirecting() bool {
	select {
	case <-c.redirectReady:
		return true
	default:
		return false
	}
}

func (c *Conn) redirectPending() bool {
	return c.redirecting() && len(c.control) == 0
}

func (c *Conn) heartbeatLoop(ctx context.Context) error {
	if c.cfg.HeartbeatInterval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			ping := session.Ping{Nonce: c.nonce.Add(1)}
			f := frame.New(frame.ControlSessionID, frame.TypePing, ping.Encode())
			select {
			case c.control <- f:
			default:
				log.Debug().Str("addr", c.addr).Msg("link.Conn.heartbeatLoop control queue full")
			}
		}
	}
}

func typeLabel(mt frame.MessageType) string {
	if !mt.Known() {
		return "unknown"
	}
	return mt.String()
}

func framingKind(err error) string {
	switch {
	case errors.Is(err, frame.ErrOversized):
		return "oversized"
	case errors.Is(err, frame.ErrMalformed):
		return "malformed"
	default:
		return "other"
	}
}
