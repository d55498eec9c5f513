// Package gatewaytest runs an in-process gateway for client tests. It speaks
// the real frame codec over loopback TCP or TLS.
package gatewaytest

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/edgelink/internal/auth"
	"github.com/danmuck/edgelink/internal/protocol/frame"
	"github.com/danmuck/edgelink/internal/protocol/session"
	"github.com/rs/zerolog/log"
)

var ErrClosed = errors.New("gatewaytest: closed")

type Option func(*Gateway)

// WithValidator checks the Register credential. The default accepts all.
func WithValidator(v auth.Validator) Option {
	return func(g *Gateway) { g.validator = v }
}

func WithTLS(cfg *tls.Config) Option {
	return func(g *Gateway) { g.tlsCfg = cfg }
}

// WithAutoOpenAck answers every Open with OpenAck.
func WithAutoOpenAck() Option {
	return func(g *Gateway) { g.autoAck = true }
}

// WithEcho writes every Data payload straight back.
func WithEcho() Option {
	return func(g *Gateway) { g.echo = true }
}

// Gateway accepts client connections, answers Register and Ping itself and
// hands every connection to the test as a Peer.
type Gateway struct {
	t         testing.TB
	ln        net.Listener
	validator auth.Validator
	tlsCfg    *tls.Config
	autoAck   bool
	echo      bool

	peers         chan *Peer
	registrations atomic.Int64
	rejections    atomic.Int64

	mu    sync.Mutex
	conns map[net.Conn]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func New(t testing.TB, opts ...Option) *Gateway {
	t.Helper()
	g := &Gateway{
		t:         t,
		validator: auth.FuncValidator(func(string, string) error { return nil }),
		peers:     make(chan *Peer, 16),
		conns:     make(map[net.Conn]struct{}),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("gatewaytest listen: %v", err)
	}
	if g.tlsCfg != nil {
		ln = tls.NewListener(ln, g.tlsCfg)
	}
	g.ln = ln
	g.ctx, g.cancel = context.WithCancel(context.Background())
	go func() {
		defer close(g.done)
		_ = g.serve()
	}()
	t.Cleanup(g.Close)
	return g
}

func (g *Gateway) Addr() string {
	return g.ln.Addr().String()
}

// Registrations counts accepted Register frames.
func (g *Gateway) Registrations() int64 { return g.registrations.Load() }

// Rejections counts refused Register frames.
func (g *Gateway) Rejections() int64 { return g.rejections.Load() }

// Accept returns the next registered peer.
func (g *Gateway) Accept(ctx context.Context) (*Peer, error) {
	select {
	case p := <-g.peers:
		return p, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-g.done:
		return nil, ErrClosed
	}
}

func (g *Gateway) Close() {
	g.cancel()
	_ = g.ln.Close()
	g.closeAllConns()
	<-g.done
}

func (g *Gateway) serve() error {
	for {
		conn, err := g.ln.Accept()
		if err != nil {
			if g.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		g.trackConn(conn)
		go g.handleConn(conn)
	}
}

func (g *Gateway) handleConn(conn net.Conn) {
	defer g.untrackConn(conn)
	limits := frame.DefaultLimits()
	reader := bufio.NewReader(conn)

	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
	reg, err := session.ReadRegistration(reader, limits)
	if err != nil {
		log.Debug().Err(err).Msg("gatewaytest.handleConn read registration")
		_ = conn.Close()
		return
	}
	ack := session.RegistrationAck{
		Status:      session.AckStatusAccepted,
		Message:     "registered",
		Identity:    reg.ClientID,
		Token:       "token-" + reg.ClientID,
		TimestampMS: uint64(time.Now().UnixMilli()),
	}
	if err := g.validator.Validate(reg.ClientID, reg.Credential); err != nil {
		g.rejections.Add(1)
		ack.Status = session.AckStatusRejected
		ack.Code = 401
		ack.Message = err.Error()
		ack.Token = ""
		_ = session.WriteRegistrationAck(conn, ack, limits)
		_ = conn.Close()
		return
	}
	if err := session.WriteRegistrationAck(conn, ack, limits); err != nil {
		_ = conn.Close()
		return
	}
	g.registrations.Add(1)
	_ = conn.SetDeadline(time.Time{})

	p := &Peer{
		Registration: reg,
		conn:         conn,
		frames:       make(chan frame.Frame, 1024),
		done:         make(chan struct{}),
		gw:           g,
	}
	select {
	case g.peers <- p:
	case <-g.ctx.Done():
		_ = conn.Close()
		return
	}
	p.readLoop(reader, limits)
}

func (g *Gateway) trackConn(conn net.Conn) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.conns[conn] = struct{}{}
}

func (g *Gateway) untrackConn(conn net.Conn) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.conns, conn)
}

func (g *Gateway) closeAllConns() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for conn := range g.conns {
		_ = conn.Close()
	}
}

// Peer is one registered client connection seen from the gateway side.
type Peer struct {
	Registration session.Registration

	conn   net.Conn
	wmu    sync.Mutex
	frames chan frame.Frame
	done   chan struct{}
	gw     *Gateway
}

func (p *Peer) readLoop(r *bufio.Reader, limits frame.Limits) {
	defer close(p.done)
	defer p.conn.Close()
	for {
		f, err := frame.ReadFrame(r, limits)
		if err != nil {
			return
		}
		switch f.Header.MessageType {
		case frame.TypePing:
			ping, err := session.DecodePing(frame.TypePing, f.Payload)
			if err == nil {
				_ = p.Send(frame.New(frame.ControlSessionID, frame.TypePong, session.Ping{Nonce: ping.Nonce}.Encode()))
			}
			continue
		case frame.TypeOpen:
			if p.gw.autoAck {
				_ = p.Send(frame.New(f.Header.SessionID, frame.TypeOpenAck, nil))
			}
		case frame.TypeData:
			if p.gw.echo {
				_ = p.Send(frame.New(f.Header.SessionID, frame.TypeData, f.Payload))
			}
		}
		select {
		case p.frames <- f:
		case <-p.gw.ctx.Done():
			return
		}
	}
}

// Send writes one frame to the client.
func (p *Peer) Send(f frame.Frame) error {
	p.wmu.Lock()
	defer p.wmu.Unlock()
	return frame.WriteFrame(p.conn, f, frame.DefaultLimits())
}

// WriteRaw writes bytes with no framing.
func (p *Peer) WriteRaw(b []byte) error {
	p.wmu.Lock()
	defer p.wmu.Unlock()
	_, err := p.conn.Write(b)
	return err
}

// Next returns the next frame from the client other than Ping.
func (p *Peer) Next(ctx context.Context) (frame.Frame, error) {
	select {
	case f := <-p.frames:
		return f, nil
	case <-p.done:
		select {
		case f := <-p.frames:
			return f, nil
		default:
		}
		return frame.Frame{}, ErrClosed
	case <-ctx.Done():
		return frame.Frame{}, ctx.Err()
	}
}

// Expect skips frames until one of type mt arrives.
func (p *Peer) Expect(ctx context.Context, mt frame.MessageType) (frame.Frame, error) {
	for {
		f, err := p.Next(ctx)
		if err != nil {
			return f, err
		}
		if f.Header.MessageType == mt {
			return f, nil
		}
	}
}

// Done is closed once the client connection is gone.
func (p *Peer) Done() <-chan struct{} { return p.done }

func (p *Peer) Close() error {
	return p.conn.Close()
}
