// Package transport dials the stream that carries the frame codec: plain
// TCP, TLS over TCP, or a single QUIC stream.
package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/danmuck/edgelink/internal/protocol/session"
	"github.com/quic-go/quic-go"
	"github.com/rs/zerolog/log"
)

// ALPN is the protocol id offered on QUIC connections.
const ALPN = "edgelink/1"

// Dialer opens one connection to a gateway address.
type Dialer interface {
	Dial(ctx context.Context, addr string) (net.Conn, error)
}

// New picks the dialer for cfg after validating its transport rules.
func New(cfg session.Config) (Dialer, error) {
	if err := cfg.ValidateClientTransport(); err != nil {
		return nil, err
	}
	switch session.NormalizeTransport(cfg.Transport) {
	case session.TransportQUIC:
		return &QUIC{TLS: cfg.TLS, HandshakeTimeout: cfg.HandshakeTimeout, IdleTimeout: cfg.SessionDeadAfter}, nil
	default:
		tcp := &TCP{Timeout: cfg.ConnectTimeout}
		if !cfg.TLS.Enabled {
			return tcp, nil
		}
		return &TLS{TCP: tcp, TLS: cfg.TLS, HandshakeTimeout: cfg.HandshakeTimeout}, nil
	}
}

type TCP struct {
	Timeout time.Duration
}

func (d *TCP) Dial(ctx context.Context, addr string) (net.Conn, error) {
	dialer := net.Dialer{Timeout: d.Timeout, KeepAlive: 30 * time.Second}
	return dialer.DialContext(ctx, "tcp", addr)
}

type TLS struct {
	TCP              *TCP
	TLS              session.TLSConfig
	HandshakeTimeout time.Duration
}

func (d *TLS) Dial(ctx context.Context, addr string) (net.Conn, error) {
	rawConn, err := d.TCP.Dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	tlsCfg, err := ClientTLSConfig(d.TLS, addr)
	if err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	conn := tls.Client(rawConn, tlsCfg)
	handshakeCtx, cancel := context.WithTimeout(ctx, d.HandshakeTimeout)
	defer cancel()
	if err := conn.HandshakeContext(handshakeCtx); err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	st := conn.ConnectionState()
	log.Debug().Str("addr", addr).Uint16("version", st.Version).Msg("transport.TLS.Dial handshake complete")
	return conn, nil
}

type QUIC struct {
	TLS              session.TLSConfig
	HandshakeTimeout time.Duration
	IdleTimeout      time.Duration
}

// Dial opens a QUIC connection and one bidirectional stream on it.
func (d *QUIC) Dial(ctx context.Context, addr string) (net.Conn, error) {
	tlsCfg, err := ClientTLSConfig(d.TLS, addr)
	if err != nil {
		return nil, err
	}
	tlsCfg.NextProtos = []string{ALPN}
	conn, err := quic.DialAddr(ctx, addr, tlsCfg, &quic.Config{
		HandshakeIdleTimeout: d.HandshakeTimeout,
		MaxIdleTimeout:       d.IdleTimeout,
		KeepAlivePeriod:      d.IdleTimeout / 3,
	})
	if err != nil {
		return nil, err
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "")
		return nil, err
	}
	return &streamConn{Stream: stream, conn: conn}, nil
}

// streamConn wraps one QUIC stream as a net.Conn. Closing it tears down the
// whole QUIC connection.
type streamConn struct {
	*quic.Stream
	conn *quic.Conn
}

func (c *streamConn) LocalAddr() net.Addr  { return c.conn.LocalAddr() }
func (c *streamConn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

func (c *streamConn) Close() error {
	err := c.Stream.Close()
	if cerr := c.conn.CloseWithError(0, "closed"); err == nil {
		err = cerr
	}
	return err
}

// ClientTLSConfig builds the client side TLS config. ServerName defaults to
// the host part of addr.
func ClientTLSConfig(c session.TLSConfig, addr string) (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: c.InsecureSkipVerify,
	}

	serverName := strings.TrimSpace(c.ServerName)
	if serverName == "" {
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}
		serverName = host
	}
	cfg.ServerName = serverName

	if caPath := strings.TrimSpace(c.CAFile); caPath != "" {
		caPEM, err := os.ReadFile(caPath)
		if err != nil {
			return nil, err
		}
		pool := x509.NewCertPool()
		if ok := pool.AppendCertsFromPEM(caPEM); !ok {
			return nil, fmt.Errorf("transport: parse tls ca bundle: %s", caPath)
		}
		cfg.RootCAs = pool
	}

	if c.Mutual {
		cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
		if err != nil {
			return nil, err
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}
