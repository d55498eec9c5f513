package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/danmuck/edgelink/internal/protocol/session"
	"github.com/danmuck/edgelink/internal/testutil/testlog"
	"github.com/danmuck/edgelink/internal/testutil/tlstest"
	"github.com/quic-go/quic-go"
	"github.com/stretchr/testify/require"
)

func echoOnce(t *testing.T, ln net.Listener) <-chan error {
	t.Helper()
	errCh := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			errCh <- err
			return
		}
		defer conn.Close()
		buf := make([]byte, 4)
		if _, err := io.ReadFull(conn, buf); err != nil {
			errCh <- err
			return
		}
		_, err = conn.Write(buf)
		errCh <- err
	}()
	return errCh
}

func roundTrip(t *testing.T, conn net.Conn) {
	t.Helper()
	_, err := conn.Write([]byte("ping"))
	require.NoError(t, err)
	buf := make([]byte, 4)
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	require.Equal(t, "ping", string(buf))
}

func TestNewSelectsDialer(t *testing.T) {
	testlog.Start(t)
	cfg := session.DefaultConfig()
	d, err := New(cfg)
	require.NoError(t, err)
	require.IsType(t, &TCP{}, d)

	cfg.TLS = session.TLSConfig{Enabled: true, InsecureSkipVerify: true}
	d, err = New(cfg)
	require.NoError(t, err)
	require.IsType(t, &TLS{}, d)

	cfg.Transport = session.TransportQUIC
	d, err = New(cfg)
	require.NoError(t, err)
	require.IsType(t, &QUIC{}, d)

	cfg.TLS.Enabled = false
	_, err = New(cfg)
	require.ErrorIs(t, err, session.ErrTLSRequired)
}

func TestTCPDial(t *testing.T) {
	testlog.Start(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	errCh := echoOnce(t, ln)

	conn, err := (&TCP{Timeout: time.Second}).Dial(context.Background(), ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	roundTrip(t, conn)
	require.NoError(t, <-errCh)
}

func TestTLSDialMutual(t *testing.T) {
	testlog.Start(t)
	b := tlstest.NewBundle(t, "edge-1")
	ln, err := tls.Listen("tcp", "127.0.0.1:0", b.ServerConfig(t, true))
	require.NoError(t, err)
	defer ln.Close()
	errCh := echoOnce(t, ln)

	cfg := session.DefaultConfig()
	cfg.TLS = session.TLSConfig{
		Enabled:  true,
		Mutual:   true,
		CAFile:   b.Authority.CAFile(),
		CertFile: b.ClientCert,
		KeyFile:  b.ClientKey,
	}
	d, err := New(cfg)
	require.NoError(t, err)
	conn, err := d.Dial(context.Background(), ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	roundTrip(t, conn)
	require.NoError(t, <-errCh)
}

func TestTLSDialRejectsUnknownCA(t *testing.T) {
	testlog.Start(t)
	b := tlstest.NewBundle(t, "edge-1")
	other := tlstest.NewBundle(t, "edge-2")
	ln, err := tls.Listen("tcp", "127.0.0.1:0", b.ServerConfig(t, false))
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			_ = conn.(*tls.Conn).Handshake()
			_ = conn.Close()
		}
	}()

	d := &TLS{
		TCP:              &TCP{Timeout: time.Second},
		TLS:              session.TLSConfig{Enabled: true, CAFile: other.Authority.CAFile()},
		HandshakeTimeout: 2 * time.Second,
	}
	_, err = d.Dial(context.Background(), ln.Addr().String())
	require.Error(t, err)
	var verr *tls.CertificateVerificationError
	require.True(t, errors.As(err, &verr), "got %v", err)
}

func TestQUICDial(t *testing.T) {
	testlog.Start(t)
	b := tlstest.NewBundle(t, "edge-1")
	ln, err := quic.ListenAddr("127.0.0.1:0", b.ServerConfig(t, false, ALPN), &quic.Config{})
	require.NoError(t, err)
	defer ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	errCh := make(chan error, 1)
	go func() {
		conn, err := ln.Accept(ctx)
		if err != nil {
			errCh <- err
			return
		}
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			errCh <- err
			return
		}
		buf := make([]byte, 4)
		if _, err := io.ReadFull(stream, buf); err != nil {
			errCh <- err
			return
		}
		_, err = stream.Write(buf)
		errCh <- err
	}()

	d := &QUIC{
		TLS:              session.TLSConfig{Enabled: true, CAFile: b.Authority.CAFile()},
		HandshakeTimeout: 2 * time.Second,
		IdleTimeout:      5 * time.Second,
	}
	conn, err := d.Dial(ctx, ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))
	roundTrip(t, conn)
	require.NoError(t, <-errCh)
}
