package control

import (
	"context"
	"errors"
	"net/netip"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/edgelink/internal/protocol/frame"
	"github.com/danmuck/edgelink/internal/protocol/session"
	"github.com/danmuck/edgelink/internal/services"
	"github.com/danmuck/edgelink/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

type fakeTable struct {
	records  []services.Record
	inFlight atomic.Bool
	started  atomic.Int32
}

func (f *fakeTable) Current() []services.Record { return f.records }

func (f *fakeTable) TriggerScan() bool {
	if !f.inFlight.CompareAndSwap(false, true) {
		return false
	}
	f.started.Add(1)
	return true
}

type fakeIdentity struct {
	identity, token string
}

func (f *fakeIdentity) Identity() string { return f.identity }
func (f *fakeIdentity) Renew(identity, token string) {
	f.identity, f.token = identity, token
}

type fakeRedirector struct {
	addr string
	err  error
}

func (f *fakeRedirector) Redirect(addr string) error {
	f.addr = addr
	return f.err
}

type staticStatus session.Status

func (s staticStatus) Status() session.Status { return session.Status(s) }

var fixedNow = func() time.Time { return time.UnixMilli(1700000000000) }

func ctrl(mt frame.MessageType, payload []byte) frame.Frame {
	return frame.New(frame.ControlSessionID, mt, payload)
}

func TestScanRequestWhileInFlightReturnsStaleSnapshot(t *testing.T) {
	testlog.Start(t)
	seen := time.UnixMilli(1700000000000)
	tbl := &fakeTable{records: []services.Record{
		services.NewRecord(services.CategoryRTSP, nil, netip.MustParseAddrPort("10.0.0.2:554"), "/live", seen),
		services.NewRecord(services.Category(0x0099), nil, netip.MustParseAddrPort("10.0.0.3:1"), "", seen),
	}}
	tbl.inFlight.Store(true)
	d := New(Deps{Services: tbl, Now: fixedNow})

	out, err := d.Dispatch(context.Background(), ctrl(frame.TypeScanRequest, nil))
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, frame.TypeScanReport, out[0].Header.MessageType)
	require.Zero(t, tbl.started.Load())

	recs, err := services.DecodeTable(out[0].Payload)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, tbl.records[0].ID, recs[0].ID)
}

func TestScanRequestStartsOneScan(t *testing.T) {
	testlog.Start(t)
	tbl := &fakeTable{}
	d := New(Deps{Services: tbl, Filter: services.Filter{IncludeUnknown: true}})
	for i := 0; i < 3; i++ {
		_, err := d.Dispatch(context.Background(), ctrl(frame.TypeScanRequest, nil))
		require.NoError(t, err)
	}
	require.Equal(t, int32(1), tbl.started.Load())
}

func TestRegisterRenewsIdentity(t *testing.T) {
	testlog.Start(t)
	id := &fakeIdentity{identity: "old"}
	d := New(Deps{Identity: id, Now: fixedNow})
	reg := session.Registration{ClientID: "edge.9", Token: "tok-2"}

	out, err := d.Dispatch(context.Background(), ctrl(frame.TypeRegister, reg.Encode()))
	require.NoError(t, err)
	require.Equal(t, "edge.9", id.identity)
	require.Equal(t, "tok-2", id.token)
	require.Len(t, out, 1)
	ack, err := session.DecodeRegistrationAck(out[0].Payload)
	require.NoError(t, err)
	require.True(t, ack.Accepted())
	require.Equal(t, "edge.9", ack.Identity)
	require.Equal(t, uint64(1700000000000), ack.TimestampMS)
}

func TestGetStatus(t *testing.T) {
	testlog.Start(t)
	d := New(Deps{Status: staticStatus{Identity: "edge.1", SessionsActive: 2, Healthy: true}})
	out, err := d.Dispatch(context.Background(), ctrl(frame.TypeGetStatus, nil))
	require.NoError(t, err)
	st, err := session.DecodeStatus(out[0].Payload)
	require.NoError(t, err)
	require.Equal(t, uint32(2), st.SessionsActive)
	require.True(t, st.Healthy)
}

func TestRedirectAcksAndNotifies(t *testing.T) {
	testlog.Start(t)
	r := &fakeRedirector{}
	d := New(Deps{Redirector: r})
	out, err := d.Dispatch(context.Background(), ctrl(frame.TypeRedirect, session.Redirect{Address: "gw2:7443"}.Encode()))
	require.NoError(t, err)
	require.Equal(t, "gw2:7443", r.addr)
	require.Equal(t, frame.TypeRedirectAck, out[0].Header.MessageType)

	r.err = errors.New("busy")
	_, err = d.Dispatch(context.Background(), ctrl(frame.TypeRedirect, session.Redirect{Address: "gw3:7443"}.Encode()))
	require.ErrorIs(t, err, ErrRedirectRefused)
	require.True(t, IsWarning(err))
}

func TestPingPong(t *testing.T) {
	testlog.Start(t)
	d := New(Deps{})
	out, err := d.Dispatch(context.Background(), ctrl(frame.TypePing, session.Ping{Nonce: 77}.Encode()))
	require.NoError(t, err)
	p, err := session.DecodePing(frame.TypePong, out[0].Payload)
	require.NoError(t, err)
	require.Equal(t, uint64(77), p.Nonce)

	out, err = d.Dispatch(context.Background(), ctrl(frame.TypePong, session.Ping{Nonce: 77}.Encode()))
	require.NoError(t, err)
	require.Empty(t, out)
}

func TestUnknownTypeIsWarning(t *testing.T) {
	testlog.Start(t)
	d := New(Deps{})
	out, err := d.Dispatch(context.Background(), ctrl(frame.MessageType(0x0777), []byte("?")))
	require.ErrorIs(t, err, ErrUnknownMessageType)
	require.True(t, IsWarning(err))
	require.Empty(t, out)

	_, err = d.Dispatch(context.Background(), ctrl(frame.TypeStatus, nil))
	require.ErrorIs(t, err, ErrUnexpectedDirection)
}

func TestInvalidPayloadIsWarning(t *testing.T) {
	testlog.Start(t)
	d := New(Deps{})
	_, err := d.Dispatch(context.Background(), ctrl(frame.TypePing, []byte{1, 2}))
	require.ErrorIs(t, err, session.ErrInvalidPayload)
	require.True(t, IsWarning(err))
}
