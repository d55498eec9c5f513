package mux

import (
	"context"
	"errors"
	"math/rand"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/edgelink/internal/protocol/frame"
	protosession "github.com/danmuck/edgelink/internal/protocol/session"
	"github.com/danmuck/edgelink/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) listen(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) states() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]State, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.To)
	}
	return out
}

func (r *recorder) last() Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

func drain(t *testing.T, tbl *Table) []frame.Frame {
	t.Helper()
	var out []frame.Frame
	for {
		f, ok := tbl.NextOutbound()
		if !ok {
			return out
		}
		out = append(out, f)
	}
}

func TestOpenQueuesOpenFrameFirst(t *testing.T) {
	testlog.Start(t)
	tbl := NewTable(Config{})
	s, err := tbl.Open(KindRelay, "cam-1", nil)
	require.NoError(t, err)
	require.Equal(t, uint32(1), s.ID())
	require.Equal(t, StateOpening, s.State())
	require.NoError(t, s.Send(context.Background(), []byte("x")))

	frames := drain(t, tbl)
	require.Len(t, frames, 2)
	require.Equal(t, frame.TypeOpen, frames[0].Header.MessageType)
	open, err := protosession.DecodeOpen(frames[0].Payload)
	require.NoError(t, err)
	require.Equal(t, uint8(KindRelay), open.Kind)
	require.Equal(t, "cam-1", open.ServiceID)
	require.Equal(t, frame.TypeData, frames[1].Header.MessageType)
	require.Equal(t, s.ID(), frames[1].Header.SessionID)
}

func TestMarkActiveNotifiesListener(t *testing.T) {
	testlog.Start(t)
	tbl := NewTable(Config{})
	rec := &recorder{}
	s, err := tbl.Open(KindControl, "", rec.listen)
	require.NoError(t, err)
	require.NoError(t, tbl.MarkActive(s.ID()))
	require.NoError(t, tbl.MarkActive(s.ID()))
	require.Equal(t, StateActive, s.State())
	require.Equal(t, []State{StateActive}, rec.states())
}

func TestIDsUniqueAcrossOpenClose(t *testing.T) {
	testlog.Start(t)
	tbl := NewTable(Config{MaxID: 16})
	rng := rand.New(rand.NewSource(3))
	live := map[uint32]*Session{}
	for i := 0; i < 2000; i++ {
		if len(live) < 12 && rng.Intn(2) == 0 {
			s, err := tbl.Open(KindRelay, "", nil)
			require.NoError(t, err)
			_, dup := live[s.ID()]
			require.False(t, dup, "id %d handed out twice", s.ID())
			require.NotZero(t, s.ID())
			live[s.ID()] = s
			continue
		}
		for id, s := range live {
			require.NoError(t, s.Close())
			delete(live, id)
			break
		}
		drain(t, tbl)
	}
}

func TestIDSpaceExhaustedIsAnErrorNotReuse(t *testing.T) {
	testlog.Start(t)
	tbl := NewTable(Config{MaxID: 3})
	var sessions []*Session
	for i := 0; i < 3; i++ {
		s, err := tbl.Open(KindRelay, "", nil)
		require.NoError(t, err)
		sessions = append(sessions, s)
	}
	_, err := tbl.Open(KindRelay, "", nil)
	require.ErrorIs(t, err, ErrIDSpaceExhausted)

	require.NoError(t, sessions[1].Close())
	drain(t, tbl)
	s, err := tbl.Open(KindRelay, "", nil)
	require.NoError(t, err)
	require.Equal(t, uint32(2), s.ID())
}

func TestSendBlocksOnFullQueue(t *testing.T) {
	testlog.Start(t)
	tbl := NewTable(Config{OutboundCap: 2})
	s, err := tbl.Open(KindRelay, "", nil)
	require.NoError(t, err)
	require.NoError(t, s.Send(context.Background(), []byte("a")))
	require.NoError(t, s.Send(context.Background(), []byte("b")))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, s.Send(ctx, []byte("c")), context.DeadlineExceeded)

	errCh := make(chan error, 1)
	go func() { errCh <- s.Send(context.Background(), []byte("d")) }()
	_, ok := tbl.NextOutbound()
	require.True(t, ok)
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatalf("send did not resume after queue drained")
	}
}

func TestSendSplitsLargePayloads(t *testing.T) {
	testlog.Start(t)
	tbl := NewTable(Config{MaxChunk: 4})
	s, err := tbl.Open(KindRelay, "", nil)
	require.NoError(t, err)
	require.NoError(t, s.Send(context.Background(), []byte("0123456789")))
	frames := drain(t, tbl)
	require.Len(t, frames, 4)
	require.Equal(t, "0123", string(frames[1].Payload))
	require.Equal(t, "89", string(frames[3].Payload))
}

func TestNextOutboundRoundRobin(t *testing.T) {
	testlog.Start(t)
	tbl := NewTable(Config{OutboundCap: 16})
	var ids []uint32
	for i := 0; i < 3; i++ {
		s, err := tbl.Open(KindRelay, "", nil)
		require.NoError(t, err)
		for j := 0; j < 10; j++ {
			require.NoError(t, s.Send(context.Background(), []byte{byte(j)}))
		}
		ids = append(ids, s.ID())
	}
	frames := drain(t, tbl)
	require.Len(t, frames, 33)
	for i, f := range frames {
		require.Equal(t, ids[i%3], f.Header.SessionID, "frame %d", i)
	}
}

func TestFairDrainingUnderSaturation(t *testing.T) {
	testlog.Start(t)
	tbl := NewTable(Config{OutboundCap: 4})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var sessions []*Session
	for i := 0; i < 4; i++ {
		s, err := tbl.Open(KindRelay, "", nil)
		require.NoError(t, err)
		sessions = append(sessions, s)
		go func() {
			for ctx.Err() == nil {
				if err := s.Send(ctx, []byte("payload")); err != nil {
					return
				}
			}
		}()
	}

	counts := map[uint32]int{}
	for written := 0; written < 400; {
		f, ok := tbl.NextOutbound()
		if !ok {
			<-tbl.Ready()
			continue
		}
		counts[f.Header.SessionID]++
		written++
	}
	for _, s := range sessions {
		require.Greater(t, counts[s.ID()], 40, "session %d starved: %v", s.ID(), counts)
	}
}

func TestDeliverOverflowFailsOnlyThatSession(t *testing.T) {
	testlog.Start(t)
	tbl := NewTable(Config{InboundCap: 1})
	rec := &recorder{}
	slow, err := tbl.Open(KindRelay, "", rec.listen)
	require.NoError(t, err)
	other, err := tbl.Open(KindRelay, "", nil)
	require.NoError(t, err)

	require.NoError(t, tbl.Deliver(slow.ID(), []byte("1")))
	require.ErrorIs(t, tbl.Deliver(slow.ID(), []byte("2")), ErrInboundOverflow)
	require.Equal(t, StateClosing, slow.State())
	require.ErrorIs(t, slow.Err(), ErrInboundOverflow)

	frames := drain(t, tbl)
	var hup *frame.Frame
	for i := range frames {
		if frames[i].Header.MessageType == frame.TypeHup {
			hup = &frames[i]
		}
	}
	require.NotNil(t, hup)
	require.Equal(t, slow.ID(), hup.Header.SessionID)
	code, err := protosession.DecodeHup(hup.Payload)
	require.NoError(t, err)
	require.Equal(t, protosession.HupOverflow, code)
	require.Equal(t, []State{StateClosing, StateClosed}, rec.states())

	got, err := slow.Receive(context.Background())
	require.NoError(t, err)
	require.Equal(t, "1", string(got))
	_, err = slow.Receive(context.Background())
	require.ErrorIs(t, err, ErrSessionClosed)
	require.ErrorIs(t, err, ErrInboundOverflow)

	require.Equal(t, StateOpening, other.State())
	require.NoError(t, tbl.Deliver(other.ID(), []byte("ok")))
}

func TestCloseFlushesThenHups(t *testing.T) {
	testlog.Start(t)
	tbl := NewTable(Config{})
	rec := &recorder{}
	s, err := tbl.Open(KindRelay, "", rec.listen)
	require.NoError(t, err)
	require.NoError(t, tbl.MarkActive(s.ID()))
	require.NoError(t, s.Send(context.Background(), []byte("a")))
	require.NoError(t, s.Send(context.Background(), []byte("b")))
	require.NoError(t, tbl.Close(s.ID()))
	require.ErrorIs(t, s.Send(context.Background(), []byte("late")), ErrSessionClosed)
	require.Equal(t, StateClosing, s.State())

	frames := drain(t, tbl)
	types := make([]frame.MessageType, 0, len(frames))
	for _, f := range frames {
		types = append(types, f.Header.MessageType)
	}
	require.Equal(t, []frame.MessageType{frame.TypeOpen, frame.TypeData, frame.TypeData, frame.TypeHup}, types)
	require.Equal(t, StateClosed, s.State())
	require.Zero(t, tbl.Len())
	require.Equal(t, []State{StateActive, StateClosing, StateClosed}, rec.states())

	_, err = s.Receive(context.Background())
	require.ErrorIs(t, err, ErrSessionClosed)
	require.ErrorIs(t, s.Close(), ErrSessionClosed)
}

func TestSendRacingCloseIsWrittenOrRefused(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	for round := 0; round < 200; round++ {
		tbl := NewTable(Config{})
		s, err := tbl.Open(KindRelay, "", nil)
		require.NoError(t, err)
		require.NoError(t, tbl.MarkActive(s.ID()))
		drain(t, tbl)

		accepted := make(chan int, 1)
		go func() {
			n := 0
			for s.Send(ctx, []byte("x")) == nil {
				n++
			}
			accepted <- n
		}()

		closeAfter := rand.Intn(32)
		written, closed, hup := 0, false, false
		for !hup {
			if !closed && written >= closeAfter {
				require.NoError(t, s.Close())
				closed = true
			}
			f, ok := tbl.NextOutbound()
			if !ok {
				runtime.Gosched()
				continue
			}
			switch f.Header.MessageType {
			case frame.TypeData:
				written++
			case frame.TypeHup:
				hup = true
			}
		}
		require.Equal(t, written, <-accepted, "round %d", round)
	}
}

func TestCloseRemoteWhileOpeningIsRejection(t *testing.T) {
	testlog.Start(t)
	tbl := NewTable(Config{})
	s, err := tbl.Open(KindRelay, "", nil)
	require.NoError(t, err)
	require.NoError(t, tbl.CloseRemote(s.ID(), protosession.HupNormal))

	_, err = s.Receive(context.Background())
	var hup *HangupError
	require.True(t, errors.As(err, &hup))
	require.Equal(t, protosession.HupRejected, hup.Code)
	require.ErrorIs(t, tbl.CloseRemote(s.ID(), 0), ErrSessionNotFound)
	require.ErrorIs(t, tbl.Deliver(s.ID(), []byte("x")), ErrSessionNotFound)
}

func TestResetForceClosesPreviousGeneration(t *testing.T) {
	testlog.Start(t)
	tbl := NewTable(Config{})
	var recs []*recorder
	var sessions []*Session
	for i := 0; i < 3; i++ {
		rec := &recorder{}
		s, err := tbl.Open(KindRelay, "", rec.listen)
		require.NoError(t, err)
		require.NoError(t, tbl.MarkActive(s.ID()))
		recs = append(recs, rec)
		sessions = append(sessions, s)
	}
	before := tbl.Generation()

	gen := tbl.Reset(errors.New("read: connection reset"))
	require.Equal(t, before+1, gen)
	for i, s := range sessions {
		require.Equal(t, StateClosed, s.State())
		ev := recs[i].last()
		require.Equal(t, StateClosed, ev.To)
		require.ErrorIs(t, ev.Err, ErrConnectionLost)
		require.ErrorIs(t, s.Send(context.Background(), []byte("x")), ErrSessionClosed)
	}
	require.Zero(t, tbl.Len())
	_, ok := tbl.NextOutbound()
	require.False(t, ok)

	fresh, err := tbl.Open(KindRelay, "", nil)
	require.NoError(t, err)
	require.Equal(t, gen, fresh.Generation())
	require.Equal(t, StateOpening, fresh.State())
}

func TestEnqueueUnknownSession(t *testing.T) {
	testlog.Start(t)
	tbl := NewTable(Config{})
	require.ErrorIs(t, tbl.Enqueue(context.Background(), 42, []byte("x")), ErrSessionNotFound)
}

func TestCounts(t *testing.T) {
	testlog.Start(t)
	tbl := NewTable(Config{})
	a, _ := tbl.Open(KindRelay, "", nil)
	b, _ := tbl.Open(KindRelay, "", nil)
	_, _ = tbl.Open(KindRelay, "", nil)
	require.NoError(t, tbl.MarkActive(a.ID()))
	require.NoError(t, b.Close())
	opening, active, closing := tbl.Counts()
	require.Equal(t, 1, opening)
	require.Equal(t, 1, active)
	require.Equal(t, 1, closing)
}
