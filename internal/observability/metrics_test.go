package observability

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestRecordersUpdateCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	states := []string{"disconnected", "connecting", "connected"}
	m.SetState("connecting", states)
	m.SetState("connected", states)
	require.Equal(t, 1.0, testutil.ToFloat64(m.connState.WithLabelValues("connected")))
	require.Equal(t, 0.0, testutil.ToFloat64(m.connState.WithLabelValues("connecting")))

	m.Failure("auth", 2*time.Second)
	m.Failure("auth", 4*time.Second)
	require.Equal(t, 2.0, testutil.ToFloat64(m.reconnects.WithLabelValues("auth")))
	require.Equal(t, 4.0, testutil.ToFloat64(m.backoff))

	m.ScanCompleted(time.Millisecond, 3, nil)
	m.ScanCompleted(time.Millisecond, 0, errors.New("boom"))
	require.Equal(t, 3.0, testutil.ToFloat64(m.services))
	require.Equal(t, 1.0, testutil.ToFloat64(m.scans.WithLabelValues("error")))
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.SetState("connected", []string{"connected"})
	m.Failure("transport", time.Second)
	m.FramingError("malformed")
	m.ProtocolWarning("unknown(0x0777)")
	m.Frame("in", "data")
	m.SetActiveSessions(2)
	m.SessionClosed("normal")
	m.ScanCompleted(time.Second, 1, nil)
}

func TestDefaultIsIdempotent(t *testing.T) {
	require.Same(t, Default(), Default())
}
