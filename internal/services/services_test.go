package services

import (
	"errors"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func sampleRecords() []Record {
	seen := time.UnixMilli(1700000000123)
	mac := net.HardwareAddr{0x00, 0x1a, 0x2b, 0x3c, 0x4d, 0x5e}
	return []Record{
		NewRecord(CategoryRTSP, mac, netip.MustParseAddrPort("192.168.1.20:554"), "/stream1", seen),
		NewRecord(CategoryHTTP, nil, netip.MustParseAddrPort("[fd00::7]:80"), "", seen),
		NewRecord(Category(0x0042), nil, netip.MustParseAddrPort("192.168.1.21:9000"), "", seen),
	}
}

func TestRecordIDIsContentDerived(t *testing.T) {
	addr := netip.MustParseAddrPort("10.0.0.5:554")
	a := RecordID(CategoryRTSP, nil, addr, "/live")
	b := RecordID(CategoryRTSP, nil, addr, "/live")
	c := RecordID(CategoryRTSP, nil, addr, "/other")
	require.Equal(t, a, b)
	require.NotEqual(t, a, c)
	require.Len(t, a, 24)
}

func TestEncodeDecodeTable(t *testing.T) {
	in := sampleRecords()
	payload, err := EncodeTable(in)
	require.NoError(t, err)

	out, err := DecodeTable(payload)
	require.NoError(t, err)
	require.Len(t, out, len(in))
	for i := range in {
		require.Equal(t, in[i].ID, out[i].ID)
		require.Equal(t, in[i].Category, out[i].Category)
		require.Equal(t, in[i].Addr, out[i].Addr)
		require.Equal(t, in[i].Path, out[i].Path)
		require.True(t, in[i].LastSeen.Equal(out[i].LastSeen))
		require.Equal(t, in[i].MAC.String(), out[i].MAC.String())
	}
}

func TestEncodeTableEndsWithControlRecord(t *testing.T) {
	payload, err := EncodeTable(nil)
	require.NoError(t, err)
	require.Len(t, payload, 1+recordFixedLen+1)
	require.Equal(t, byte(0), payload[0])

	out, err := DecodeTable(payload)
	require.NoError(t, err)
	require.Empty(t, out)
}

func TestDecodeTableRejectsTruncated(t *testing.T) {
	payload, err := EncodeTable(sampleRecords())
	require.NoError(t, err)
	_, err = DecodeTable(payload[:len(payload)-1])
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrUnterminated) || errors.Is(err, ErrShortRecord) || errors.Is(err, ErrMissingControl))
}

func TestEncodeTableRejectsNULInPath(t *testing.T) {
	_, err := EncodeTable([]Record{{ID: "x", Path: "a\x00b"}})
	require.ErrorIs(t, err, ErrInvalidRecord)
}

func TestFilterUnknownCategories(t *testing.T) {
	recs := sampleRecords()
	require.Len(t, Filter{}.Apply(recs), 2)
	require.Len(t, Filter{IncludeUnknown: true}.Apply(recs), 3)
	require.Len(t, recs, 3)
}

func TestSnapshotConcurrentReaders(t *testing.T) {
	var s Snapshot
	recs, at := s.Load()
	require.Nil(t, recs)
	require.True(t, at.IsZero())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				got, _ := s.Load()
				if got != nil && len(got) != 3 {
					t.Errorf("torn snapshot: %d records", len(got))
					return
				}
			}
		}()
	}
	src := sampleRecords()
	for j := 0; j < 50; j++ {
		s.Store(src, time.Now())
	}
	wg.Wait()

	src[0].Path = "/mutated"
	got, _ := s.Load()
	require.Equal(t, "/stream1", got[0].Path)
}
