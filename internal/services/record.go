// Package services holds the discovered-service table consumed by the
// control dispatcher. The scanner owns the records; everyone else reads
// immutable snapshots.
package services

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"net"
	"net/netip"
	"time"
)

// Category classifies a discovered service.
type Category uint16

const (
	CategoryControlProtocol Category = 0x0000
	CategoryRTSP            Category = 0x0001
	CategoryLockedRTSP      Category = 0x0002
	CategoryUnknownRTSP     Category = 0x0003
	CategoryUnsupportedRTSP Category = 0x0004
	CategoryHTTP            Category = 0x0005
	CategoryMJPEG           Category = 0x0006
	CategoryLockedMJPEG     Category = 0x0007
	CategoryTCP             Category = 0xffff
)

// Known reports whether c is one of the defined categories.
func (c Category) Known() bool {
	switch c {
	case CategoryControlProtocol, CategoryRTSP, CategoryLockedRTSP, CategoryUnknownRTSP,
		CategoryUnsupportedRTSP, CategoryHTTP, CategoryMJPEG, CategoryLockedMJPEG, CategoryTCP:
		return true
	}
	return false
}

func (c Category) String() string {
	switch c {
	case CategoryControlProtocol:
		return "control"
	case CategoryRTSP:
		return "rtsp"
	case CategoryLockedRTSP:
		return "rtsp.locked"
	case CategoryUnknownRTSP:
		return "rtsp.unknown"
	case CategoryUnsupportedRTSP:
		return "rtsp.unsupported"
	case CategoryHTTP:
		return "http"
	case CategoryMJPEG:
		return "mjpeg"
	case CategoryLockedMJPEG:
		return "mjpeg.locked"
	case CategoryTCP:
		return "tcp"
	default:
		return fmt.Sprintf("unknown(0x%04x)", uint16(c))
	}
}

// Record is one discovered service.
type Record struct {
	ID       string
	Category Category
	MAC      net.HardwareAddr
	Addr     netip.AddrPort
	Path     string
	LastSeen time.Time
}

// NewRecord builds a record whose ID is derived from its content.
func NewRecord(category Category, mac net.HardwareAddr, addr netip.AddrPort, path string, seen time.Time) Record {
	return Record{
		ID:       RecordID(category, mac, addr, path),
		Category: category,
		MAC:      mac,
		Addr:     addr,
		Path:     path,
		LastSeen: seen,
	}
}

// RecordID is a stable token for a service: the same device, port, category
// and path always map to the same id, independent of discovery order.
func RecordID(category Category, mac net.HardwareAddr, addr netip.AddrPort, path string) string {
	h := sha256.New()
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], uint16(category))
	h.Write(b[:])
	h.Write(mac)
	ip := addr.Addr().As16()
	h.Write(ip[:])
	binary.BigEndian.PutUint16(b[:], addr.Port())
	h.Write(b[:])
	h.Write([]byte(path))
	sum := h.Sum(nil)
	return hex.EncodeToString(sum[:12])
}
