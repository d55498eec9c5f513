package services

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"time"
)

var (
	ErrInvalidRecord  = errors.New("services: invalid record")
	ErrShortRecord    = errors.New("services: short record")
	ErrUnterminated   = errors.New("services: unterminated path")
	ErrBadIPVersion   = errors.New("services: bad ip version")
	ErrMissingControl = errors.New("services: missing control record")
)

// fixed part after the id: category, mac, ip version, ip, port, last seen
const recordFixedLen = 2 + 6 + 1 + 16 + 2 + 8

// EncodeTable serializes records for a ScanReport. The list always ends with
// the control-protocol record.
func EncodeTable(records []Record) ([]byte, error) {
	var buf bytes.Buffer
	for i, r := range records {
		if err := appendRecord(&buf, r); err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
	}
	if err := appendRecord(&buf, Record{Category: CategoryControlProtocol}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func appendRecord(buf *bytes.Buffer, r Record) error {
	if len(r.ID) > 255 {
		return fmt.Errorf("%w: id length %d", ErrInvalidRecord, len(r.ID))
	}
	if strings.IndexByte(r.Path, 0) >= 0 {
		return fmt.Errorf("%w: NUL in path", ErrInvalidRecord)
	}
	buf.WriteByte(byte(len(r.ID)))
	buf.WriteString(r.ID)

	var fixed [recordFixedLen]byte
	binary.BigEndian.PutUint16(fixed[0:2], uint16(r.Category))
	copy(fixed[2:8], r.MAC)
	addr := r.Addr.Addr()
	switch {
	case addr.Is4():
		fixed[8] = 4
		ip := addr.As4()
		copy(fixed[9:13], ip[:])
	case addr.Is6():
		fixed[8] = 6
		ip := addr.As16()
		copy(fixed[9:25], ip[:])
	}
	binary.BigEndian.PutUint16(fixed[25:27], r.Addr.Port())
	var seen uint64
	if !r.LastSeen.IsZero() {
		seen = uint64(r.LastSeen.UnixMilli())
	}
	binary.BigEndian.PutUint64(fixed[27:35], seen)
	buf.Write(fixed[:])

	buf.WriteString(r.Path)
	buf.WriteByte(0)
	return nil
}

// DecodeTable parses a ScanReport payload and drops the trailing control record.
func DecodeTable(payload []byte) ([]Record, error) {
	var out []Record
	sawControl := false
	for i := 0; i < len(payload); {
		if sawControl {
			return nil, fmt.Errorf("%w: data after control record", ErrInvalidRecord)
		}
		idLen := int(payload[i])
		i++
		if len(payload)-i < idLen+recordFixedLen {
			return nil, ErrShortRecord
		}
		r := Record{ID: string(payload[i : i+idLen])}
		i += idLen
		fixed := payload[i : i+recordFixedLen]
		i += recordFixedLen

		r.Category = Category(binary.BigEndian.Uint16(fixed[0:2]))
		var zeroMAC [6]byte
		if !bytes.Equal(fixed[2:8], zeroMAC[:]) {
			r.MAC = net.HardwareAddr(bytes.Clone(fixed[2:8]))
		}
		port := binary.BigEndian.Uint16(fixed[25:27])
		switch fixed[8] {
		case 0:
		case 4:
			r.Addr = netip.AddrPortFrom(netip.AddrFrom4([4]byte(fixed[9:13])), port)
		case 6:
			r.Addr = netip.AddrPortFrom(netip.AddrFrom16([16]byte(fixed[9:25])), port)
		default:
			return nil, fmt.Errorf("%w: %d", ErrBadIPVersion, fixed[8])
		}
		if ms := binary.BigEndian.Uint64(fixed[27:35]); ms != 0 {
			r.LastSeen = time.UnixMilli(int64(ms))
		}

		end := bytes.IndexByte(payload[i:], 0)
		if end < 0 {
			return nil, ErrUnterminated
		}
		r.Path = string(payload[i : i+end])
		i += end + 1

		if r.Category == CategoryControlProtocol && r.ID == "" {
			sawControl = true
			continue
		}
		out = append(out, r)
	}
	if !sawControl {
		return nil, ErrMissingControl
	}
	return out, nil
}
