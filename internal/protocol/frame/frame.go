package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	HeaderLen        = 14
	Magic     uint16 = 0xA770
	Version   uint8  = 1

	// ControlSessionID is reserved for control-type frames.
	ControlSessionID uint32 = 0
)

var (
	// ErrIncomplete asks the caller for more input. It is not a failure.
	ErrIncomplete = errors.New("frame: incomplete")
	// ErrMalformed means the stream is desynchronized and the connection must go.
	ErrMalformed = errors.New("frame: malformed")
	// ErrOversized means the declared payload exceeds the configured cap.
	ErrOversized = errors.New("frame: payload too large")
)

// MessageType is the enumerated wire tag of one frame.
type MessageType uint16

const (
	TypeData    MessageType = 0x0001
	TypeOpen    MessageType = 0x0002
	TypeOpenAck MessageType = 0x0003
	TypeHup     MessageType = 0x0004

	TypeRegister    MessageType = 0x0010
	TypeRegisterAck MessageType = 0x0011
	TypeGetStatus   MessageType = 0x0012
	TypeStatus      MessageType = 0x0013
	TypeScanRequest MessageType = 0x0014
	TypeScanReport  MessageType = 0x0015
	TypeRedirect    MessageType = 0x0016
	TypeRedirectAck MessageType = 0x0017
	TypePing        MessageType = 0x0018
	TypePong        MessageType = 0x0019
)

// IsRelay reports whether t belongs to a multiplexed session rather than the control channel.
// The relay range is 0x0001..0x000f so unknown relay types are still routed by session id.
func (t MessageType) IsRelay() bool {
	return t >= 0x0001 && t <= 0x000f
}

// Known reports whether t is part of the fixed command set.
func (t MessageType) Known() bool {
	switch t {
	case TypeData, TypeOpen, TypeOpenAck, TypeHup,
		TypeRegister, TypeRegisterAck, TypeGetStatus, TypeStatus,
		TypeScanRequest, TypeScanReport, TypeRedirect, TypeRedirectAck,
		TypePing, TypePong:
		return true
	}
	return false
}

func (t MessageType) String() string {
	switch t {
	case TypeData:
		return "data"
	case TypeOpen:
		return "open"
	case TypeOpenAck:
		return "open.ack"
	case TypeHup:
		return "hup"
	case TypeRegister:
		return "register"
	case TypeRegisterAck:
		return "register.ack"
	case TypeGetStatus:
		return "status.get"
	case TypeStatus:
		return "status"
	case TypeScanRequest:
		return "scan.request"
	case TypeScanReport:
		return "scan.report"
	case TypeRedirect:
		return "redirect"
	case TypeRedirectAck:
		return "redirect.ack"
	case TypePing:
		return "ping"
	case TypePong:
		return "pong"
	default:
		return fmt.Sprintf("unknown(0x%04x)", uint16(t))
	}
}

// Header is the fixed wire header.
type Header struct {
	MessageType MessageType
	SessionID   uint32
	PayloadLen  uint32
}

// Frame is one complete wire message.
type Frame struct {
	Header  Header
	Payload []byte
}

// New builds a frame with a consistent payload length.
func New(sessionID uint32, messageType MessageType, payload []byte) Frame {
	return Frame{
		Header: Header{
			MessageType: messageType,
			SessionID:   sessionID,
			PayloadLen:  uint32(len(payload)),
		},
		Payload: payload,
	}
}

// Limits constrains frame decode/encode memory use.
type Limits struct {
	MaxPayloadBytes uint32
}

func DefaultLimits() Limits {
	return Limits{
		MaxPayloadBytes: 1024 * 1024,
	}
}

// IsFatal reports whether err must terminate the connection.
func IsFatal(err error) bool {
	return errors.Is(err, ErrMalformed) || errors.Is(err, ErrOversized)
}

// Encode returns the wire bytes for one frame.
func Encode(sessionID uint32, messageType MessageType, payload []byte) []byte {
	buf := make([]byte, HeaderLen+len(payload))
	putHeader(buf, Header{
		MessageType: messageType,
		SessionID:   sessionID,
		PayloadLen:  uint32(len(payload)),
	})
	copy(buf[HeaderLen:], payload)
	return buf
}

// WriteFrame validates f against limits and writes it to w.
func WriteFrame(w io.Writer, f Frame, limits Limits) error {
	if uint64(len(f.Payload)) > uint64(limits.MaxPayloadBytes) {
		return fmt.Errorf("%w: %d > %d", ErrOversized, len(f.Payload), limits.MaxPayloadBytes)
	}
	if err := validateRouting(f.Header.MessageType, f.Header.SessionID); err != nil {
		return err
	}
	var hb [HeaderLen]byte
	putHeader(hb[:], Header{
		MessageType: f.Header.MessageType,
		SessionID:   f.Header.SessionID,
		PayloadLen:  uint32(len(f.Payload)),
	})
	if _, err := w.Write(hb[:]); err != nil {
		return err
	}
	if len(f.Payload) > 0 {
		if _, err := w.Write(f.Payload); err != nil {
			return err
		}
	}
	return nil
}

// ReadFrame reads exactly one frame from r. A stream ending inside a frame
// yields ErrIncomplete wrapped with the underlying io error.
func ReadFrame(r io.Reader, limits Limits) (Frame, error) {
	var hb [HeaderLen]byte
	if _, err := io.ReadFull(r, hb[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, fmt.Errorf("%w: %w", ErrIncomplete, err)
		}
		return Frame{}, err
	}
	h, err := DecodeHeader(hb[:], limits)
	if err != nil {
		return Frame{}, err
	}
	payload := make([]byte, h.PayloadLen)
	if h.PayloadLen > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
				return Frame{}, fmt.Errorf("%w: %w", ErrIncomplete, io.ErrUnexpectedEOF)
			}
			return Frame{}, err
		}
	}
	return Frame{Header: h, Payload: payload}, nil
}

// DecodeHeader parses and validates one fixed header.
func DecodeHeader(b []byte, limits Limits) (Header, error) {
	if len(b) != HeaderLen {
		return Header{}, fmt.Errorf("%w: header length %d", ErrMalformed, len(b))
	}
	if m := binary.BigEndian.Uint16(b[0:2]); m != Magic {
		return Header{}, fmt.Errorf("%w: bad magic 0x%04x", ErrMalformed, m)
	}
	if b[2] != Version {
		return Header{}, fmt.Errorf("%w: unsupported version %d", ErrMalformed, b[2])
	}
	if b[3] != 0 {
		return Header{}, fmt.Errorf("%w: reserved byte set", ErrMalformed)
	}
	h := Header{
		MessageType: MessageType(binary.BigEndian.Uint16(b[4:6])),
		SessionID:   binary.BigEndian.Uint32(b[6:10]),
		PayloadLen:  binary.BigEndian.Uint32(b[10:14]),
	}
	if h.MessageType == 0 {
		return Header{}, fmt.Errorf("%w: zero message type", ErrMalformed)
	}
	if err := validateRouting(h.MessageType, h.SessionID); err != nil {
		return Header{}, err
	}
	if h.PayloadLen > limits.MaxPayloadBytes {
		return Header{}, fmt.Errorf("%w: %d > %d", ErrOversized, h.PayloadLen, limits.MaxPayloadBytes)
	}
	return h, nil
}

func validateRouting(t MessageType, sessionID uint32) error {
	if t == 0 {
		return fmt.Errorf("%w: zero message type", ErrMalformed)
	}
	if t.IsRelay() && sessionID == ControlSessionID {
		return fmt.Errorf("%w: %s frame on control session", ErrMalformed, t)
	}
	if !t.IsRelay() && sessionID != ControlSessionID {
		return fmt.Errorf("%w: %s frame on session %d", ErrMalformed, t, sessionID)
	}
	return nil
}

func putHeader(buf []byte, h Header) {
	binary.BigEndian.PutUint16(buf[0:2], Magic)
	buf[2] = Version
	buf[3] = 0
	binary.BigEndian.PutUint16(buf[4:6], uint16(h.MessageType))
	binary.BigEndian.PutUint32(buf[6:10], h.SessionID)
	binary.BigEndian.PutUint32(buf[10:14], h.PayloadLen)
}
