package session

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/danmuck/edgelink/internal/protocol/frame"
	"github.com/danmuck/edgelink/internal/protocol/schema"
	"github.com/danmuck/edgelink/internal/protocol/tlv"
)

const (
	AckStatusAccepted = "accepted"
	AckStatusRejected = "rejected"
)

// Hup error codes.
const (
	HupNormal   uint32 = 0
	HupRejected uint32 = 1
	HupOverflow uint32 = 2
	HupError    uint32 = 3
)

var (
	ErrInvalidRegistration    = errors.New("session: invalid registration")
	ErrInvalidRegistrationAck = errors.New("session: invalid registration ack")
	ErrInvalidPayload         = errors.New("session: invalid control payload")
	ErrUnexpectedMessage      = errors.New("session: unexpected message type")
)

// Registration is the client->gateway session-start payload.
type Registration struct {
	ClientID   string
	Credential string
	Version    string
	// Token is the last token the gateway issued, empty on first contact.
	Token string
}

func (r Registration) Validate() error {
	if strings.TrimSpace(r.ClientID) == "" {
		return fmt.Errorf("%w: missing client_id", ErrInvalidRegistration)
	}
	return nil
}

func (r Registration) Encode() []byte {
	fields := []tlv.Field{tlv.String(schema.FieldClientID, r.ClientID)}
	if r.Credential != "" {
		fields = append(fields, tlv.String(schema.FieldCredential, r.Credential))
	}
	if r.Version != "" {
		fields = append(fields, tlv.String(schema.FieldVersion, r.Version))
	}
	if r.Token != "" {
		fields = append(fields, tlv.String(schema.FieldToken, r.Token))
	}
	return tlv.EncodeFields(fields)
}

func DecodeRegistration(payload []byte) (Registration, error) {
	fields, err := decodeControl(frame.TypeRegister, payload)
	if err != nil {
		return Registration{}, err
	}
	reg := Registration{
		ClientID:   optString(fields, schema.FieldClientID),
		Credential: optString(fields, schema.FieldCredential),
		Version:    optString(fields, schema.FieldVersion),
		Token:      optString(fields, schema.FieldToken),
	}
	return reg, reg.Validate()
}

// RegistrationAck is the registration response. Either side may send one:
// the gateway answers Register, the client answers a renewal Register.
type RegistrationAck struct {
	Status      string
	Code        uint32
	Message     string
	Identity    string
	Token       string
	TimestampMS uint64
}

func (a RegistrationAck) Accepted() bool {
	return a.Status == AckStatusAccepted
}

func (a RegistrationAck) Validate() error {
	status := strings.TrimSpace(a.Status)
	if status != AckStatusAccepted && status != AckStatusRejected {
		return fmt.Errorf("%w: invalid status", ErrInvalidRegistrationAck)
	}
	if strings.TrimSpace(a.Identity) == "" {
		return fmt.Errorf("%w: missing identity", ErrInvalidRegistrationAck)
	}
	if a.TimestampMS == 0 {
		return fmt.Errorf("%w: missing timestamp_ms", ErrInvalidRegistrationAck)
	}
	return nil
}

func (a RegistrationAck) Encode() []byte {
	fields := []tlv.Field{
		tlv.String(schema.FieldStatus, a.Status),
		tlv.String(schema.FieldIdentity, a.Identity),
		tlv.U64(schema.FieldTimestampMS, a.TimestampMS),
		tlv.U32(schema.FieldCode, a.Code),
	}
	if a.Message != "" {
		fields = append(fields, tlv.String(schema.FieldMessage, a.Message))
	}
	if a.Token != "" {
		fields = append(fields, tlv.String(schema.FieldToken, a.Token))
	}
	return tlv.EncodeFields(fields)
}

func DecodeRegistrationAck(payload []byte) (RegistrationAck, error) {
	fields, err := decodeControl(frame.TypeRegisterAck, payload)
	if err != nil {
		return RegistrationAck{}, err
	}
	ack := RegistrationAck{
		Status:      optString(fields, schema.FieldStatus),
		Code:        optU32(fields, schema.FieldCode),
		Message:     optString(fields, schema.FieldMessage),
		Identity:    optString(fields, schema.FieldIdentity),
		Token:       optString(fields, schema.FieldToken),
		TimestampMS: optU64(fields, schema.FieldTimestampMS),
	}
	return ack, ack.Validate()
}

func WriteRegistration(w io.Writer, reg Registration, limits frame.Limits) error {
	if err := reg.Validate(); err != nil {
		return err
	}
	return frame.WriteFrame(w, frame.New(frame.ControlSessionID, frame.TypeRegister, reg.Encode()), limits)
}

func ReadRegistration(r io.Reader, limits frame.Limits) (Registration, error) {
	f, err := readExpected(r, limits, frame.TypeRegister)
	if err != nil {
		return Registration{}, err
	}
	return DecodeRegistration(f.Payload)
}

func WriteRegistrationAck(w io.Writer, ack RegistrationAck, limits frame.Limits) error {
	if err := ack.Validate(); err != nil {
		return err
	}
	return frame.WriteFrame(w, frame.New(frame.ControlSessionID, frame.TypeRegisterAck, ack.Encode()), limits)
}

func ReadRegistrationAck(r io.Reader, limits frame.Limits) (RegistrationAck, error) {
	f, err := readExpected(r, limits, frame.TypeRegisterAck)
	if err != nil {
		return RegistrationAck{}, err
	}
	return DecodeRegistrationAck(f.Payload)
}

// Status is the client health summary returned for GetStatus.
type Status struct {
	Identity        string
	SessionsActive  uint32
	SessionsOpening uint32
	SessionsClosing uint32
	Generation      uint64
	UptimeMS        uint64
	Reconnects      uint64
	ScanInProgress  bool
	ServiceCount    uint32
	Healthy         bool
}

func (s Status) Encode() []byte {
	return tlv.EncodeFields([]tlv.Field{
		tlv.String(schema.FieldIdentity, s.Identity),
		tlv.U32(schema.FieldSessionsActive, s.SessionsActive),
		tlv.U32(schema.FieldSessionsOpening, s.SessionsOpening),
		tlv.U32(schema.FieldSessionsClosing, s.SessionsClosing),
		tlv.U64(schema.FieldGeneration, s.Generation),
		tlv.U64(schema.FieldUptimeMS, s.UptimeMS),
		tlv.U64(schema.FieldReconnects, s.Reconnects),
		tlv.Bool(schema.FieldScanInProgress, s.ScanInProgress),
		tlv.U32(schema.FieldServiceCount, s.ServiceCount),
		tlv.Bool(schema.FieldHealthy, s.Healthy),
	})
}

func DecodeStatus(payload []byte) (Status, error) {
	fields, err := decodeControl(frame.TypeStatus, payload)
	if err != nil {
		return Status{}, err
	}
	return Status{
		Identity:        optString(fields, schema.FieldIdentity),
		SessionsActive:  optU32(fields, schema.FieldSessionsActive),
		SessionsOpening: optU32(fields, schema.FieldSessionsOpening),
		SessionsClosing: optU32(fields, schema.FieldSessionsClosing),
		Generation:      optU64(fields, schema.FieldGeneration),
		UptimeMS:        optU64(fields, schema.FieldUptimeMS),
		Reconnects:      optU64(fields, schema.FieldReconnects),
		ScanInProgress:  optBool(fields, schema.FieldScanInProgress),
		ServiceCount:    optU32(fields, schema.FieldServiceCount),
		Healthy:         optBool(fields, schema.FieldHealthy),
	}, nil
}

// Redirect names the alternate gateway address. RedirectAck echoes it.
type Redirect struct {
	Address string
}

func (r Redirect) Encode() []byte {
	return tlv.EncodeFields([]tlv.Field{tlv.String(schema.FieldAddress, r.Address)})
}

func DecodeRedirect(mt frame.MessageType, payload []byte) (Redirect, error) {
	fields, err := decodeControl(mt, payload)
	if err != nil {
		return Redirect{}, err
	}
	addr := strings.TrimSpace(optString(fields, schema.FieldAddress))
	if addr == "" {
		return Redirect{}, fmt.Errorf("%w: empty redirect address", ErrInvalidPayload)
	}
	return Redirect{Address: addr}, nil
}

// Ping carries a nonce that the matching Pong echoes.
type Ping struct {
	Nonce uint64
}

func (p Ping) Encode() []byte {
	return tlv.EncodeFields([]tlv.Field{tlv.U64(schema.FieldNonce, p.Nonce)})
}

func DecodePing(mt frame.MessageType, payload []byte) (Ping, error) {
	fields, err := decodeControl(mt, payload)
	if err != nil {
		return Ping{}, err
	}
	return Ping{Nonce: optU64(fields, schema.FieldNonce)}, nil
}

// Open is the first frame of a relay session.
type Open struct {
	Kind      uint8
	ServiceID string
}

func (o Open) Encode() []byte {
	fields := []tlv.Field{tlv.U8(schema.FieldKind, o.Kind)}
	if o.ServiceID != "" {
		fields = append(fields, tlv.String(schema.FieldServiceID, o.ServiceID))
	}
	return tlv.EncodeFields(fields)
}

func DecodeOpen(payload []byte) (Open, error) {
	fields, err := decodeControl(frame.TypeOpen, payload)
	if err != nil {
		return Open{}, err
	}
	kind, _ := tlv.GetField(fields, schema.FieldKind)
	k, err := kind.AsU8()
	if err != nil {
		return Open{}, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	return Open{Kind: k, ServiceID: optString(fields, schema.FieldServiceID)}, nil
}

// EncodeHup returns the 4-byte Hup payload.
func EncodeHup(code uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, code)
	return buf
}

// DecodeHup reads a Hup code. An empty payload is a normal hangup.
func DecodeHup(payload []byte) (uint32, error) {
	switch len(payload) {
	case 0:
		return HupNormal, nil
	case 4:
		return binary.BigEndian.Uint32(payload), nil
	default:
		return HupError, fmt.Errorf("%w: hup length %d", ErrInvalidPayload, len(payload))
	}
}

func HupReason(code uint32) string {
	switch code {
	case HupNormal:
		return "normal"
	case HupRejected:
		return "rejected"
	case HupOverflow:
		return "overflow"
	case HupError:
		return "error"
	default:
		return fmt.Sprintf("code(%d)", code)
	}
}

func readExpected(r io.Reader, limits frame.Limits, want frame.MessageType) (frame.Frame, error) {
	f, err := frame.ReadFrame(r, limits)
	if err != nil {
		return frame.Frame{}, err
	}
	if f.Header.MessageType != want {
		return frame.Frame{}, fmt.Errorf("%w: got %s want %s", ErrUnexpectedMessage, f.Header.MessageType, want)
	}
	return f, nil
}

func decodeControl(mt frame.MessageType, payload []byte) ([]tlv.Field, error) {
	fields, err := tlv.DecodeFields(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	if err := schema.Validate(mt, fields); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	return fields, nil
}

func optString(fields []tlv.Field, id uint16) string {
	f, ok := tlv.GetField(fields, id)
	if !ok {
		return ""
	}
	v, _ := f.AsString()
	return v
}

func optU32(fields []tlv.Field, id uint16) uint32 {
	f, ok := tlv.GetField(fields, id)
	if !ok {
		return 0
	}
	v, _ := f.AsU32()
	return v
}

func optU64(fields []tlv.Field, id uint16) uint64 {
	f, ok := tlv.GetField(fields, id)
	if !ok {
		return 0
	}
	v, _ := f.AsU64()
	return v
}

func optBool(fields []tlv.Field, id uint16) bool {
	f, ok := tlv.GetField(fields, id)
	if !ok {
		return false
	}
	v, _ := f.AsBool()
	return v
}
