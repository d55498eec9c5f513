package schema

import (
	"fmt"

	"github.com/danmuck/edgelink/internal/protocol/frame"
	"github.com/danmuck/edgelink/internal/protocol/tlv"
	"github.com/rs/zerolog/log"
)

// Field IDs from the control payload contract.
const (
	FieldClientID   uint16 = 1
	FieldCredential uint16 = 2
	FieldVersion    uint16 = 3
	FieldIdentity   uint16 = 4
	FieldToken      uint16 = 5

	FieldStatus  uint16 = 100
	FieldCode    uint16 = 101
	FieldMessage uint16 = 102

	FieldSessionsActive  uint16 = 200
	FieldSessionsOpening uint16 = 201
	FieldSessionsClosing uint16 = 202
	FieldGeneration      uint16 = 203
	FieldUptimeMS        uint16 = 204
	FieldReconnects      uint16 = 205
	FieldScanInProgress  uint16 = 206
	FieldServiceCount    uint16 = 207
	FieldHealthy         uint16 = 208

	FieldAddress uint16 = 300

	FieldTimestampMS uint16 = 400
	FieldNonce       uint16 = 401

	FieldKind      uint16 = 500
	FieldServiceID uint16 = 501
)

type Requirement struct {
	ID   uint16
	Type uint8
}

type ValidationError struct {
	MessageType frame.MessageType
	FieldID     uint16
	Reason      string
}

func (e ValidationError) Error() string {
	if e.FieldID == 0 {
		return fmt.Sprintf("schema: message_type=%s: %s", e.MessageType, e.Reason)
	}
	return fmt.Sprintf("schema: message_type=%s field=%d: %s", e.MessageType, e.FieldID, e.Reason)
}

var requirements = map[frame.MessageType][]Requirement{
	frame.TypeOpen: {
		{FieldKind, tlv.TypeU8},
	},
	frame.TypeRegister: {
		{FieldClientID, tlv.TypeString},
	},
	frame.TypeRegisterAck: {
		{FieldStatus, tlv.TypeString},
		{FieldIdentity, tlv.TypeString},
		{FieldTimestampMS, tlv.TypeU64},
	},
	frame.TypeGetStatus: {},
	frame.TypeStatus: {
		{FieldIdentity, tlv.TypeString},
		{FieldSessionsActive, tlv.TypeU32},
		{FieldGeneration, tlv.TypeU64},
		{FieldHealthy, tlv.TypeBool},
	},
	frame.TypeScanRequest: {},
	frame.TypeRedirect: {
		{FieldAddress, tlv.TypeString},
	},
	frame.TypeRedirectAck: {
		{FieldAddress, tlv.TypeString},
	},
	frame.TypePing: {
		{FieldNonce, tlv.TypeU64},
	},
	frame.TypePong: {
		{FieldNonce, tlv.TypeU64},
	},
}

// Validate enforces required fields and required field types for a message type.
// Unknown fields are ignored by design.
func Validate(messageType frame.MessageType, fields []tlv.Field) error {
	log.Trace().Stringer("message_type", messageType).Int("fields", len(fields)).Msg("schema.Validate")
	reqs, ok := requirements[messageType]
	if !ok {
		log.Debug().Stringer("message_type", messageType).Msg("schema.Validate unknown message_type")
		return ValidationError{MessageType: messageType, Reason: "unknown message_type"}
	}
	for _, req := range reqs {
		f, found := tlv.GetField(fields, req.ID)
		if !found {
			log.Debug().
				Stringer("message_type", messageType).
				Uint16("field_id", req.ID).
				Msg("schema.Validate missing field")
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "missing required field"}
		}
		if f.Type != req.Type {
			log.Debug().
				Stringer("message_type", messageType).
				Uint16("field_id", req.ID).
				Uint8("got", f.Type).
				Uint8("want", req.Type).
				Msg("schema.Validate type mismatch")
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "type mismatch"}
		}
	}
	return nil
}
