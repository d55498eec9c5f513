package schema

import (
	"testing"

	"github.com/danmuck/edgelink/internal/protocol/frame"
	"github.com/danmuck/edgelink/internal/protocol/tlv"
	"github.com/danmuck/edgelink/internal/testutil/testlog"
)

func TestValidateRegisterAckRequiredFields(t *testing.T) {
	testlog.Start(t)
	fields := []tlv.Field{
		tlv.String(FieldStatus, "ok"),
		tlv.String(FieldIdentity, "edge.7"),
		tlv.U64(FieldTimestampMS, 1),
		tlv.String(9999, "ignored"),
	}
	if err := Validate(frame.TypeRegisterAck, fields); err != nil {
		t.Fatalf("validate register.ack: %v", err)
	}
}

func TestValidateMissingFieldDeterministic(t *testing.T) {
	testlog.Start(t)
	fields := []tlv.Field{
		tlv.String(FieldStatus, "ok"),
		tlv.String(FieldIdentity, "edge.7"),
	}
	err := Validate(frame.TypeRegisterAck, fields)
	if err == nil {
		t.Fatalf("expected error")
	}
	ve, ok := err.(ValidationError)
	if !ok {
		t.Fatalf("expected ValidationError, got %T", err)
	}
	if ve.FieldID != FieldTimestampMS || ve.Reason != "missing required field" {
		t.Fatalf("unexpected validation error: %+v", ve)
	}
}

func TestValidateTypeMismatchDeterministic(t *testing.T) {
	testlog.Start(t)
	fields := []tlv.Field{
		tlv.U32(FieldAddress, 1),
	}
	err := Validate(frame.TypeRedirect, fields)
	ve, ok := err.(ValidationError)
	if !ok {
		t.Fatalf("expected ValidationError, got %T", err)
	}
	if ve.FieldID != FieldAddress || ve.Reason != "type mismatch" {
		t.Fatalf("unexpected validation error: %+v", ve)
	}
}

func TestValidateEmptyPayloadMessages(t *testing.T) {
	testlog.Start(t)
	for _, mt := range []frame.MessageType{frame.TypeGetStatus, frame.TypeScanRequest} {
		if err := Validate(mt, nil); err != nil {
			t.Fatalf("%s: %v", mt, err)
		}
	}
}

func TestValidateUnknownMessageType(t *testing.T) {
	testlog.Start(t)
	err := Validate(frame.MessageType(0x0777), nil)
	ve, ok := err.(ValidationError)
	if !ok || ve.Reason != "unknown message_type" {
		t.Fatalf("expected unknown message_type, got %v", err)
	}
}
