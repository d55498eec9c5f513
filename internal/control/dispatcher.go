// Package control interprets control-channel frames. Dispatch runs on the
// connection's read path, so every handler answers from memory and never
// waits on session I/O.
package control

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/edgelink/internal/protocol/frame"
	"github.com/danmuck/edgelink/internal/protocol/session"
	"github.com/danmuck/edgelink/internal/services"
	"github.com/rs/zerolog/log"
)

var (
	// ErrUnknownMessageType is a protocol warning: the frame is dropped and the
	// connection stays up.
	ErrUnknownMessageType = errors.New("control: unknown message type")
	// ErrUnexpectedDirection marks a known client-to-gateway message received
	// from the gateway.
	ErrUnexpectedDirection = errors.New("control: unexpected message direction")
	ErrRedirectRefused     = errors.New("control: redirect refused")
)

// IsWarning reports whether err from Dispatch is a recoverable protocol
// warning. Every Dispatch error is one; the helper keeps call sites explicit.
func IsWarning(err error) bool {
	return err != nil && !frame.IsFatal(err)
}

// Identity stores the identity and token assigned by the gateway.
type Identity interface {
	Identity() string
	Renew(identity, token string)
}

// StatusSource produces the GetStatus summary.
type StatusSource interface {
	Status() session.Status
}

// Redirector closes the current transport and reconnects to addr.
type Redirector interface {
	Redirect(addr string) error
}

type Deps struct {
	Services   services.Table
	Filter     services.Filter
	Identity   Identity
	Status     StatusSource
	Redirector Redirector
	Now        func() time.Time
}

// Dispatcher is stateless: all side effects go through Deps.
type Dispatcher struct {
	deps Deps
}

func New(deps Deps) *Dispatcher {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Services == nil {
		deps.Services = services.Static(nil)
	}
	return &Dispatcher{deps: deps}
}

// Dispatch handles one control frame and returns the frames to send back.
func (d *Dispatcher) Dispatch(ctx context.Context, f frame.Frame) ([]frame.Frame, error) {
	mt := f.Header.MessageType
	log.Trace().Stringer("message_type", mt).Uint32("payload_len", f.Header.PayloadLen).Msg("control.Dispatcher.Dispatch")
	switch mt {
	case frame.TypeRegister:
		return d.handleRegister(f.Payload)
	case frame.TypeRegisterAck:
		return d.handleRegisterAck(f.Payload)
	case frame.TypeGetStatus:
		return d.handleGetStatus()
	case frame.TypeScanRequest:
		return d.handleScanRequest()
	case frame.TypeRedirect:
		return d.handleRedirect(f.Payload)
	case frame.TypePing:
		return d.handlePing(f.Payload)
	case frame.TypePong:
		if _, err := session.DecodePing(mt, f.Payload); err != nil {
			return nil, err
		}
		return nil, nil
	case frame.TypeStatus, frame.TypeScanReport, frame.TypeRedirectAck:
		return nil, fmt.Errorf("%w: %s", ErrUnexpectedDirection, mt)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownMessageType, mt)
	}
}

// handleRegister renews the client identity on gateway request.
func (d *Dispatcher) handleRegister(payload []byte) ([]frame.Frame, error) {
	reg, err := session.DecodeRegistration(payload)
	if err != nil {
		return nil, err
	}
	if d.deps.Identity != nil {
		d.deps.Identity.Renew(reg.ClientID, reg.Token)
	}
	log.Info().Str("identity", reg.ClientID).Msg("control.Dispatcher.handleRegister renewed")
	ack := session.RegistrationAck{
		Status:      session.AckStatusAccepted,
		Identity:    reg.ClientID,
		TimestampMS: uint64(d.deps.Now().UnixMilli()),
	}
	return []frame.Frame{control(frame.TypeRegisterAck, ack.Encode())}, nil
}

// handleRegisterAck accepts an unsolicited ack carrying a fresh token.
func (d *Dispatcher) handleRegisterAck(payload []byte) ([]frame.Frame, error) {
	ack, err := session.DecodeRegistrationAck(payload)
	if err != nil {
		return nil, err
	}
	if ack.Accepted() && d.deps.Identity != nil {
		d.deps.Identity.Renew(ack.Identity, ack.Token)
	}
	return nil, nil
}

func (d *Dispatcher) handleGetStatus() ([]frame.Frame, error) {
	var st session.Status
	if d.deps.Status != nil {
		st = d.deps.Status.Status()
	}
	return []frame.Frame{control(frame.TypeStatus, st.Encode())}, nil
}

// handleScanRequest starts at most one scan and answers with the snapshot on
// hand, which is stale while a scan is running.
func (d *Dispatcher) handleScanRequest() ([]frame.Frame, error) {
	started := d.deps.Services.TriggerScan()
	records := d.deps.Filter.Apply(d.deps.Services.Current())
	payload, err := services.EncodeTable(records)
	if err != nil {
		return nil, err
	}
	log.Debug().Bool("started", started).Int("services", len(records)).Msg("control.Dispatcher.handleScanRequest")
	return []frame.Frame{control(frame.TypeScanReport, payload)}, nil
}

func (d *Dispatcher) handleRedirect(payload []byte) ([]frame.Frame, error) {
	r, err := session.DecodeRedirect(frame.TypeRedirect, payload)
	if err != nil {
		return nil, err
	}
	if d.deps.Redirector == nil {
		return nil, fmt.Errorf("%w: no redirector", ErrRedirectRefused)
	}
	if err := d.deps.Redirector.Redirect(r.Address); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRedirectRefused, err)
	}
	log.Info().Str("address", r.Address).Msg("control.Dispatcher.handleRedirect")
	return []frame.Frame{control(frame.TypeRedirectAck, r.Encode())}, nil
}

func (d *Dispatcher) handlePing(payload []byte) ([]frame.Frame, error) {
	p, err := session.DecodePing(frame.TypePing, payload)
	if err != nil {
		return nil, err
	}
	return []frame.Frame{control(frame.TypePong, p.Encode())}, nil
}

func control(mt frame.MessageType, payload []byte) frame.Frame {
	return frame.New(frame.ControlSessionID, mt, payload)
}
