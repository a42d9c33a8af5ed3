package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Frame labels exchanged with relays (NIP-01).
const (
	FrameEvent  = "EVENT"
	FrameReq    = "REQ"
	FrameClose  = "CLOSE"
	FrameEOSE   = "EOSE"
	FrameOK     = "OK"
	FrameNotice = "NOTICE"
	FrameClosed = "CLOSED"
	FrameAuth   = "AUTH"
)

// Envelope is a decoded relay frame. Which fields are set depends on Label.
type Envelope struct {
	Label          string
	SubscriptionID string   // EVENT (from relay), REQ, CLOSE, EOSE, CLOSED
	Event          *Event   // EVENT
	Filters        []Filter // REQ
	EventID        string   // OK
	Accepted       bool     // OK
	Message        string   // OK, NOTICE, CLOSED, AUTH
}

// ErrMalformedFrame is returned for frames that are not a JSON array with a known label.
var ErrMalformedFrame = errors.New("malformed relay frame")

// NewReqFrame builds a REQ frame.
func NewReqFrame(subID string, filters ...Filter) *Envelope {
	return &Envelope{Label: FrameReq, SubscriptionID: subID, Filters: filters}
}

// NewCloseFrame builds a CLOSE frame.
func NewCloseFrame(subID string) *Envelope {
	return &Envelope{Label: FrameClose, SubscriptionID: subID}
}

// NewEventFrame builds a client-to-relay EVENT frame. Relays use the same
// label with a subscription id when delivering; set SubscriptionID for that.
func NewEventFrame(ev *Event) *Envelope {
	return &Envelope{Label: FrameEvent, Event: ev}
}

// MarshalJSON encodes the envelope as the positional array relays expect.
func (e Envelope) MarshalJSON() ([]byte, error) {
	var arr []any
	switch e.Label {
	case FrameEvent:
		if e.SubscriptionID != "" {
			arr = []any{e.Label, e.SubscriptionID, e.Event}
		} else {
			arr = []any{e.Label, e.Event}
		}
	case FrameReq:
		arr = []any{e.Label, e.SubscriptionID}
		for _, f := range e.Filters {
			arr = append(arr, f)
		}
	case FrameClose, FrameEOSE:
		arr = []any{e.Label, e.SubscriptionID}
	case FrameClosed:
		arr = []any{e.Label, e.SubscriptionID, e.Message}
	case FrameOK:
		arr = []any{e.Label, e.EventID, e.Accepted, e.Message}
	case FrameNotice, FrameAuth:
		arr = []any{e.Label, e.Message}
	default:
		return nil, fmt.Errorf("%w: unknown label %q", ErrMalformedFrame, e.Label)
	}
	return json.Marshal(arr)
}

// ParseEnvelope decodes a raw frame received from (or sent to) a relay.
func ParseEnvelope(data []byte) (*Envelope, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if len(parts) < 2 {
		return nil, ErrMalformedFrame
	}

	env := &Envelope{}
	if err := json.Unmarshal(parts[0], &env.Label); err != nil {
		return nil, fmt.Errorf("%w: label: %v", ErrMalformedFrame, err)
	}

	var err error
	switch env.Label {
	case FrameEvent:
		if len(parts) == 2 {
			env.Event = &Event{}
			err = json.Unmarshal(parts[1], env.Event)
			break
		}
		if err = json.Unmarshal(parts[1], &env.SubscriptionID); err == nil {
			env.Event = &Event{}
			err = json.Unmarshal(parts[2], env.Event)
		}
	case FrameReq:
		if err = json.Unmarshal(parts[1], &env.SubscriptionID); err != nil {
			break
		}
		for _, raw := range parts[2:] {
			var f Filter
			if err = json.Unmarshal(raw, &f); err != nil {
				break
			}
			env.Filters = append(env.Filters, f)
		}
	case FrameClose, FrameEOSE:
		err = json.Unmarshal(parts[1], &env.SubscriptionID)
	case FrameClosed:
		if err = json.Unmarshal(parts[1], &env.SubscriptionID); err == nil && len(parts) > 2 {
			err = json.Unmarshal(parts[2], &env.Message)
		}
	case FrameOK:
		if len(parts) < 3 {
			return nil, ErrMalformedFrame
		}
		if err = json.Unmarshal(parts[1], &env.EventID); err != nil {
			break
		}
		if err = json.Unmarshal(parts[2], &env.Accepted); err != nil {
			break
		}
		if len(parts) > 3 {
			err = json.Unmarshal(parts[3], &env.Message)
		}
	case FrameNotice, FrameAuth:
		err = json.Unmarshal(parts[1], &env.Message)
	default:
		return nil, fmt.Errorf("%w: unknown label %q", ErrMalformedFrame, env.Label)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedFrame, env.Label, err)
	}
	return env, nil
}
