// Package ocpp holds the protocol surface the delivery path needs: version
// names, OCPP-J framing, a few request builders, and the registry that turns
// CALLRESULT payloads into delivery outcomes.
package ocpp

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/goccy/go-json"

	"github.com/ChargeLab/OpenOCPP-sub001/internal/types"
)

// Version is an OCPP protocol version.
type Version = types.Version

const (
	V16  = types.V16
	V201 = types.V201
)

// ErrUnknownVersion is returned by ParseVersion.
var ErrUnknownVersion = errors.New("ocpp: unknown protocol version")

// ParseVersion maps a WebSocket subprotocol name to a Version.
func ParseVersion(s string) (Version, error) {
	switch s {
	case V16.String():
		return V16, nil
	case V201.String():
		return V201, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownVersion, s)
}

// ─── OCPP-J framing ──────────────────────────────────────────────────────────

// MessageType is the first element of every OCPP-J frame.
type MessageType int

const (
	Call       MessageType = 2
	CallResult MessageType = 3
	CallError  MessageType = 4
)

// ErrMalformedFrame is returned by DecodeFrame for anything that is not a
// well-formed OCPP-J array.
var ErrMalformedFrame = errors.New("ocpp: malformed frame")

// Frame is one decoded OCPP-J message.
type Frame struct {
	Type     MessageType
	UniqueID string

	// Action is set for Call frames.
	Action string
	// Payload is the CALL or CALLRESULT payload, or the CALLERROR details.
	Payload json.RawMessage

	// ErrorCode and ErrorDescription are set for CallError frames.
	ErrorCode        string
	ErrorDescription string
}

// FormatID renders an engine unique id as an OCPP-J message id.
func FormatID(id int64) string { return strconv.FormatInt(id, 10) }

// ParseID is the inverse of FormatID. Ids the station did not issue fail.
func ParseID(s string) (int64, bool) {
	n, err := strconv.ParseInt(s, 10, 64)
	return n, err == nil
}

// EncodeCall builds [2, id, action, payload]. An empty payload is sent as {}.
func EncodeCall(id, action string, payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	if !json.Valid(payload) {
		return nil, fmt.Errorf("ocpp: encode %s: payload is not valid JSON", action)
	}
	return json.Marshal([]any{Call, id, action, json.RawMessage(payload)})
}

// EncodeCallError builds [4, id, code, description, {}].
func EncodeCallError(id, code, description string) ([]byte, error) {
	return json.Marshal([]any{CallError, id, code, description, json.RawMessage("{}")})
}

// DecodeFrame parses a CALL, CALLRESULT or CALLERROR.
func DecodeFrame(b []byte) (Frame, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(b, &parts); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if len(parts) < 3 {
		return Frame{}, fmt.Errorf("%w: %d elements", ErrMalformedFrame, len(parts))
	}

	var f Frame
	if err := json.Unmarshal(parts[0], &f.Type); err != nil {
		return Frame{}, fmt.Errorf("%w: message type: %v", ErrMalformedFrame, err)
	}
	if err := json.Unmarshal(parts[1], &f.UniqueID); err != nil {
		return Frame{}, fmt.Errorf("%w: unique id: %v", ErrMalformedFrame, err)
	}

	switch f.Type {
	case Call:
		if len(parts) != 4 {
			return Frame{}, fmt.Errorf("%w: CALL with %d elements", ErrMalformedFrame, len(parts))
		}
		if err := json.Unmarshal(parts[2], &f.Action); err != nil {
			return Frame{}, fmt.Errorf("%w: action: %v", ErrMalformedFrame, err)
		}
		f.Payload = parts[3]
	case CallResult:
		if len(parts) != 3 {
			return Frame{}, fmt.Errorf("%w: CALLRESULT with %d elements", ErrMalformedFrame, len(parts))
		}
		f.Payload = parts[2]
	case CallError:
		if len(parts) < 4 {
			return Frame{}, fmt.Errorf("%w: CALLERROR with %d elements", ErrMalformedFrame, len(parts))
		}
		if err := json.Unmarshal(parts[2], &f.ErrorCode); err != nil {
			return Frame{}, fmt.Errorf("%w: error code: %v", ErrMalformedFrame, err)
		}
		if err := json.Unmarshal(parts[3], &f.ErrorDescription); err != nil {
			return Frame{}, fmt.Errorf("%w: error description: %v", ErrMalformedFrame, err)
		}
		if len(parts) > 4 {
			f.Payload = parts[4]
		}
	default:
		return Frame{}, fmt.Errorf("%w: message type %d", ErrMalformedFrame, f.Type)
	}
	return f, nil
}
