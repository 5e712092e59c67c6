// Package protocol defines the envelopes exchanged between the correlation
// broker and an isolated evaluation host, and the length-prefixed JSON framing
// used when the host lives on the far side of a byte stream (a guest process or
// a microVM).
package protocol

import (
	"encoding/json"
	"strconv"
)

// NeutralValue is the result a host replies with when it refuses to run user
// code for a request, e.g. because the coordinates are not numeric.
const NeutralValue = 0

// Request is the host-bound envelope: {"render": {"x":..,"y":..,"z":..}, "id": ".."}.
type Request struct {
	ID     string      `json:"id"`
	Render *RenderArgs `json:"render,omitempty"`
}

// RenderArgs carries the raw coordinate values. They are kept undecoded so the
// host, not the decoder, decides what to do with non-numeric input.
type RenderArgs struct {
	X json.RawMessage `json:"x,omitempty"`
	Y json.RawMessage `json:"y,omitempty"`
	Z json.RawMessage `json:"z,omitempty"`
}

// NewRequest builds a request for the integer coordinate (x, y, z).
func NewRequest(id string, x, y, z int) Request {
	return Request{
		ID: id,
		Render: &RenderArgs{
			X: json.RawMessage(strconv.Itoa(x)),
			Y: json.RawMessage(strconv.Itoa(y)),
			Z: json.RawMessage(strconv.Itoa(z)),
		},
	}
}

// Coordinates decodes the three coordinates. ok is false if any of them is
// missing or is not a JSON number.
func (a *RenderArgs) Coordinates() (x, y, z float64, ok bool) {
	if a == nil {
		return 0, 0, 0, false
	}
	var okX, okY, okZ bool
	x, okX = number(a.X)
	y, okY = number(a.Y)
	z, okZ = number(a.Z)
	return x, y, z, okX && okY && okZ
}

func number(raw json.RawMessage) (float64, bool) {
	if len(raw) == 0 {
		return 0, false
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, false
	}
	f, ok := v.(float64)
	return f, ok
}

// Reply is the caller-bound envelope: {"result": n, "id": ".."} on success,
// {"id": ".."} when render produced no value, {"id": "..", "error": true} on failure.
type Reply struct {
	ID      string   `json:"id"`
	Result  *float64 `json:"result,omitempty"`
	Error   bool     `json:"error,omitempty"`
	Message string   `json:"message,omitempty"`
}

// Absent reports whether the reply is a success without a value.
func (r Reply) Absent() bool {
	return !r.Error && r.Result == nil
}

// ValueReply is a successful reply carrying v.
func ValueReply(id string, v float64) Reply {
	return Reply{ID: id, Result: &v}
}

// AbsentReply is a successful reply that carries no value.
func AbsentReply(id string) Reply {
	return Reply{ID: id}
}

// NeutralReply answers a request the host declined to evaluate.
func NeutralReply(id string) Reply {
	return ValueReply(id, NeutralValue)
}

// FailureReply reports that evaluating the request failed. message is
// diagnostic only.
func FailureReply(id, message string) Reply {
	return Reply{ID: id, Error: true, Message: message}
}

// Load is the first frame written to a guest connection. It carries the user
// code the guest loads into its isolated context.
type Load struct {
	Code          string `json:"code"`
	LoadTimeoutMS int    `json:"load_timeout_ms,omitempty"`
}
