package model

import (
	"bytes"
	"encoding/json"
	"errors"
)

// Envelope types emitted over the transport channel.
const (
	EnvelopeNowPlaying   = "nowPlaying"
	EnvelopeControlEvent = "controlEvent"
)

// Inbound frame type sent by the display.
const FrameControl = "control"

// Inbound control actions.
const (
	ActionPlayPause  = "playPause"
	ActionSkip       = "skip"
	ActionBack       = "back"
	ActionVolumeUp   = "volumeUp"
	ActionVolumeDown = "volumeDown"
)

var (
	ErrInvalidEvent = errors.New("invalid control event")
	ErrNotControl   = errors.New("not a control frame")
)

// Envelope is the {type, payload} wrapper used on the transport channel.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Canonical encodes v as JSON with object keys in sorted order at every level,
// so equal values always produce identical bytes.
func Canonical(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err = dec.Decode(&generic); err != nil {
		return nil, err
	}
	return json.Marshal(generic)
}

// EncodeEnvelope wraps payload as {"type": typ, "payload": <canonical payload>}.
func EncodeEnvelope(typ string, payload any) ([]byte, error) {
	p, err := Canonical(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(&Envelope{Type: typ, Payload: p})
}

type controlFrame struct {
	Type   string  `json:"type"`
	Action *string `json:"action"`
}

// ParseControlFrame extracts the action of a {"type":"control","action":...} frame.
// Anything else yields ErrNotControl or a decoding error.
func ParseControlFrame(b []byte) (string, error) {
	var f controlFrame
	if err := json.Unmarshal(bytes.TrimSpace(b), &f); err != nil {
		return "", err
	}
	if f.Type != FrameControl || f.Action == nil {
		return "", ErrNotControl
	}
	return *f.Action, nil
}
