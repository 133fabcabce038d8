package device

import "encoding/json"

// Message types on the device link. Text frames carry one JSON [Message];
// binary frames carry raw PCM (microphone audio from the device, whisper
// audio to the device).
const (
	// device -> server
	TypeHello        = "hello"
	TypeHold         = "hold"
	TypeStop         = "stop"
	TypeRetry        = "retry"
	TypePermission   = "permission"
	TypePlaybackDone = "playback_done"

	// server -> device
	TypeState             = "state"
	TypeCaptureStart      = "capture_start"
	TypeCaptureStop       = "capture_stop"
	TypePermissionRequest = "permission_request"
	TypePlaybackStart     = "playback_start"
	TypePlaybackEnd       = "playback_end"
	TypePlaybackStop      = "playback_stop"
	TypeError             = "error"
)

// Message is the envelope of every text frame. Only the fields relevant to
// Type are set.
type Message struct {
	Type string `json:"type"`

	// hello, playback_start
	SampleRate int `json:"sample_rate,omitempty"`
	Channels   int `json:"channels,omitempty"`

	// hello
	MicGranted bool `json:"mic_granted,omitempty"`

	// permission
	Granted bool `json:"granted,omitempty"`

	// state
	Snapshot json.RawMessage `json:"snapshot,omitempty"`

	// error
	Error string `json:"error,omitempty"`
}
