// Package fault defines the failure taxonomy shared by the trigger pipeline.
//
// Every failure that crosses a component boundary is classified by a [Kind].
// Callers test for a kind with [errors.Is] against the package sentinels
// (e.g. errors.Is(err, fault.ErrPermissionDenied)), which works through any
// amount of fmt.Errorf wrapping.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies a pipeline failure.
type Kind int

const (
	// Unknown is returned by [KindOf] for errors outside the taxonomy.
	Unknown Kind = iota
	PermissionDenied
	InitializationFailure
	TranscriptionFailure
	SynthesisFailure
	AudioFormatFailure
	NotReady
)

var kindNames = map[Kind]string{
	Unknown:               "unknown",
	PermissionDenied:      "permission_denied",
	InitializationFailure: "initialization_failure",
	TranscriptionFailure:  "transcription_failure",
	SynthesisFailure:      "synthesis_failure",
	AudioFormatFailure:    "audio_format_failure",
	NotReady:              "not_ready",
}

// String returns the snake_case name of k.
func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Sentinels for errors.Is comparisons.
var (
	ErrPermissionDenied      = &Error{Kind: PermissionDenied}
	ErrInitializationFailure = &Error{Kind: InitializationFailure}
	ErrTranscriptionFailure  = &Error{Kind: TranscriptionFailure}
	ErrSynthesisFailure      = &Error{Kind: SynthesisFailure}
	ErrAudioFormatFailure    = &Error{Kind: AudioFormatFailure}
	ErrNotReady              = &Error{Kind: NotReady}
)

// Error is a classified failure. Op names the operation that failed and Err
// carries the underlying cause, if any.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// New returns a classified error for op wrapping err.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := userMessages[e.Kind]
	if msg == "" {
		msg = e.Kind.String()
	}
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, msg, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error of the same kind. Op and Err are
// ignored so the package sentinels match any error of their kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the kind of the outermost classified error in err's chain,
// or [Unknown].
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Unknown
}

var userMessages = map[Kind]string{
	PermissionDenied:      "microphone permission denied",
	InitializationFailure: "speech models failed to initialise",
	TranscriptionFailure:  "transcription failed",
	SynthesisFailure:      "speech synthesis failed",
	AudioFormatFailure:    "unable to configure microphone recording format",
	NotReady:              "speech models are still loading",
}

// UserMessage returns a short message suitable for display, derived from the
// kind of err. Unclassified errors use err.Error().
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	switch KindOf(err) {
	case PermissionDenied:
		return "Microphone permission denied. Enable it in the device settings."
	case NotReady:
		return "Speech models are still loading. Please try again."
	}
	return err.Error()
}
