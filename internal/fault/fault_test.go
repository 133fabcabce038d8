package fault_test

import (
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/MrWong99/holdcue/internal/fault"
)

func TestIs_MatchesKindThroughWrapping(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("stt: %w", fault.New(fault.TranscriptionFailure, "whisper", io.ErrUnexpectedEOF))

	if !errors.Is(err, fault.ErrTranscriptionFailure) {
		t.Errorf("errors.Is(err, ErrTranscriptionFailure) = false, want true")
	}
	if errors.Is(err, fault.ErrSynthesisFailure) {
		t.Errorf("errors.Is(err, ErrSynthesisFailure) = true, want false")
	}
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("cause not reachable through Unwrap")
	}
}

func TestKindOf(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want fault.Kind
	}{
		{"nil", nil, fault.Unknown},
		{"plain", errors.New("boom"), fault.Unknown},
		{"direct", fault.New(fault.PermissionDenied, "mic", nil), fault.PermissionDenied},
		{"wrapped", fmt.Errorf("x: %w", fault.ErrNotReady), fault.NotReady},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := fault.KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestError_Message(t *testing.T) {
	t.Parallel()

	err := fault.New(fault.AudioFormatFailure, "capture", errors.New("3 channels"))
	want := "capture: unable to configure microphone recording format: 3 channels"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestUserMessage(t *testing.T) {
	t.Parallel()

	if got := fault.UserMessage(nil); got != "" {
		t.Errorf("UserMessage(nil) = %q, want empty", got)
	}
	got := fault.UserMessage(fault.New(fault.PermissionDenied, "", nil))
	if got != "Microphone permission denied. Enable it in the device settings." {
		t.Errorf("UserMessage(permission) = %q", got)
	}
}
