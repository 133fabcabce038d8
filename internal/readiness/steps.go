package readiness

import (
	"context"
	"errors"

	"github.com/MrWong99/holdcue/internal/fault"
)

// PermissionRequester asks the user for microphone access.
type PermissionRequester interface {
	RequestMicrophonePermission(ctx context.Context) (granted bool, err error)
}

// ErrPermissionDenied is returned by the permission step when the user
// declines. It matches [fault.ErrPermissionDenied].
var ErrPermissionDenied = fault.New(fault.PermissionDenied, "permission", nil)

// PermissionStep asks r for microphone access. A refusal fails with
// [fault.PermissionDenied]; a failure to ask fails with
// [fault.InitializationFailure].
func PermissionStep(r PermissionRequester) Step {
	return Step{
		Name: "permission",
		Run: func(ctx context.Context) error {
			granted, err := r.RequestMicrophonePermission(ctx)
			if err != nil {
				if errors.Is(err, fault.ErrPermissionDenied) {
					return err
				}
				return fault.New(fault.InitializationFailure, "permission", err)
			}
			if !granted {
				return ErrPermissionDenied
			}
			return nil
		},
	}
}

// WarmStep wraps fn as an initialisation step. Failures are classified as
// [fault.InitializationFailure] unless fn already classified them.
func WarmStep(name string, fn func(ctx context.Context) error) Step {
	return Step{
		Name: name,
		Run: func(ctx context.Context) error {
			if err := fn(ctx); err != nil {
				if fault.KindOf(err) != fault.Unknown {
					return err
				}
				return fault.New(fault.InitializationFailure, name, err)
			}
			return nil
		},
	}
}
