package errs

import (
	"errors"
	"fmt"
)

var (
	// ErrConnection marks open/reconnect failures on the device link.
	ErrConnection = errors.New("connection error")

	// ErrConfig marks invalid configuration or caller misuse (wrong frame size, out-of-range score).
	ErrConfig = errors.New("config error")

	// ErrModel marks an unavailable activity-scoring backend.
	ErrModel = errors.New("model error")

	// ErrIO marks a container write/finalize failure.
	ErrIO = errors.New("io error")

	// ErrFraming marks trailing bytes that do not form a whole frame or sample.
	ErrFraming = errors.New("framing error")

	// ErrPipelineStall is returned when the consumer falls behind the queue bound.
	ErrPipelineStall = errors.New("pipeline stall")
)

// Configf returns a formatted error wrapping ErrConfig.
func Configf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfig, fmt.Sprintf(format, args...))
}

// Wrap attaches kind to err with a short operation description.
// It returns nil when err is nil.
func Wrap(kind error, op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, kind, err)
}

// ExitCode maps an error to the process exit code used by the CLI.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrConfig):
		return 1
	default:
		return 2
	}
}
