package download

import (
	"errors"
	"fmt"
)

var (
	// ErrPermanent marks provider failures that must not be retried, such as
	// authorization errors or a missing object. Providers wrap it with %w.
	ErrPermanent = errors.New("permanent provider failure")

	// ErrCancelled is the cause attached to a download stopped by a cancellation request.
	ErrCancelled = errors.New("download cancelled")

	// ErrEmptyPool is returned when a session is requested from a pool without sessions.
	ErrEmptyPool = &ConfigurationError{Reason: "session pool is empty"}
)

// ConfigurationError reports invalid download inputs. It is fatal and never retried.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "invalid configuration: " + e.Reason
}

func configErrorf(format string, args ...any) error {
	return &ConfigurationError{Reason: fmt.Sprintf(format, args...)}
}

// Permanent wraps err so that it is treated as a permanent provider failure.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

// IsPermanent reports whether err is a permanent provider failure.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent)
}
