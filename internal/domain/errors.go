package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNoLocation is returned when a notification carries no usable file reference.
	ErrNoLocation = errors.New("notification has no location")
	// ErrMalformedNotification is returned when a payload is not a JSON object.
	ErrMalformedNotification = errors.New("malformed notification")
	// ErrInvalidLocation is returned when a location string cannot be split into scheme, bucket and path.
	ErrInvalidLocation = errors.New("invalid location")

	ErrUnsupportedScheme = errors.New("unsupported location scheme")
	ErrObjectNotFound    = errors.New("object not found")
	ErrAccessDenied      = errors.New("access denied")
	ErrObjectTooLarge    = errors.New("object too large")

	// ErrMalformedRow is wrapped by every row parse failure.
	ErrMalformedRow = errors.New("malformed row")

	// ErrRetryable marks failures that may succeed if the same call is repeated.
	ErrRetryable = errors.New("retryable")
)

// Retryable marks err as transient. A nil err stays nil.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrRetryable) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrRetryable, err)
}

// IsRetryable reports whether err was marked with [Retryable].
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRetryable)
}
