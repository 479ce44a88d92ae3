package common

import (
	"errors"
	"fmt"
)

// ConnectionError wraps any network or HTTP failure reaching a broker or its
// proxy. Callers never see platform-specific transport errors.
type ConnectionError struct {
	Platform string
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s: connection error: %v", e.Platform, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// AuthenticationError signals rejected credentials (401 or equivalent).
type AuthenticationError struct {
	Platform string
	Err      error
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("%s: authentication failed: %v", e.Platform, e.Err)
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// UnsupportedOperationError signals an operation the platform cannot perform.
type UnsupportedOperationError struct {
	Platform  string
	Operation string
}

func (e *UnsupportedOperationError) Error() string {
	return fmt.Sprintf("%s: operation %q not supported", e.Platform, e.Operation)
}

// IsConnectionError reports whether err is (or wraps) a ConnectionError.
func IsConnectionError(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}

// IsAuthenticationError reports whether err is (or wraps) an AuthenticationError.
func IsAuthenticationError(err error) bool {
	var ae *AuthenticationError
	return errors.As(err, &ae)
}

// IsUnsupported reports whether err is (or wraps) an UnsupportedOperationError.
func IsUnsupported(err error) bool {
	var ue *UnsupportedOperationError
	return errors.As(err, &ue)
}
