// Package proxyerr defines the error taxonomy shared by every proxy
// component. Callers match with errors.Is; producers wrap with %w.
package proxyerr

import (
	"errors"
	"fmt"
)

var (
	// ErrAuth reports unknown or invalid credentials.
	ErrAuth = errors.New("authentication failed")
	// ErrPermission reports a non-admin caller on an admin-only operation.
	ErrPermission = errors.New("permission denied")
	// ErrQuotaExceeded reports a denied admission check.
	ErrQuotaExceeded = errors.New("quota exceeded")
	// ErrConfiguration reports an unresolvable model, deployment or adapter.
	ErrConfiguration = errors.New("configuration error")
	// ErrUpstream reports a backend or scoring service failure.
	ErrUpstream = errors.New("upstream error")
	// ErrRetryExhausted reports that the retry wrapper gave up.
	ErrRetryExhausted = errors.New("retries exhausted")
)

// Upstream wraps err as an upstream failure of the named service. Both the
// sentinel and the cause stay reachable through errors.Is / errors.As.
func Upstream(service string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", ErrUpstream, service, err)
}

// Configuration builds an ErrConfiguration with a formatted detail message.
func Configuration(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}
