package marketdata

import (
	"errors"
	"fmt"
)

// ErrorType classifies the failure modes this layer handles internally.
// None of these ever reach a caller of Service; they only steer the
// fallback chain and the telemetry.
type ErrorType string

const (
	ErrorUpstreamUnavailable ErrorType = "upstream_unavailable"  // network, timeout, 5xx
	ErrorUpstreamRateLimited ErrorType = "upstream_rate_limited" // provider-side 429
	ErrorUpstreamMalformed   ErrorType = "upstream_malformed"    // empty or unparseable payload
	ErrorSnapshotIO          ErrorType = "snapshot_io"           // snapshot load/save failure
)

// DataError is the normalized error shape at the upstream and snapshot
// boundaries. Symbol may be empty for batch or snapshot failures.
type DataError struct {
	Type    ErrorType
	Symbol  string
	Message string
	Cause   error
}

func (e *DataError) Error() string {
	if e.Symbol == "" {
		if e.Cause != nil {
			return fmt.Sprintf("%s: %s (%v)", e.Type, e.Message, e.Cause)
		}
		return fmt.Sprintf("%s: %s", e.Type, e.Message)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s for %s: %s (%v)", e.Type, e.Symbol, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s for %s: %s", e.Type, e.Symbol, e.Message)
}

func (e *DataError) Unwrap() error {
	return e.Cause
}

func NewUpstreamUnavailable(symbol, message string, cause error) *DataError {
	return &DataError{Type: ErrorUpstreamUnavailable, Symbol: symbol, Message: message, Cause: cause}
}

func NewUpstreamRateLimited(symbol, message string) *DataError {
	return &DataError{Type: ErrorUpstreamRateLimited, Symbol: symbol, Message: message}
}

func NewUpstreamMalformed(symbol, message string, cause error) *DataError {
	return &DataError{Type: ErrorUpstreamMalformed, Symbol: symbol, Message: message, Cause: cause}
}

func NewSnapshotIOError(message string, cause error) *DataError {
	return &DataError{Type: ErrorSnapshotIO, Message: message, Cause: cause}
}

// TypeOf extracts the taxonomy type from any error chain, defaulting to
// upstream_unavailable for errors produced outside this layer.
func TypeOf(err error) ErrorType {
	var de *DataError
	if errors.As(err, &de) {
		return de.Type
	}
	return ErrorUpstreamUnavailable
}

// IsRateLimited reports whether err is a provider-side throttle signal
func IsRateLimited(err error) bool {
	return TypeOf(err) == ErrorUpstreamRateLimited
}

// IsUnavailable reports whether err is a transport-level upstream failure
func IsUnavailable(err error) bool {
	var de *DataError
	if errors.As(err, &de) {
		return de.Type == ErrorUpstreamUnavailable
	}
	// Unknown errors are treated as unavailability so the chain degrades.
	return err != nil
}

// IsMalformed reports whether err marks an empty or undecodable payload
func IsMalformed(err error) bool {
	return TypeOf(err) == ErrorUpstreamMalformed
}
