package types

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	// ErrConfiguration is fatal for the whole request
	ErrConfiguration = errors.New("configuration error")
	// ErrMissingMatte means no foreground could be obtained for mask derivation
	ErrMissingMatte = fmt.Errorf("%w: missing matte", ErrConfiguration)
	// ErrUpstreamTransient covers timeouts, rate limits and transient 5xx
	ErrUpstreamTransient = errors.New("upstream transient error")
	// ErrRejected means the collaborator refused this particular request. It
	// ends the variant without retries and leaves its siblings running.
	ErrRejected = errors.New("upstream rejected request")
	// ErrMalformedOutput is returned when the model answered without a usable image
	ErrMalformedOutput = errors.New("malformed model output")
	// ErrGenerationFailure means both engines were exhausted for a variant
	ErrGenerationFailure = errors.New("generation failure")
)

// UpstreamError carries the HTTP status of a failed collaborator call
type UpstreamError struct {
	Service string
	Status  int
	Body    string
	Err     error
}

func (e *UpstreamError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("%s request failed: %v", e.Service, e.Err)
	}
	return fmt.Sprintf("%s returned status %d: %s", e.Service, e.Status, e.Body)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// ClassifyStatus maps an HTTP status to an error class
func ClassifyStatus(status int) error {
	switch status {
	case 408, 429, 500, 502, 503, 504, 520:
		return ErrUpstreamTransient
	case 401, 403, 404, 405:
		return ErrConfiguration
	case 400, 413, 415, 422:
		return ErrRejected
	}
	if status >= 500 {
		return ErrUpstreamTransient
	}
	return ErrMalformedOutput
}

// ClassifyTransport wraps a transport-level error. Timeouts and resets are transient.
func ClassifyTransport(service string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	return &UpstreamError{Service: service, Err: fmt.Errorf("%w: %v", ErrUpstreamTransient, err)}
}

// IsRetryable reports whether a failed attempt may be retried
func IsRetryable(err error) bool {
	if err == nil || IsConfiguration(err) || IsRejected(err) || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, ErrUpstreamTransient) || errors.Is(err, ErrMalformedOutput) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// IsRejected reports whether the collaborator refused the request itself
func IsRejected(err error) bool {
	return errors.Is(err, ErrRejected)
}

// IsConfiguration reports whether the error is fatal for the request
func IsConfiguration(err error) bool {
	return errors.Is(err, ErrConfiguration)
}
