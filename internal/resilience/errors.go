package resilience

import (
	"errors"
	"net"
	"strings"
	"syscall"
)

// TransientError wraps an error that is safe to retry (network timeout,
// 5xx response, repository temporarily unavailable).
type TransientError struct {
	Err        error
	StatusCode int
}

func (e *TransientError) Error() string {
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps an error as transient with an optional HTTP status code.
func NewTransientError(err error, statusCode int) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode}
}

// PermanentError wraps an error that must not be retried, such as a 4xx
// rejection of a malformed resource. The affected document is recorded as a
// permanent failure without consuming retry attempts.
type PermanentError struct {
	Err        error
	StatusCode int
}

func (e *PermanentError) Error() string {
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// NewPermanentError wraps an error as permanent with an optional HTTP status code.
func NewPermanentError(err error, statusCode int) *PermanentError {
	return &PermanentError{Err: err, StatusCode: statusCode}
}

// IsPermanent returns true if the error chain contains a PermanentError.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// IsTransient returns true if the error (or any error in its chain) is a
// TransientError, or if it matches common transient network patterns
// (timeouts, connection resets, DNS failures). A PermanentError anywhere in
// the chain wins over everything else.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if IsPermanent(err) {
		return false
	}

	var te *TransientError
	if errors.As(err, &te) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	// Heuristics for errors wrapped by HTTP clients with the cause flattened
	// into the message.
	msg := strings.ToLower(err.Error())
	transientPatterns := []string{
		"connection reset by peer",
		"broken pipe",
		"temporary failure in name resolution",
		"no such host",
		"tls handshake timeout",
		"i/o timeout",
		"server closed idle connection",
	}
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}

// ClassifyHTTPStatus maps an HTTP status code to the retry taxonomy:
// 408/429/5xx are transient, all other non-2xx codes are permanent.
func ClassifyHTTPStatus(err error, statusCode int) error {
	if statusCode == 408 || statusCode == 429 || statusCode >= 500 {
		return NewTransientError(err, statusCode)
	}
	return NewPermanentError(err, statusCode)
}
