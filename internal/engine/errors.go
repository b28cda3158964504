package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrRangeIgnored   = errors.New("server ignored the range request")
	ErrMalformedRange = errors.New("malformed range response")
	ErrTruncated      = errors.New("response body shorter than requested range")
	ErrOverflow       = errors.New("response body longer than requested range")
	ErrDuplicateChunk = errors.New("chunk committed twice")
	ErrInvalidURL     = errors.New("invalid URL")
	ErrStalled        = errors.New("no data received within the stall timeout")
)

// StatusError reports a non-success HTTP status.
type StatusError struct {
	Code   int
	Status string
}

func (e *StatusError) Error() string {
	if e.Status != "" {
		return fmt.Sprintf("unexpected status: %s", e.Status)
	}
	return fmt.Sprintf("unexpected status code: %d", e.Code)
}

// Temporary reports whether retrying the request may succeed.
func (e *StatusError) Temporary() bool {
	return e.Code >= 500 || e.Code == http.StatusRequestTimeout || e.Code == http.StatusTooManyRequests
}

// ProbeError is returned when the capability probe fails. The session never
// starts downloading after one.
type ProbeError struct {
	URL string
	Err error
}

func (e *ProbeError) Error() string {
	return fmt.Sprintf("probe %s: %v", e.URL, e.Err)
}

func (e *ProbeError) Unwrap() error { return e.Err }

// ChunkError is the terminal failure of one chunk.
type ChunkError struct {
	Index    int
	Start    int64
	End      int64
	Attempts int
	Err      error
}

func (e *ChunkError) Error() string {
	return fmt.Sprintf("chunk %d (bytes %d-%s) failed after %d attempt(s): %v", e.Index, e.Start, formatEnd(e.End), e.Attempts, e.Err)
}

func (e *ChunkError) Unwrap() error { return e.Err }

// IntegrityError is a final size mismatch detected while finalizing.
type IntegrityError struct {
	Expected int64
	Actual   int64
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity check failed: expected %d bytes, got %d", e.Expected, e.Actual)
}

// spoolError marks local disk failures while buffering a payload.
type spoolError struct{ err error }

func (e *spoolError) Error() string { return fmt.Sprintf("spool: %v", e.err) }
func (e *spoolError) Unwrap() error { return e.err }

// Retryable classifies a single fetch failure. Cancellation, client errors,
// malformed range responses and local disk failures are fatal; timeouts,
// resets, 5xx and truncated bodies are transient.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Temporary()
	}
	var spoolErr *spoolError
	if errors.As(err, &spoolErr) {
		return false
	}
	switch {
	case errors.Is(err, ErrRangeIgnored), errors.Is(err, ErrMalformedRange), errors.Is(err, ErrOverflow), errors.Is(err, ErrInvalidURL):
		return false
	}
	return true
}

func formatEnd(end int64) string {
	if end < 0 {
		return "EOF"
	}
	return fmt.Sprint(end)
}
