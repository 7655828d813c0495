package recognition

import (
	"errors"
	"fmt"
)

var (
	ErrServiceUnavailable = errors.New("recognition service unavailable")
	ErrInvalidImage       = errors.New("invalid image for recognition service")
	ErrDuplicate          = errors.New("attendance already marked")
	ErrLowConfidence      = errors.New("face confidence too low")
	ErrUnauthorized       = errors.New("recognition service rejected credentials")
	ErrInvalidResponse    = errors.New("invalid response from recognition service")
)

// ResponseError carries the status and server message of a rejected call.
// It unwraps to one of the sentinel errors above.
type ResponseError struct {
	StatusCode int
	Code       string
	Message    string
	kind       error
}

func (e *ResponseError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("recognition service returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("recognition service returned status %d: %s", e.StatusCode, e.Message)
}

func (e *ResponseError) Unwrap() error {
	return e.kind
}
