package extraction

import (
	"errors"
	"fmt"
)

// Error is returned by Extract. Transient errors were retried until the
// policy gave up; permanent errors were not retried.
type Error struct {
	Transient  bool
	StatusCode int    // HTTP status, 0 when no response was received
	Code       int    // service-level code from the response envelope
	Message    string // service-level message
	Calls      int    // HTTP calls made before giving up
	Err        error
}

func (e *Error) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	switch {
	case e.Code != 0:
		return fmt.Sprintf("textin %s error after %d call(s): code %d: %s", kind, e.Calls, e.Code, e.Message)
	case e.StatusCode != 0:
		return fmt.Sprintf("textin %s error after %d call(s): http %d: %v", kind, e.Calls, e.StatusCode, e.Err)
	default:
		return fmt.Sprintf("textin %s error after %d call(s): %v", kind, e.Calls, e.Err)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// IsTransient reports whether err is an extraction error worth retrying.
func IsTransient(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Transient
}

// Calls reports how many HTTP calls an extraction error made, or 0.
func Calls(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.Calls
	}
	return 0
}
