package sse

import (
	"errors"
	"fmt"
)

// ErrClosed is returned by Connect on a closed client.
var ErrClosed = errors.New("event stream client closed")

// StatusError is returned when the stream endpoint answers with a non-2xx
// status. It is retried like any transport error.
type StatusError struct {
	Status     string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("event stream: unexpected status %s", e.Status)
}
