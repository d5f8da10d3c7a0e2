package remotestore

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when the remote store does not recognize a
// session id (HTTP 404).
var ErrNotFound = errors.New("remotestore: session not found")

// APIError is a non-2xx response from the remote session service. Detail
// carries the server's "detail" field when the body had one, else the
// status line.
type APIError struct {
	StatusCode int
	Detail     string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("remote API error %d: %s", e.StatusCode, e.Detail)
}
