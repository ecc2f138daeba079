package api

import "fmt"

// HTTPError is a non-2xx response from the server.
type HTTPError struct {
	Method     string
	Path       string
	Body       string
	StatusCode int
}

func (e *HTTPError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("%s %s: HTTP %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("%s %s: HTTP %d", e.Method, e.Path, e.StatusCode)
}
