package inference

import (
	"fmt"
	"strings"
)

// UpstreamError reports that the inference server could not be reached or
// answered with a non-2xx status before streaming began.
type UpstreamError struct {
	// Status is the HTTP status, or 0 if no response was received.
	Status int

	// Body is a bounded prefix of the response body.
	Body string

	// Err is the transport or read error, if any.
	Err error
}

func (e *UpstreamError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("upstream unreachable: %v", e.Err)
	}

	detail := strings.TrimSpace(e.Body)
	if detail == "" && e.Err != nil {
		detail = e.Err.Error()
	}
	if detail == "" {
		return fmt.Sprintf("upstream returned status %d", e.Status)
	}
	return fmt.Sprintf("upstream returned status %d: %s", e.Status, detail)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// Detail is the text shown to a client for this failure: the upstream body
// when there is one, otherwise the underlying error.
func (e *UpstreamError) Detail() string {
	if body := strings.TrimSpace(e.Body); body != "" {
		return body
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("status %d", e.Status)
}
