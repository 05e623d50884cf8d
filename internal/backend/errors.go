package backend

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/stemsi/exstem-proctor/internal/response"
)

// Sentinel errors callers branch on with errors.Is.
var (
	ErrNotFound         = errors.New("resource not found")
	ErrAlreadySubmitted = errors.New("attempt already submitted")
	ErrUnavailable      = errors.New("exam not available")

	errEmptyData = errors.New("empty data")
)

// APIError is a non-2xx answer from the backend. Status is 0 when the request
// never produced a response.
type APIError struct {
	Op      string
	Status  int
	Code    response.ErrCode
	Message string
}

func (e *APIError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	return fmt.Sprintf("%s: status %d (%s): %s", e.Op, e.Status, e.Code, e.Message)
}

// Unwrap maps well-known codes onto the package sentinels.
func (e *APIError) Unwrap() error {
	switch {
	case e.Code == response.ErrAlreadySubmitted:
		return ErrAlreadySubmitted
	case e.Code == response.ErrExamNotAvailable, e.Code == response.ErrMaxAttemptsReached:
		return ErrUnavailable
	case e.Status == http.StatusNotFound:
		return ErrNotFound
	}
	return nil
}

// Temporary reports failures worth retrying later: transport errors, 5xx and 429.
func (e *APIError) Temporary() bool {
	return e.Status == 0 || e.Status >= 500 || e.Status == http.StatusTooManyRequests
}

// IsTemporary reports whether err wraps a temporary APIError.
func IsTemporary(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Temporary()
}
