package symstore

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when no element of a search path has the file.
var ErrNotFound = errors.New("debug file not found")

type invalidBuildIDError struct {
	buildID string
}

func (e invalidBuildIDError) Error() string {
	return fmt.Sprintf("invalid build ID: %s", e.buildID)
}

type notFoundError struct {
	url string
}

func (e notFoundError) Error() string {
	return fmt.Sprintf("not found in store: %s", e.url)
}

func (e notFoundError) Is(target error) bool {
	return target == ErrNotFound
}

type httpStatusError struct {
	statusCode int
	body       string
}

func (e httpStatusError) Error() string {
	return fmt.Sprintf("unexpected HTTP status: %d %s", e.statusCode, e.body)
}

func isInvalidBuildIDError(err error) bool {
	var e invalidBuildIDError
	return errors.As(err, &e)
}

func isHTTPStatusError(err error) (int, bool) {
	var httpErr httpStatusError
	if errors.As(err, &httpErr) {
		return httpErr.statusCode, true
	}
	return 0, false
}
