package remote

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/tidwall/gjson"
)

// ErrNotFound is returned when a requested document does not exist.
var ErrNotFound = errors.New("remote: document not found")

// StatusError is a non-2xx response from the document store.
type StatusError struct {
	Code    int
	Status  string
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("remote: %d %s", e.Code, e.Status)
	}
	return fmt.Sprintf("remote: %d %s: %s", e.Code, e.Status, e.Message)
}

func parseStatusError(code int, body []byte) error {
	e := &StatusError{Code: code, Status: http.StatusText(code)}
	if gjson.ValidBytes(body) {
		r := gjson.GetBytes(body, "error")
		if s := r.Get("status").String(); s != "" {
			e.Status = s
		}
		e.Message = r.Get("message").String()
	}
	if code == http.StatusNotFound {
		return fmt.Errorf("%w: %w", ErrNotFound, e)
	}
	return e
}

// IsAlreadyExists reports whether err is a create conflict.
func IsAlreadyExists(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && (se.Code == http.StatusConflict || se.Status == "ALREADY_EXISTS")
}

// IsUnavailable reports whether err means the store could not serve the
// request at all: a transport failure or a 5xx response.
func IsUnavailable(err error) bool {
	if err == nil {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code >= 500
	}
	return !errors.Is(err, ErrNotFound)
}
