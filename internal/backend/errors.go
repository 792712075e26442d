package backend

import (
	"errors"
	"fmt"
	"net/url"
)

// ErrNoAudio is returned when the speech endpoint succeeds without audio.
var ErrNoAudio = errors.New("backend returned no audio")

// APIError is a request the backend answered but rejected, either with a
// non-2xx status or with success:false.
type APIError struct {
	Op      string
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: backend status %d", e.Op, e.Status)
	}
	return fmt.Sprintf("%s: backend status %d: %s", e.Op, e.Status, e.Message)
}

// TransportError is a failure to reach the backend at all (DNS, refused
// connection, reset, TLS) or to read its reply.
type TransportError struct {
	Op  string
	URL string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error during %s %s: %v", e.Op, redactURLUserInfo(e.URL), e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func redactURLUserInfo(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil || parsed == nil {
		return raw
	}
	parsed.User = nil
	return parsed.String()
}
