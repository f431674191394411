package stream

import "fmt"

// ErrorKind is the user-facing cause of a failed stream.
type ErrorKind string

const (
	// ConnectionError: the endpoint was unreachable or answered non-2xx.
	ConnectionError ErrorKind = "connection"
	// StreamingError: the stream was interrupted after it started.
	StreamingError ErrorKind = "streaming"
	// NotSentError: the request could not be built or sent for another reason.
	NotSentError ErrorKind = "not_sent"
	// ExtensionNoise: errors injected by browser extensions; never shown.
	ExtensionNoise ErrorKind = "extension"
	// ServerError: the server sent an error event.
	ServerError ErrorKind = "server"
	// Canceled: the caller canceled the stream; a normal exit.
	Canceled ErrorKind = "canceled"
)

// Error is the single error type the pipeline surfaces. It is built where
// the raw error is first caught.
type Error struct {
	Kind ErrorKind
	// Status is the HTTP status code for connection errors, 0 otherwise.
	Status int
	// Message describes the failure; for server errors it is the payload.
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := string(e.Kind) + " error"
	if e.Status != 0 {
		msg = fmt.Sprintf("%s (HTTP %d)", msg, e.Status)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Silent reports whether the error finalizes the stream without being
// shown to the user.
func (e *Error) Silent() bool {
	return e != nil && (e.Kind == Canceled || e.Kind == ExtensionNoise)
}
