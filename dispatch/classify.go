package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/williamcory/chatstream/stream"
)

// extensionSignatures match errors raised by browser extensions that
// intercept page traffic. They are never the backend's fault.
var extensionSignatures = []string{
	"chrome-extension://",
	"moz-extension://",
	"safari-web-extension://",
	"extension context invalidated",
	"message port closed before a response was received",
	"message channel closed before a response was received",
	"a listener indicated an asynchronous response",
	"could not establish connection. receiving end does not exist",
}

func isExtensionNoise(text string) bool {
	lower := strings.ToLower(text)
	for _, sig := range extensionSignatures {
		if strings.Contains(lower, sig) {
			return true
		}
	}
	return false
}

// Classify maps err to exactly one failure kind. A nil err yields nil.
func Classify(err error) *stream.Error {
	if err == nil {
		return nil
	}
	// a backend error event is always shown, whatever its text mentions
	var se *stream.Error
	if errors.As(err, &se) && se.Kind == stream.ServerError {
		return se
	}
	if isExtensionNoise(err.Error()) {
		return &stream.Error{Kind: stream.ExtensionNoise, Message: "extension noise", Err: err}
	}
	if se != nil {
		return se
	}

	switch {
	case errors.Is(err, context.Canceled):
		return &stream.Error{Kind: stream.Canceled, Message: "request canceled", Err: err}
	case errors.Is(err, context.DeadlineExceeded):
		return &stream.Error{Kind: stream.ConnectionError, Message: "deadline exceeded", Err: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return &stream.Error{Kind: stream.ConnectionError, Message: "backend unreachable", Err: err}
	}
	return &stream.Error{Kind: stream.NotSentError, Message: "message not sent", Err: err}
}

// UserMessage is the text shown in place of the assistant reply for a
// surfaced failure. Silent kinds yield "".
func UserMessage(e *stream.Error) string {
	if e == nil || e.Silent() {
		return ""
	}
	switch e.Kind {
	case stream.ConnectionError:
		switch {
		case e.Status == http.StatusNotFound:
			return "Your conversation could not be found on the server yet. Please wait a moment and try again."
		case e.Status != 0:
			return fmt.Sprintf("The assistant service returned an error (HTTP %d). Please try again.", e.Status)
		default:
			return "Unable to connect to the assistant service. Check your connection and try again."
		}
	case stream.StreamingError:
		return "The response was interrupted before it finished. Please try again."
	case stream.ServerError:
		if e.Message != "" {
			return e.Message
		}
		return "The assistant reported an error while answering."
	default:
		return "Your message could not be sent. Please try again."
	}
}
