package dispatch

import (
	"strings"
	"time"
)

// Session is the state of one in-flight stream. It lives from stream start
// until Finalize and is only touched from the pipeline loop.
type Session struct {
	// ID is the conversation session identifier sent to the backend.
	ID string
	// MessageID is the provisional assistant message being streamed into.
	MessageID string
	// Started is the moment the request began; the status floor counts
	// from here.
	Started time.Time

	text          strings.Builder
	lastStatus    string
	contentSeen   bool
	statusCleared bool
	clearTimer    Timer
	model         string
	finalized     bool
}

// NewSession returns the context for a stream into messageID.
func NewSession(id, messageID string, started time.Time) *Session {
	return &Session{ID: id, MessageID: messageID, Started: started}
}

// Text is the assistant text accumulated so far.
func (s *Session) Text() string { return s.text.String() }

// LastStatus is the most recent status text received, including statuses
// suppressed after content arrived.
func (s *Session) LastStatus() string { return s.lastStatus }

// Finalized reports whether Finalize has run.
func (s *Session) Finalized() bool { return s.finalized }
