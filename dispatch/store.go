package dispatch

import (
	"time"

	"github.com/williamcory/chatstream/conversation"
	"github.com/williamcory/chatstream/stream"
)

// Store receives the dispatcher's state transitions. *conversation.Store
// implements it.
type Store interface {
	AddMessage(m conversation.Message)
	UpdateAssistantMessage(id, text string)
	AssistantRequestStarted(id string)
	AssistantResponseFinished(id string)
	SetProcessingStatus(text string)
	ClearProcessingStatus()
	SetRoutingMetadata(meta stream.RoutingMetadata)
	ClearRoutingMetadata()
	SetCurrentModel(id string)
	SetError(message string)
}

var _ Store = (*conversation.Store)(nil)

// Timer is a pending Clock callback.
type Timer interface {
	Stop() bool
}

// Clock supplies time to the dispatcher.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, fn func()) Timer
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}

// SystemClock is the wall clock.
var SystemClock Clock = realClock{}
