// Package conversation holds the chat state the streaming pipeline writes
// into and front ends read from.
package conversation

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/williamcory/chatstream/stream"
)

// Sender identifies who wrote a message.
type Sender string

const (
	SenderUser      Sender = "user"
	SenderAssistant Sender = "assistant"
)

// Message is one conversation entry. Text of a provisional assistant
// message only grows until the stream finishes.
type Message struct {
	ID          string
	Text        string
	Sender      Sender
	Timestamp   time.Time
	Provisional bool
}

// NewMessageID returns a fresh message identifier.
func NewMessageID() string {
	return uuid.NewString()
}

// Snapshot is a consistent copy of the store.
type Snapshot struct {
	Messages         []Message
	ProcessingStatus string
	Routing          *stream.RoutingMetadata
	CurrentModel     string
	LastError        string
	// Busy is true while an assistant turn is in flight.
	Busy bool
	// ActiveID is the most recently started assistant message still
	// streaming, if any.
	ActiveID string
}

// Store is an in-memory conversation. It is safe for concurrent use:
// the pipeline writes from its loop goroutine while front ends read.
type Store struct {
	mu       sync.RWMutex
	messages []Message
	index    map[string]int
	status   string
	routing  *stream.RoutingMetadata
	model    string
	lastErr  string
	// active holds the in-flight assistant message ids.
	active   map[string]struct{}
	activeID string

	subMu sync.Mutex
	subs  map[chan struct{}]struct{}
}

// New returns an empty store.
func New() *Store {
	return &Store{
		index:  make(map[string]int),
		active: make(map[string]struct{}),
		subs:   make(map[chan struct{}]struct{}),
	}
}

// AddMessage appends m. A message with an existing ID is ignored.
func (s *Store) AddMessage(m Message) {
	s.mu.Lock()
	if _, ok := s.index[m.ID]; ok {
		s.mu.Unlock()
		return
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}
	s.index[m.ID] = len(s.messages)
	s.messages = append(s.messages, m)
	s.mu.Unlock()
	s.notify()
}

// UpdateAssistantMessage replaces the text of assistant message id.
func (s *Store) UpdateAssistantMessage(id, text string) {
	s.mu.Lock()
	i, ok := s.index[id]
	if !ok || s.messages[i].Sender != SenderAssistant {
		s.mu.Unlock()
		return
	}
	s.messages[i].Text = text
	s.mu.Unlock()
	s.notify()
}

// AssistantRequestStarted marks id as an in-flight assistant message.
func (s *Store) AssistantRequestStarted(id string) {
	s.mu.Lock()
	s.active[id] = struct{}{}
	s.activeID = id
	s.lastErr = ""
	if i, ok := s.index[id]; ok {
		s.messages[i].Provisional = true
	}
	s.mu.Unlock()
	s.notify()
}

// AssistantResponseFinished ends the turn streaming into id. Input
// unblocks once no turn is left in flight.
func (s *Store) AssistantResponseFinished(id string) {
	s.mu.Lock()
	if i, ok := s.index[id]; ok {
		s.messages[i].Provisional = false
	}
	delete(s.active, id)
	if s.activeID == id {
		s.activeID = ""
		// fall back to any turn still streaming
		for other := range s.active {
			s.activeID = other
			break
		}
	}
	s.mu.Unlock()
	s.notify()
}

func (s *Store) SetProcessingStatus(text string) {
	s.set(func() { s.status = text })
}

func (s *Store) ClearProcessingStatus() {
	s.set(func() { s.status = "" })
}

// SetRoutingMetadata replaces the routing metadata wholesale.
func (s *Store) SetRoutingMetadata(meta stream.RoutingMetadata) {
	s.set(func() { s.routing = &meta })
}

func (s *Store) ClearRoutingMetadata() {
	s.set(func() { s.routing = nil })
}

func (s *Store) SetCurrentModel(id string) {
	s.set(func() { s.model = id })
}

func (s *Store) SetError(message string) {
	s.set(func() { s.lastErr = message })
}

// Message returns the message with the given id.
func (s *Store) Message(id string) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.index[id]
	if !ok {
		return Message{}, false
	}
	return s.messages[i], true
}

// Snapshot returns a copy of the current state.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		Messages:         append([]Message(nil), s.messages...),
		ProcessingStatus: s.status,
		CurrentModel:     s.model,
		LastError:        s.lastErr,
		Busy:             len(s.active) > 0,
		ActiveID:         s.activeID,
	}
	if s.routing != nil {
		r := *s.routing
		snap.Routing = &r
	}
	return snap
}

// Subscribe returns a channel that receives a value after every change.
// Notifications coalesce: a slow reader sees at most one pending value.
// Call the returned function to unsubscribe.
func (s *Store) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	s.subMu.Lock()
	s.subs[ch] = struct{}{}
	s.subMu.Unlock()

	return ch, func() {
		s.subMu.Lock()
		delete(s.subs, ch)
		s.subMu.Unlock()
	}
}

func (s *Store) set(fn func()) {
	s.mu.Lock()
	fn()
	s.mu.Unlock()
	s.notify()
}

func (s *Store) notify() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for ch := range s.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
