package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/williamcory/chatstream/batch"
	"github.com/williamcory/chatstream/conversation"
	"github.com/williamcory/chatstream/logging"
	"github.com/williamcory/chatstream/stream"
)

// ErrSessionBusy is returned by Send while the session already has a
// stream in flight.
var ErrSessionBusy = errors.New("dispatch: session already streaming")

// Streamer opens a stream and delivers its events in order. *stream.Client
// implements it.
type Streamer interface {
	Stream(ctx context.Context, req stream.Request, emit func(stream.Event) error) error
}

var _ Streamer = (*stream.Client)(nil)

// SchedulerFactory builds the batcher scheduler for one stream. post runs
// a callback on the stream's loop.
type SchedulerFactory func(post func(func())) batch.Scheduler

// Pipeline sends queries and streams the replies into a Store.
type Pipeline struct {
	streamer      Streamer
	store         Store
	clock         Clock
	floor         time.Duration
	frameInterval time.Duration
	newScheduler  SchedulerFactory
	log           *logging.Logger

	mu     sync.Mutex
	active map[string]context.CancelFunc
	// held are finished dispatchers whose status is still up until the
	// floor. The next Send settles them.
	held []*Dispatcher
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithClock sets the clock used for the status floor.
func WithClock(c Clock) Option {
	return func(p *Pipeline) {
		p.clock = c
	}
}

// WithStatusFloor sets how long a processing status stays visible after
// the request starts.
func WithStatusFloor(d time.Duration) Option {
	return func(p *Pipeline) {
		p.floor = d
	}
}

// WithFrameInterval sets the batcher frame interval.
func WithFrameInterval(d time.Duration) Option {
	return func(p *Pipeline) {
		p.frameInterval = d
	}
}

// WithScheduler replaces the frame scheduler.
func WithScheduler(f SchedulerFactory) Option {
	return func(p *Pipeline) {
		p.newScheduler = f
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(p *Pipeline) {
		p.log = l
	}
}

// NewPipeline returns a pipeline streaming through s into store.
func NewPipeline(s Streamer, store Store, opts ...Option) *Pipeline {
	p := &Pipeline{
		streamer:      s,
		store:         store,
		clock:         SystemClock,
		floor:         DefaultStatusFloor,
		frameInterval: batch.DefaultFrameInterval,
		log:           logging.Nop(),
		active:        make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.newScheduler == nil {
		interval := p.frameInterval
		p.newScheduler = func(post func(func())) batch.Scheduler {
			return batch.NewFrameScheduler(interval, post)
		}
	}
	return p
}

// SendOption adjusts a single Send.
type SendOption func(*stream.Request)

// WithAgent asks the backend to route to agent instead of choosing one.
func WithAgent(agent string) SendOption {
	return func(r *stream.Request) {
		r.ExplicitAgent = agent
	}
}

// Send posts query to sessionID and streams the reply until it finishes,
// fails or is canceled. It returns nil on success, cancellation and
// suppressed noise, and the classified *stream.Error otherwise.
func (p *Pipeline) Send(ctx context.Context, sessionID, query string, opts ...SendOption) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if !p.acquire(sessionID, cancel) {
		return ErrSessionBusy
	}
	defer p.release(sessionID)
	p.settleHeld()

	req := stream.Request{SessionID: sessionID, Query: query}
	for _, opt := range opts {
		opt(&req)
	}

	now := p.clock.Now()
	assistantID := conversation.NewMessageID()
	p.store.AddMessage(conversation.Message{
		ID:        conversation.NewMessageID(),
		Text:      query,
		Sender:    conversation.SenderUser,
		Timestamp: now,
	})
	p.store.AddMessage(conversation.Message{
		ID:          assistantID,
		Sender:      conversation.SenderAssistant,
		Timestamp:   now,
		Provisional: true,
	})
	p.store.ClearRoutingMetadata()
	p.store.AssistantRequestStarted(assistantID)

	lp := newLoop()
	defer lp.close()
	sched := p.newScheduler(lp.post)
	if s, ok := sched.(interface{ Stop() }); ok {
		defer s.Stop()
	}

	d := NewDispatcher(p.store, NewSession(sessionID, assistantID, now), DispatcherConfig{
		Scheduler:   sched,
		Clock:       p.clock,
		Post:        lp.post,
		StatusFloor: p.floor,
		Logger:      p.log,
	})

	done := make(chan error, 1)
	go func() {
		done <- p.streamer.Stream(ctx, req, func(ev stream.Event) error {
			res := make(chan error, 1)
			lp.post(func() { res <- d.Handle(ev) })
			return <-res
		})
	}()

	err := lp.run(done)
	cerr := d.Finalize(err)
	if d.Holding() {
		p.mu.Lock()
		p.held = append(p.held, d)
		p.mu.Unlock()
	}
	if cerr == nil || cerr.Silent() {
		return nil
	}
	return cerr
}

// Cancel stops the in-flight stream for sessionID. It reports whether one
// was running.
func (p *Pipeline) Cancel(sessionID string) bool {
	p.mu.Lock()
	cancel, ok := p.active[sessionID]
	p.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Busy reports whether sessionID has a stream in flight.
func (p *Pipeline) Busy(sessionID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.active[sessionID]
	return ok
}

func (p *Pipeline) acquire(sessionID string, cancel context.CancelFunc) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.active[sessionID]; ok {
		return false
	}
	p.active[sessionID] = cancel
	return true
}

// settleHeld drops statuses held from earlier streams. The status is
// shared by the whole store, so a new request takes it over.
func (p *Pipeline) settleHeld() {
	p.mu.Lock()
	held := p.held
	p.held = nil
	p.mu.Unlock()
	for _, d := range held {
		d.SettleStatus()
	}
}

func (p *Pipeline) release(sessionID string) {
	p.mu.Lock()
	delete(p.active, sessionID)
	p.mu.Unlock()
}

// loop serializes callbacks onto the goroutine that calls run.
type loop struct {
	tasks  chan func()
	closed chan struct{}
	once   sync.Once
}

func newLoop() *loop {
	return &loop{
		tasks:  make(chan func(), 64),
		closed: make(chan struct{}),
	}
}

// post queues fn. Callbacks posted after close are dropped.
func (l *loop) post(fn func()) {
	select {
	case <-l.closed:
		return
	default:
	}
	select {
	case l.tasks <- fn:
	case <-l.closed:
	}
}

// run executes queued callbacks until done yields the reader's result.
func (l *loop) run(done <-chan error) error {
	for {
		select {
		case fn := <-l.tasks:
			fn()
		case err := <-done:
			return err
		}
	}
}

func (l *loop) close() {
	l.once.Do(func() { close(l.closed) })
}
