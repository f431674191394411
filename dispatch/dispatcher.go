// Package dispatch turns decoded stream events into conversation state.
//
// A Pipeline owns one loop goroutine per stream. Events from the reader,
// batcher frames and status timers all run on that loop, so the Dispatcher
// and its Session need no locking.
package dispatch

import (
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/williamcory/chatstream/batch"
	"github.com/williamcory/chatstream/logging"
	"github.com/williamcory/chatstream/stream"
)

const (
	// DefaultStatusFloor is the minimum time a processing status stays
	// visible after the request starts.
	DefaultStatusFloor = 3000 * time.Millisecond

	// contentThreshold is the trimmed length past which streamed text
	// counts as real content.
	contentThreshold = 3
)

// Dispatcher applies events for a single Session.
type Dispatcher struct {
	store   Store
	sess    *Session
	batcher *batch.Batcher
	clock   Clock
	post    func(func())
	floor   time.Duration
	log     *logging.Logger

	// settle clears a status held past Finalize; nil when none is held.
	settle func()
}

// DispatcherConfig wires a Dispatcher to its loop.
type DispatcherConfig struct {
	Scheduler batch.Scheduler
	Clock     Clock
	// Post runs fn on the goroutine that owns the dispatcher.
	Post        func(fn func())
	StatusFloor time.Duration
	Logger      *logging.Logger
}

// NewDispatcher returns a dispatcher writing sess into store.
func NewDispatcher(store Store, sess *Session, cfg DispatcherConfig) *Dispatcher {
	if cfg.Clock == nil {
		cfg.Clock = SystemClock
	}
	if cfg.Post == nil {
		cfg.Post = func(fn func()) { fn() }
	}
	if cfg.StatusFloor < 0 {
		cfg.StatusFloor = 0
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	d := &Dispatcher{
		store: store,
		sess:  sess,
		clock: cfg.Clock,
		post:  cfg.Post,
		floor: cfg.StatusFloor,
		log:   cfg.Logger.With("session", sess.ID),
	}
	d.batcher = batch.New(cfg.Scheduler, d.onBatch)
	return d
}

// Session returns the dispatcher's session.
func (d *Dispatcher) Session() *Session { return d.sess }

// Handle applies ev. A non-nil error ends the stream.
func (d *Dispatcher) Handle(ev stream.Event) error {
	if d.sess.finalized {
		return nil
	}
	if ev.ModelID != "" && ev.ModelID != d.sess.model {
		d.sess.model = ev.ModelID
		d.store.SetCurrentModel(ev.ModelID)
	}

	switch ev.Kind {
	case stream.EventStatus:
		d.sess.lastStatus = ev.Text
		if d.sess.contentSeen {
			d.log.Debug("status suppressed after content", "status", ev.Text)
			return nil
		}
		d.store.SetProcessingStatus(ev.Text)
	case stream.EventDelta:
		d.batcher.Add(ev.Text)
	case stream.EventRouting:
		if ev.Routing != nil {
			d.store.SetRoutingMetadata(*ev.Routing)
		}
	case stream.EventError:
		return &stream.Error{Kind: stream.ServerError, Message: ev.Text}
	}
	return nil
}

func (d *Dispatcher) onBatch(text string) {
	d.sess.text.WriteString(text)
	full := d.sess.text.String()
	d.store.UpdateAssistantMessage(d.sess.MessageID, full)

	if d.sess.contentSeen || utf8.RuneCountInString(strings.TrimSpace(full)) <= contentThreshold {
		return
	}
	d.sess.contentSeen = true

	elapsed := d.clock.Now().Sub(d.sess.Started)
	if elapsed >= d.floor {
		d.clearStatus()
		return
	}
	d.log.Debug("deferring status clear", "remaining", d.floor-elapsed)
	d.sess.clearTimer = d.clock.AfterFunc(d.floor-elapsed, func() {
		d.post(d.clearStatus)
	})
}

func (d *Dispatcher) clearStatus() {
	if d.sess.statusCleared {
		return
	}
	d.sess.statusCleared = true
	d.store.ClearProcessingStatus()
}

// Finalize ends the stream with err, which may be nil. Only the first call
// has any effect; later calls return nil. The returned error is the
// classified err, possibly a silent one.
//
// A stream that completes before the status floor leaves the status up
// until the floor; see Holding and SettleStatus.
func (d *Dispatcher) Finalize(err error) *stream.Error {
	if d.sess.finalized {
		return nil
	}
	classified := Classify(err)

	if classified != nil && classified.Kind == stream.Canceled {
		d.log.Debug("discarding unflushed text", "fragments", d.batcher.Pending())
		d.batcher.Discard()
	} else {
		d.batcher.Flush()
		d.batcher.Discard()
	}
	d.sess.finalized = true
	if d.sess.clearTimer != nil {
		d.sess.clearTimer.Stop()
		d.sess.clearTimer = nil
	}

	if classified != nil && !classified.Silent() {
		msg := UserMessage(classified)
		d.log.Warn("stream failed", "kind", string(classified.Kind), "error", classified.Error())
		d.sess.text.Reset()
		d.sess.text.WriteString(msg)
		d.store.UpdateAssistantMessage(d.sess.MessageID, msg)
		d.store.SetError(msg)
	} else if classified != nil {
		d.log.Debug("stream ended silently", "kind", string(classified.Kind))
	}

	remaining := d.floor - d.clock.Now().Sub(d.sess.Started)
	if classified == nil && !d.sess.statusCleared && remaining > 0 {
		d.holdStatus(remaining)
	} else {
		d.store.ClearProcessingStatus()
	}
	d.sess.statusCleared = true
	d.store.AssistantResponseFinished(d.sess.MessageID)
	return classified
}

// holdStatus clears the status after remaining. The loop is gone by then,
// so the clear goes straight to the store.
func (d *Dispatcher) holdStatus(remaining time.Duration) {
	d.log.Debug("holding status past stream end", "remaining", remaining)
	var once sync.Once
	clearOnce := func() { once.Do(d.store.ClearProcessingStatus) }
	t := d.clock.AfterFunc(remaining, clearOnce)
	d.settle = func() {
		t.Stop()
		clearOnce()
	}
}

// Holding reports whether Finalize left the status up until the floor.
func (d *Dispatcher) Holding() bool { return d.settle != nil }

// SettleStatus clears a held status now instead of at the floor. It is a
// no-op when nothing is held or the clear already happened, and is safe to
// call from any goroutine once Finalize has returned.
func (d *Dispatcher) SettleStatus() {
	if d.settle != nil {
		d.settle()
	}
}
