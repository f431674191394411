// Package batch coalesces streamed text fragments into render-sized
// batches. Early output is emitted in small groups so the first words
// appear promptly; once enough text has been flushed the groups grow.
package batch

import (
	"strings"
	"unicode/utf8"
)

const (
	// InitialSize is the fragment threshold of a fresh batcher.
	InitialSize = 2
	// MaxSize caps the fragment threshold.
	MaxSize = 7
	// GrowthStep is the number of flushed characters per threshold step.
	GrowthStep = 500
)

// Scheduler runs fn at the next rendering opportunity, on the goroutine
// that owns the batcher.
type Scheduler interface {
	Schedule(fn func())
}

// Batcher buffers fragments and hands them to emit in order. It is not
// safe for concurrent use.
type Batcher struct {
	sched   Scheduler
	emit    func(batch string)
	pending []string
	size    int
	flushed int

	scheduled bool
	stopped   bool
}

// New returns a batcher that emits through emit, deferring threshold
// emissions with sched.
func New(sched Scheduler, emit func(batch string)) *Batcher {
	return &Batcher{
		sched: sched,
		emit:  emit,
		size:  InitialSize,
	}
}

// Add buffers fragment. Once the threshold is reached an emission is
// scheduled; fragments added before it runs join the same batch.
func (b *Batcher) Add(fragment string) {
	if b.stopped {
		return
	}
	b.pending = append(b.pending, fragment)
	if len(b.pending) >= b.size && !b.scheduled {
		b.scheduled = true
		b.sched.Schedule(b.onFrame)
	}
}

// Flush emits everything buffered now.
func (b *Batcher) Flush() {
	b.emitPending()
}

// Discard drops buffered fragments and ignores any later Add. A scheduled
// emission becomes a no-op.
func (b *Batcher) Discard() {
	b.pending = nil
	b.stopped = true
}

// Size is the current fragment threshold.
func (b *Batcher) Size() int { return b.size }

// Flushed is the number of characters emitted so far.
func (b *Batcher) Flushed() int { return b.flushed }

// Pending is the number of buffered fragments.
func (b *Batcher) Pending() int { return len(b.pending) }

func (b *Batcher) onFrame() {
	b.scheduled = false
	b.emitPending()
}

func (b *Batcher) emitPending() {
	if b.stopped || len(b.pending) == 0 {
		return
	}
	batch := strings.Join(b.pending, "")
	b.pending = b.pending[:0]
	b.flushed += utf8.RuneCountInString(batch)
	b.grow()
	b.emit(batch)
}

// grow ratchets the threshold by one step per GrowthStep flushed
// characters. It never shrinks.
func (b *Batcher) grow() {
	target := min(MaxSize, InitialSize+b.flushed/GrowthStep)
	if target > b.size {
		b.size = target
	}
}
