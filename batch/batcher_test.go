package batch

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	batches []string
}

func (r *recorder) emit(batch string) { r.batches = append(r.batches, batch) }

func (r *recorder) joined() string { return strings.Join(r.batches, "") }

func TestBatcherEmitsAtThreshold(t *testing.T) {
	var sched Manual
	var rec recorder
	b := New(&sched, rec.emit)

	b.Add("Hel")
	assert.Zero(t, sched.Pending())

	b.Add("lo")
	require.Equal(t, 1, sched.Pending())
	assert.Empty(t, rec.batches)

	sched.RunPending()
	assert.Equal(t, []string{"Hello"}, rec.batches)

	b.Add(" world")
	assert.Zero(t, sched.Pending())
	b.Flush()
	assert.Equal(t, []string{"Hello", " world"}, rec.batches)
}

func TestBatcherCoalescesWhileScheduled(t *testing.T) {
	var sched Manual
	var rec recorder
	b := New(&sched, rec.emit)

	for _, f := range []string{"a", "b", "c", "d", "e"} {
		b.Add(f)
	}
	assert.Equal(t, 1, sched.Pending(), "one pending emission at a time")

	sched.RunPending()
	assert.Equal(t, []string{"abcde"}, rec.batches)
}

func TestBatcherFlushBeforeFrameLeavesNoopFrame(t *testing.T) {
	var sched Manual
	var rec recorder
	b := New(&sched, rec.emit)

	b.Add("a")
	b.Add("b")
	b.Flush()
	assert.Equal(t, []string{"ab"}, rec.batches)

	sched.RunPending()
	assert.Equal(t, []string{"ab"}, rec.batches)

	b.Add("c")
	b.Add("d")
	assert.Equal(t, 1, sched.Pending())
}

func TestBatcherEmptyFragmentsFlowThrough(t *testing.T) {
	var sched Manual
	var rec recorder
	b := New(&sched, rec.emit)

	b.Add("")
	b.Add("x")
	b.Add("")
	sched.RunPending()
	b.Flush()

	assert.Equal(t, "x", rec.joined())
	assert.Equal(t, InitialSize, b.Size())
}

func TestBatcherDiscard(t *testing.T) {
	var sched Manual
	var rec recorder
	b := New(&sched, rec.emit)

	b.Add("a")
	b.Add("b")
	b.Discard()
	sched.RunPending()
	b.Add("c")
	b.Flush()

	assert.Empty(t, rec.batches)
	assert.Zero(t, b.Pending())
}

func TestBatcherGrowth(t *testing.T) {
	var sched Manual
	var rec recorder
	b := New(&sched, rec.emit)

	chunk := strings.Repeat("x", 250)
	b.Add(chunk)
	b.Add(chunk)
	sched.RunPending()
	assert.Equal(t, 500, b.Flushed())
	assert.Equal(t, 3, b.Size())

	b.Add(strings.Repeat("y", 2000))
	b.Flush()
	assert.Equal(t, 7, b.Size())

	b.Add(strings.Repeat("z", 5000))
	b.Flush()
	assert.Equal(t, MaxSize, b.Size())
}

func TestBatcherCountsRunes(t *testing.T) {
	var sched Manual
	var rec recorder
	b := New(&sched, rec.emit)

	b.Add(strings.Repeat("é", 499))
	b.Flush()
	assert.Equal(t, 499, b.Flushed())
	assert.Equal(t, InitialSize, b.Size())
}

// step is one generated batcher operation: add a fragment, run the pending
// frame, or flush.
type step struct {
	op       int
	fragment string
}

func genSteps() gopter.Gen {
	return gen.SliceOf(gopter.CombineGens(
		gen.IntRange(0, 9),
		gen.AlphaString(),
		gen.IntRange(0, 400),
	).Map(func(vals []any) step {
		frag := vals[1].(string)
		// Occasionally pad to cross growth boundaries quickly.
		if vals[2].(int) > 300 {
			frag += strings.Repeat("p", vals[2].(int))
		}
		return step{op: vals[0].(int), fragment: frag}
	}))
}

func TestBatcherProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("emitted batches concatenate to added fragments", prop.ForAll(
		func(steps []step) bool {
			var sched Manual
			var rec recorder
			b := New(&sched, rec.emit)

			var added strings.Builder
			for _, s := range steps {
				if s.op == 0 {
					sched.RunPending()
					continue
				}
				b.Add(s.fragment)
				added.WriteString(s.fragment)
			}
			sched.RunPending()
			b.Flush()
			return rec.joined() == added.String()
		},
		genSteps(),
	))

	properties.Property("threshold starts at 2, never decreases, never exceeds 7", prop.ForAll(
		func(steps []step) bool {
			var sched Manual
			var rec recorder
			b := New(&sched, rec.emit)
			if b.Size() != InitialSize {
				return false
			}

			prev := b.Size()
			for _, s := range steps {
				switch {
				case s.op == 0:
					sched.RunPending()
				case s.op == 1:
					b.Flush()
				default:
					b.Add(s.fragment)
				}
				if b.Size() < prev || b.Size() > MaxSize {
					return false
				}
				prev = b.Size()
			}
			return true
		},
		genSteps(),
	))

	properties.TestingRun(t)
}

func TestFrameSchedulerPostsAfterInterval(t *testing.T) {
	var mu sync.Mutex
	var posted []func()
	done := make(chan struct{}, 1)
	s := NewFrameScheduler(5*time.Millisecond, func(fn func()) {
		mu.Lock()
		posted = append(posted, fn)
		mu.Unlock()
		done <- struct{}{}
	})

	ran := false
	start := time.Now()
	s.Schedule(func() { ran = true })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("frame never posted")
	}
	assert.GreaterOrEqual(t, time.Since(start), 5*time.Millisecond)

	mu.Lock()
	require.Len(t, posted, 1)
	posted[0]()
	mu.Unlock()
	assert.True(t, ran)
}

func TestFrameSchedulerStop(t *testing.T) {
	posted := make(chan struct{}, 1)
	s := NewFrameScheduler(20*time.Millisecond, func(func()) { posted <- struct{}{} })

	s.Schedule(func() {})
	s.Stop()

	select {
	case <-posted:
		t.Fatal("stopped frame was posted")
	case <-time.After(60 * time.Millisecond):
	}
}
