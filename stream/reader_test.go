package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/williamcory/chatstream/logging"
)

// chunkReader returns its payload in the given piece sizes, then the rest.
type chunkReader struct {
	data  []byte
	sizes []int
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, io.EOF
	}
	n := len(r.data)
	if len(r.sizes) > 0 {
		n = min(r.sizes[0], n)
		r.sizes = r.sizes[1:]
	}
	n = min(n, len(p))
	copy(p, r.data[:n])
	r.data = r.data[n:]
	return n, nil
}

func encodeEvent(t testing.TB, ev Event) string {
	t.Helper()
	rec := map[string]any{"type": string(ev.Kind), "delta": ev.Text}
	if ev.ModelID != "" {
		rec["model"] = ev.ModelID
	}
	if ev.Routing != nil {
		rec["metadata"] = ev.Routing
	}
	b, err := json.Marshal(rec)
	require.NoError(t, err)
	return DataPrefix + string(b) + "\n\n"
}

func collect(t testing.TB, r io.Reader, readSize int) []Event {
	t.Helper()
	var got []Event
	err := consume(context.Background(), r, readSize, logging.Nop(), func(ev Event) error {
		got = append(got, ev)
		return nil
	})
	require.NoError(t, err)
	return got
}

func genEvent() gopter.Gen {
	return gopter.CombineGens(
		gen.IntRange(0, 2),
		gen.AlphaString(),
		gen.OneConstOf("", "model-a", "model-b"),
		gen.Float64Range(0, 1),
	).Map(func(vals []any) Event {
		text := vals[1].(string) + " é\n→"
		ev := Event{ModelID: vals[2].(string)}
		switch vals[0].(int) {
		case 0:
			ev.Kind, ev.Text = EventStatus, text
		case 1:
			ev.Kind, ev.Text = EventDelta, text
		default:
			ev.Kind = EventRouting
			ev.Routing = &RoutingMetadata{SelectedAgent: vals[1].(string), Confidence: vals[3].(float64), RoutingEnabled: true}
		}
		return ev
	})
}

// Splitting the encoded stream at any offset, or into any sequence of piece
// sizes, must not change the decoded events.
func TestConsumeChunkBoundaryInvarianceProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("every split offset yields the whole-payload events", prop.ForAll(
		func(events []Event) bool {
			var wire strings.Builder
			for _, ev := range events {
				wire.WriteString(encodeEvent(t, ev))
			}
			payload := []byte(wire.String())
			whole := collect(t, bytes.NewReader(payload), len(payload)+1)
			if len(whole) != len(events) {
				return false
			}
			for i := 0; i <= len(payload); i++ {
				split := collect(t, &chunkReader{data: payload, sizes: []int{i}}, 64*1024)
				if !assert.ObjectsAreEqual(whole, split) {
					return false
				}
			}
			return true
		},
		gen.SliceOfN(4, genEvent()),
	))

	properties.Property("arbitrary piece sizes yield the whole-payload events", prop.ForAll(
		func(events []Event, sizes []int) bool {
			var wire strings.Builder
			for _, ev := range events {
				wire.WriteString(encodeEvent(t, ev))
			}
			payload := []byte(wire.String())
			whole := collect(t, bytes.NewReader(payload), len(payload)+1)
			pieces := collect(t, &chunkReader{data: payload, sizes: sizes}, 64*1024)
			return assert.ObjectsAreEqual(whole, pieces)
		},
		gen.SliceOf(genEvent()),
		gen.SliceOf(gen.IntRange(1, 7)),
	))

	properties.TestingRun(t)
}

func TestSplitterKeepsCarry(t *testing.T) {
	var sp Splitter

	assert.Empty(t, sp.Feed([]byte("data: {\"type\":\"delta\"")))
	assert.Equal(t, 21, sp.Pending())

	msgs := sp.Feed([]byte(",\"delta\":\"a\"}\n"))
	assert.Empty(t, msgs)

	msgs = sp.Feed([]byte("\ndata: x\n\ndata: tail"))
	assert.Equal(t, []string{`data: {"type":"delta","delta":"a"}`, "data: x"}, msgs)
	assert.Equal(t, "data: tail", sp.Rest())
	assert.Zero(t, sp.Pending())
}

func TestParseMessageSkipsMalformedLines(t *testing.T) {
	var logBuf bytes.Buffer
	log := logging.New(logging.LevelWarn, &logBuf)

	msg := strings.Join([]string{
		"event: message",
		`data: {"type":"delta","delta":"ok"}`,
		`data: {"type":"delta","delta":`,
		": keep-alive comment",
		`data: {"type":"status","delta":"thinking"}` + "\r",
		"data: ",
	}, "\n")

	events := ParseMessage(msg, log)
	require.Len(t, events, 2)
	assert.Equal(t, Event{Kind: EventDelta, Text: "ok"}, events[0])
	assert.Equal(t, Event{Kind: EventStatus, Text: "thinking"}, events[1])
	assert.Contains(t, logBuf.String(), "skipping malformed stream line")
}

func TestConsumeCorruptLineDoesNotAbortStream(t *testing.T) {
	payload := DataPrefix + `{"type":"delta","delta":"a"}` + "\n\n" +
		DataPrefix + `{not json}` + "\n\n" +
		DataPrefix + `{"type":"delta","delta":"b"}` + "\n\n"

	events := collect(t, strings.NewReader(payload), 7)
	require.Len(t, events, 2)
	assert.Equal(t, "a", events[0].Text)
	assert.Equal(t, "b", events[1].Text)
}

func TestConsumeParsesUnterminatedTail(t *testing.T) {
	payload := DataPrefix + `{"type":"delta","delta":"a"}` + "\n\n" +
		DataPrefix + `{"type":"delta","delta":"b"}`

	events := collect(t, strings.NewReader(payload), 5)
	require.Len(t, events, 2)
	assert.Equal(t, "b", events[1].Text)
}

func TestConsumeStopsOnEmitError(t *testing.T) {
	payload := encodeEvent(t, Event{Kind: EventDelta, Text: "a"}) +
		encodeEvent(t, Event{Kind: EventError, Text: "boom"}) +
		encodeEvent(t, Event{Kind: EventDelta, Text: "never"})

	stop := errors.New("stop")
	var seen []string
	err := Consume(context.Background(), strings.NewReader(payload), logging.Nop(), func(ev Event) error {
		seen = append(seen, ev.Text)
		if ev.Kind == EventError {
			return stop
		}
		return nil
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, []string{"a", "boom"}, seen)
}

type failingReader struct{ err error }

func (r failingReader) Read([]byte) (int, error) { return 0, r.err }

func TestConsumeReadFailureIsStreamingError(t *testing.T) {
	err := Consume(context.Background(), failingReader{err: io.ErrUnexpectedEOF}, logging.Nop(), func(Event) error { return nil })

	var se *Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, StreamingError, se.Kind)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestConsumeCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	payload := encodeEvent(t, Event{Kind: EventDelta, Text: "a"}) + encodeEvent(t, Event{Kind: EventDelta, Text: "b"})

	var seen int
	err := consume(ctx, strings.NewReader(payload), 4, logging.Nop(), func(Event) error {
		seen++
		cancel()
		return nil
	})

	var se *Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, Canceled, se.Kind)
	assert.True(t, se.Silent())
	assert.Equal(t, 1, seen)
}
