package backend

import (
	"fmt"
	"io"
	"net/http"

	"github.com/tidwall/sjson"

	"github.com/williamcory/chatstream/stream"
)

// EventWriter emits protocol events to one client.
type EventWriter interface {
	Status(text string) error
	Delta(text, model string) error
	Routing(meta stream.RoutingMetadata) error
	Error(message string) error
}

// sseWriter writes `data:` records separated by blank lines, flushing
// after each one.
type sseWriter struct {
	w       io.Writer
	flusher http.Flusher
}

func newSSEWriter(w http.ResponseWriter) *sseWriter {
	f, _ := w.(http.Flusher)
	return &sseWriter{w: w, flusher: f}
}

func (s *sseWriter) Status(text string) error {
	return s.send(string(stream.EventStatus), "delta", text)
}

func (s *sseWriter) Delta(text, model string) error {
	payload, err := sjson.SetBytes([]byte(`{}`), "type", string(stream.EventDelta))
	if err != nil {
		return err
	}
	if payload, err = sjson.SetBytes(payload, "delta", text); err != nil {
		return err
	}
	if model != "" {
		if payload, err = sjson.SetBytes(payload, "model", model); err != nil {
			return err
		}
	}
	return s.write(payload)
}

func (s *sseWriter) Routing(meta stream.RoutingMetadata) error {
	payload, err := sjson.SetBytes([]byte(`{}`), "type", string(stream.EventRouting))
	if err != nil {
		return err
	}
	if payload, err = sjson.SetBytes(payload, "metadata", meta); err != nil {
		return err
	}
	return s.write(payload)
}

func (s *sseWriter) Error(message string) error {
	return s.send(string(stream.EventError), "delta", message)
}

func (s *sseWriter) send(kind, field, value string) error {
	payload, err := sjson.SetBytes([]byte(`{}`), "type", kind)
	if err != nil {
		return err
	}
	if payload, err = sjson.SetBytes(payload, field, value); err != nil {
		return err
	}
	return s.write(payload)
}

func (s *sseWriter) write(payload []byte) error {
	if _, err := fmt.Fprintf(s.w, "%s%s\n\n", stream.DataPrefix, payload); err != nil {
		return err
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}
