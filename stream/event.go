// Package stream consumes the assistant's server-sent event stream: it opens
// the request, reassembles raw byte chunks into protocol messages and decodes
// each `data:` line into an Event.
//
// Example usage:
//
//	client := stream.NewClient("http://localhost:8000",
//	    stream.WithTokenSource(func() string { return token }),
//	)
//	err := client.Stream(ctx, stream.Request{SessionID: id, Query: "hi"},
//	    func(ev stream.Event) error {
//	        fmt.Print(ev.Text)
//	        return nil
//	    })
package stream

import (
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
)

// EventKind identifies the type of a stream event.
type EventKind string

const (
	EventStatus  EventKind = "status"
	EventDelta   EventKind = "delta"
	EventRouting EventKind = "routing"
	EventError   EventKind = "error"
)

// Valid reports whether k is one of the known kinds.
func (k EventKind) Valid() bool {
	switch k {
	case EventStatus, EventDelta, EventRouting, EventError:
		return true
	}
	return false
}

// RoutingMetadata describes which backend agent answers the query.
type RoutingMetadata struct {
	SelectedAgent  string  `json:"selected_agent"`
	Confidence     float64 `json:"confidence"`
	Intent         string  `json:"intent"`
	RoutingMethod  string  `json:"routing_method"`
	RoutingEnabled bool    `json:"routing_enabled"`
}

// Event is a single decoded protocol unit.
type Event struct {
	Kind EventKind
	// Text carries the payload of status, delta and error events.
	Text string
	// Routing is set for routing events only.
	Routing *RoutingMetadata
	// ModelID is the model that produced the event, when reported.
	ModelID string
}

var errNotObject = errors.New("payload is not a JSON object")

// DecodeData decodes the JSON record that follows the data prefix:
//
//	{"type": "delta", "delta": "Hel", "model": "m-1", "metadata": {...}}
func DecodeData(data []byte) (Event, error) {
	if !gjson.ValidBytes(data) {
		return Event{}, fmt.Errorf("invalid JSON: %q", truncate(string(data), 80))
	}
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return Event{}, errNotObject
	}

	ev := Event{
		Kind:    EventKind(root.Get("type").String()),
		ModelID: root.Get("model").String(),
	}

	switch ev.Kind {
	case EventStatus, EventDelta:
		ev.Text = root.Get("delta").String()
	case EventError:
		ev.Text = firstString(root, "delta", "error", "message")
	case EventRouting:
		meta := root.Get("metadata")
		if !meta.IsObject() {
			return Event{}, errors.New("routing event without metadata object")
		}
		ev.Routing = &RoutingMetadata{
			SelectedAgent:  firstString(meta, "selected_agent", "selectedAgent"),
			Confidence:     firstResult(meta, "confidence").Float(),
			Intent:         firstString(meta, "intent"),
			RoutingMethod:  firstString(meta, "routing_method", "routingMethod"),
			RoutingEnabled: firstResult(meta, "routing_enabled", "routingEnabled").Bool(),
		}
	default:
		return Event{}, fmt.Errorf("unknown event type %q", ev.Kind)
	}
	return ev, nil
}

func firstResult(obj gjson.Result, paths ...string) gjson.Result {
	for _, p := range paths {
		if r := obj.Get(p); r.Exists() {
			return r
		}
	}
	return gjson.Result{}
}

func firstString(obj gjson.Result, paths ...string) string {
	return firstResult(obj, paths...).String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
