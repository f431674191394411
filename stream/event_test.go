package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeData(t *testing.T) {
	tests := []struct {
		name string
		data string
		want Event
	}{
		{
			name: "status",
			data: `{"type":"status","delta":"connecting"}`,
			want: Event{Kind: EventStatus, Text: "connecting"},
		},
		{
			name: "delta with model",
			data: `{"type":"delta","delta":"Hel","model":"claude-haiku"}`,
			want: Event{Kind: EventDelta, Text: "Hel", ModelID: "claude-haiku"},
		},
		{
			name: "empty delta",
			data: `{"type":"delta","delta":""}`,
			want: Event{Kind: EventDelta},
		},
		{
			name: "error payload in delta",
			data: `{"type":"error","delta":"rate limited"}`,
			want: Event{Kind: EventError, Text: "rate limited"},
		},
		{
			name: "error payload in error field",
			data: `{"type":"error","error":"upstream timeout"}`,
			want: Event{Kind: EventError, Text: "upstream timeout"},
		},
		{
			name: "routing",
			data: `{"type":"routing","delta":"","metadata":{"selected_agent":"Finance","confidence":0.87,"intent":"budget","routing_method":"semantic","routing_enabled":true}}`,
			want: Event{Kind: EventRouting, Routing: &RoutingMetadata{
				SelectedAgent:  "Finance",
				Confidence:     0.87,
				Intent:         "budget",
				RoutingMethod:  "semantic",
				RoutingEnabled: true,
			}},
		},
		{
			name: "routing camel case",
			data: `{"type":"routing","metadata":{"selectedAgent":"HR","confidence":0.5}}`,
			want: Event{Kind: EventRouting, Routing: &RoutingMetadata{SelectedAgent: "HR", Confidence: 0.5}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeData([]byte(tt.data))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeDataRejects(t *testing.T) {
	for _, data := range []string{
		`{"type":"delta","delta":"unterminated`,
		`["delta"]`,
		`"delta"`,
		`{"type":"thinking","delta":"hm"}`,
		`{"delta":"no type"}`,
		`{"type":"routing"}`,
	} {
		_, err := DecodeData([]byte(data))
		assert.Error(t, err, data)
	}
}

func TestEventKindValid(t *testing.T) {
	assert.True(t, EventDelta.Valid())
	assert.True(t, EventRouting.Valid())
	assert.False(t, EventKind("done").Valid())
}
