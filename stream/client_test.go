package stream_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/williamcory/chatstream/stream"
)

// scriptedServer answers each request with the next status in statuses,
// streaming body on 200.
type scriptedServer struct {
	mu       sync.Mutex
	statuses []int
	body     string
	calls    []time.Time
	requests []map[string]any
	auth     []string
}

func (s *scriptedServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	idx := len(s.calls)
	s.calls = append(s.calls, time.Now())
	var req map[string]any
	_ = json.NewDecoder(r.Body).Decode(&req)
	s.requests = append(s.requests, req)
	s.auth = append(s.auth, r.Header.Get("Authorization"))
	status := http.StatusOK
	if idx < len(s.statuses) {
		status = s.statuses[idx]
	}
	s.mu.Unlock()

	if status != http.StatusOK {
		http.Error(w, http.StatusText(status), status)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	fmt.Fprint(w, s.body)
}

const validStream = "data: {\"type\":\"status\",\"delta\":\"connecting\"}\n\n" +
	"data: {\"type\":\"delta\",\"delta\":\"Hel\",\"model\":\"m-1\"}\n\n" +
	"data: {\"type\":\"delta\",\"delta\":\"lo\"}\n\n"

func streamAll(t *testing.T, c *stream.Client) ([]stream.Event, error) {
	t.Helper()
	var events []stream.Event
	err := c.Stream(context.Background(), stream.Request{SessionID: "s1", Query: "hi"}, func(ev stream.Event) error {
		events = append(events, ev)
		return nil
	})
	return events, err
}

func TestStreamRetriesNotFoundThenSucceeds(t *testing.T) {
	srv := &scriptedServer{statuses: []int{404, 404, 200}, body: validStream}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	client := stream.NewClient(ts.URL)
	events, err := streamAll(t, client)
	require.NoError(t, err)

	require.Len(t, srv.calls, 3)
	for i := 1; i < len(srv.calls); i++ {
		assert.GreaterOrEqual(t, srv.calls[i].Sub(srv.calls[i-1]), stream.DefaultRetryDelay)
	}
	require.Len(t, events, 3)
	assert.Equal(t, "Hel", events[1].Text)
	assert.Equal(t, "m-1", events[1].ModelID)
}

func TestStreamNotFoundExhausted(t *testing.T) {
	srv := &scriptedServer{statuses: []int{404, 404, 404, 404}}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	client := stream.NewClient(ts.URL, stream.WithRetry(2, 10*time.Millisecond))
	_, err := streamAll(t, client)

	var se *stream.Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, stream.ConnectionError, se.Kind)
	assert.Equal(t, http.StatusNotFound, se.Status)
	assert.Contains(t, se.Message, "after 3 attempts")
	assert.Len(t, srv.calls, 3)
}

func TestStreamServerErrorIsNotRetried(t *testing.T) {
	srv := &scriptedServer{statuses: []int{500}}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	_, err := streamAll(t, stream.NewClient(ts.URL))

	var se *stream.Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, stream.ConnectionError, se.Kind)
	assert.Equal(t, http.StatusInternalServerError, se.Status)
	assert.Len(t, srv.calls, 1)
}

func TestStreamUnreachable(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	_, err := streamAll(t, stream.NewClient(url))

	var se *stream.Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, stream.ConnectionError, se.Kind)
	assert.Zero(t, se.Status)
}

func TestStreamRequestShape(t *testing.T) {
	srv := &scriptedServer{body: validStream}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	client := stream.NewClient(ts.URL+"/", stream.WithTokenSource(func() string { return "tok-123" }))
	err := client.Stream(context.Background(), stream.Request{SessionID: "s9", Query: "budget?", ExplicitAgent: "Finance"}, func(stream.Event) error { return nil })
	require.NoError(t, err)

	require.Len(t, srv.requests, 1)
	assert.Equal(t, map[string]any{
		"session_id":     "s9",
		"query":          "budget?",
		"explicit_agent": "Finance",
		"stream":         true,
	}, srv.requests[0])
	assert.Equal(t, "Bearer tok-123", srv.auth[0])
}

func TestStreamNoTokenNoHeader(t *testing.T) {
	srv := &scriptedServer{body: validStream}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	_, err := streamAll(t, stream.NewClient(ts.URL, stream.WithTokenSource(func() string { return "" })))
	require.NoError(t, err)
	assert.Equal(t, "", srv.auth[0])
	_, hasAgent := srv.requests[0]["explicit_agent"]
	assert.False(t, hasAgent)
}

func TestStreamCanceledBeforeResponse(t *testing.T) {
	block := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer ts.Close()
	defer close(block)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	err := stream.NewClient(ts.URL).Stream(ctx, stream.Request{SessionID: "s"}, func(stream.Event) error { return nil })

	var se *stream.Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, stream.Canceled, se.Kind)
}
