package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/agentlayer/pkg/domain"
	"github.com/polisai/agentlayer/pkg/engine"
	"github.com/polisai/agentlayer/pkg/events"
)

const streamRunID = "5f0c7c1e-3f57-4a0e-9d47-0d6f2b0c9a11"

func newStreamFixture(t *testing.T) (*fixture, *events.Stream) {
	t.Helper()
	stream := events.NewStream(events.StreamConfig{})
	f := newFixture(t, func(cfg *Config) {
		cfg.Engine = engine.New(engine.Config{Store: cfg.Store, Publisher: stream})
		cfg.Stream = stream
	})
	return f, stream
}

func mustGraph(t *testing.T) *domain.Graph {
	t.Helper()
	return &domain.Graph{ID: "one", Nodes: []domain.Node{
		{ID: "only", Kind: "constant", Config: map[string]any{"value": "hi"}},
	}}
}

func readFrames(t *testing.T, body io.Reader) []events.Sequenced {
	t.Helper()
	dec := events.NewSSEDecoder(body)
	var out []events.Sequenced
	for {
		msg, err := dec.Next()
		if errors.Is(err, io.EOF) {
			return out
		}
		require.NoError(t, err)
		ev, err := msg.Decode()
		require.NoError(t, err)
		out = append(out, ev)
	}
}

func eventTypes(msgs []events.Sequenced) []events.Type {
	out := make([]events.Type, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Event.Type)
	}
	return out
}

func TestRunEventsReplay(t *testing.T) {
	f, _ := newStreamFixture(t)
	rec := f.do(t, http.MethodPost, "/run", `{"run_id": "`+streamRunID+`", `+greetingFlow[1:]+`}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, streamRunID, decode(t, rec)["run_id"])

	rec = f.do(t, http.MethodGet, "/runs/"+streamRunID+"/events", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	frames := readFrames(t, rec.Body)
	assert.Equal(t, []events.Type{events.RunStarted, events.NodeFinished, events.NodeFinished, events.RunFinished}, eventTypes(frames))
	assert.Equal(t, "completed", frames[3].Event.Status)
	for i, frame := range frames {
		assert.Equal(t, uint64(i+1), frame.Seq)
		assert.Equal(t, streamRunID, frame.Event.RunID)
	}
}

func TestRunEventsResume(t *testing.T) {
	f, _ := newStreamFixture(t)
	rec := f.do(t, http.MethodPost, "/run", `{"run_id": "`+streamRunID+`", `+greetingFlow[1:]+`}`)
	require.Equal(t, http.StatusOK, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/runs/"+streamRunID+"/events", nil)
	req.Header.Set("Last-Event-ID", "2")
	out := httptest.NewRecorder()
	f.server.ServeHTTP(out, req)
	require.Equal(t, http.StatusOK, out.Code)

	frames := readFrames(t, out.Body)
	require.Len(t, frames, 2)
	assert.Equal(t, uint64(3), frames[0].Seq)
	assert.Equal(t, events.RunFinished, frames[1].Event.Type)
}

func TestRunEventsFollowLiveRun(t *testing.T) {
	f, stream := newStreamFixture(t)
	srv := httptest.NewServer(f.server.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = stream.Publish(ctx, events.Event{Type: events.RunStarted, RunID: "live-run"})
		_ = stream.Publish(ctx, events.Event{Type: events.RunFinished, RunID: "live-run", Status: "completed"})
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/runs/live-run/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	frames := readFrames(t, resp.Body)
	assert.Equal(t, []events.Type{events.RunStarted, events.RunFinished}, eventTypes(frames))
}

func TestRunEventsErrors(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, http.MethodGet, "/runs/x/events", "")
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
	assert.Equal(t, "STREAM_DISABLED", decode(t, rec)["code"])

	sf, _ := newStreamFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/runs/x/events", nil)
	req.Header.Set("Last-Event-ID", "abc")
	out := httptest.NewRecorder()
	sf.server.ServeHTTP(out, req)
	assert.Equal(t, http.StatusBadRequest, out.Code)
}

func TestRunEventsExpired(t *testing.T) {
	f, _ := newStreamFixture(t)
	// Run through an engine that does not feed the stream.
	direct := engine.New(engine.Config{Store: f.store})
	state, err := direct.Execute(context.Background(), engine.Request{Graph: mustGraph(t)})
	require.NoError(t, err)

	rec := f.do(t, http.MethodGet, "/runs/"+state.RunID+"/events", "")
	assert.Equal(t, http.StatusGone, rec.Code)
	assert.Equal(t, "STREAM_EXPIRED", decode(t, rec)["code"])
}

func TestRunRejectsMalformedRunID(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, http.MethodPost, "/run", `{"run_id": "not-a-uuid", `+greetingFlow[1:]+`}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_REQUEST", decode(t, rec)["code"])
}
