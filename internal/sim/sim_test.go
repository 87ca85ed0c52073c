package sim_test

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyang/agent-feed/internal/adapter/sse"
	"github.com/alanyang/agent-feed/internal/config"
	"github.com/alanyang/agent-feed/internal/domain/event"
	"github.com/alanyang/agent-feed/internal/port/stream"
	"github.com/alanyang/agent-feed/internal/sim"
)

func newTestServer(t *testing.T, emitInterval time.Duration) *httptest.Server {
	t.Helper()
	cfg, err := config.LoadSim("")
	require.NoError(t, err)
	cfg.Search.ResultDelay = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	gen := sim.NewGenerator(emitInterval)
	gen.Start(ctx)

	srv := httptest.NewServer(sim.NewRouter(cfg, gen))
	t.Cleanup(srv.Close)
	return srv
}

func openSSE(t *testing.T, url string) stream.Stream {
	t.Helper()
	opener := sse.NewOpener(config.Backoff{BaseMs: 5, Multiplier: 1.5, MaxMs: 20}, nil)
	st, err := opener.Open(context.Background(), url)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func nextEvent(t *testing.T, st stream.Stream) event.Event {
	t.Helper()
	select {
	case fr, ok := <-st.Frames():
		require.True(t, ok, "stream closed early")
		e, err := event.Decode(fr.Data, fr.ReceivedAt)
		require.NoError(t, err, "sim emitted an undecodable frame: %s", fr.Data)
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestFeedEmitsDecodableRegistryEvents(t *testing.T) {
	srv := newTestServer(t, 5*time.Millisecond)
	st := openSSE(t, srv.URL+"/api/feed/sse")

	for i := 0; i < 10; i++ {
		e := nextEvent(t, st)
		reg, ok := e.(event.RegistryEvent)
		require.True(t, ok, "feed emitted non-registry event %q", e.EventType())
		assert.NotEmpty(t, reg.NaturalKey())
		assert.False(t, e.OccurredAt().IsZero())
	}
}

func TestSearchStreamsResultsThenDone(t *testing.T) {
	srv := newTestServer(t, time.Hour)
	st := openSSE(t, srv.URL+"/api/search/sse?q=planner")

	var results []event.SearchResult
	var metadata *event.SearchMetadata
	for {
		e := nextEvent(t, st)
		switch ev := e.(type) {
		case event.SearchResult:
			results = append(results, ev)
		case event.SearchMetadata:
			require.Nil(t, metadata, "metadata emitted twice")
			metadata = &ev
		case event.StreamDone:
			require.NotEmpty(t, results)
			require.NotNil(t, metadata)
			assert.Equal(t, "planner", metadata.RewrittenQuery)
			assert.Equal(t, len(results), metadata.ExpectedTotal)
			// Scores arrive in descending rank order.
			for i := 1; i < len(results); i++ {
				assert.LessOrEqual(t, results[i].Score, results[i-1].Score)
			}
			return
		default:
			t.Fatalf("unexpected event %q on search stream", e.EventType())
		}
	}
}

func TestSearchFailureEndsWithErrorEvent(t *testing.T) {
	srv := newTestServer(t, time.Hour)
	st := openSSE(t, srv.URL+"/api/search/sse?q=please+fail")

	var results int
	for {
		e := nextEvent(t, st)
		switch e.(type) {
		case event.SearchResult:
			results++
		case event.SearchMetadata:
		case event.StreamError:
			// Partial results precede the terminal error.
			assert.Equal(t, 2, results)
			return
		case event.StreamDone:
			t.Fatal("failing query must not complete with done")
		}
	}
}

func TestSearchRequiresQuery(t *testing.T) {
	srv := newTestServer(t, time.Hour)

	resp, err := srv.Client().Get(srv.URL + "/api/search/sse")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, 400, resp.StatusCode)
}
