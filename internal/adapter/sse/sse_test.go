package sse_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyang/agent-feed/internal/adapter/sse"
	"github.com/alanyang/agent-feed/internal/config"
	"github.com/alanyang/agent-feed/internal/port/stream"
)

// fastBackoff keeps reconnect delays negligible in tests.
func fastBackoff(maxRetries int) config.Backoff {
	return config.Backoff{BaseMs: 5, Multiplier: 1.5, MaxMs: 20, MaxRetries: maxRetries}
}

func collect(t *testing.T, ch <-chan stream.Frame, n int) []string {
	t.Helper()
	out := make([]string, 0, n)
	timeout := time.After(2 * time.Second)
	for len(out) < n {
		select {
		case fr, ok := <-ch:
			require.True(t, ok, "frames channel closed after %d of %d frames", len(out), n)
			out = append(out, string(fr.Data))
		case <-timeout:
			t.Fatalf("timed out after %d of %d frames", len(out), n)
		}
	}
	return out
}

func TestFramingAndHeartbeats(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		w.Header().Set("Content-Type", "text/event-stream")
		fl := w.(http.Flusher)

		// Heartbeat comments and non-data fields are skipped, not errors.
		fmt.Fprint(w, ": heartbeat\n\n")
		fmt.Fprint(w, "event: registry\nid: 17\ndata: {\"seq\":1}\n\n")
		fmt.Fprint(w, "data: first\ndata: second\n\n")
		fl.Flush()

		<-r.Context().Done()
	}))
	defer srv.Close()

	opener := sse.NewOpener(fastBackoff(0), nil)
	st, err := opener.Open(context.Background(), srv.URL)
	require.NoError(t, err)
	defer st.Close()

	frames := collect(t, st.Frames(), 2)
	assert.Equal(t, `{"seq":1}`, frames[0])
	// Multi-line data fields join with a newline.
	assert.Equal(t, "first\nsecond", frames[1])
}

func TestReconnectAfterDrop(t *testing.T) {
	var conns atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := conns.Add(1)
		w.Header().Set("Content-Type", "text/event-stream")
		fl := w.(http.Flusher)
		fmt.Fprintf(w, "data: conn-%d\n\n", n)
		fl.Flush()
		if n == 1 {
			return // drop the first connection after one frame
		}
		<-r.Context().Done()
	}))
	defer srv.Close()

	opener := sse.NewOpener(fastBackoff(0), nil)
	st, err := opener.Open(context.Background(), srv.URL)
	require.NoError(t, err)
	defer st.Close()

	var statuses []stream.Status
	done := make(chan struct{})
	go func() {
		defer close(done)
		for s := range st.Status() {
			statuses = append(statuses, s)
		}
	}()

	frames := collect(t, st.Frames(), 2)
	assert.Equal(t, "conn-1", frames[0])
	assert.Equal(t, "conn-2", frames[1])
	assert.GreaterOrEqual(t, conns.Load(), int32(2))

	st.Close()
	<-done

	// The drop surfaced as a reconnecting transition, never as a failure.
	var sawReconnecting bool
	for _, s := range statuses {
		assert.NotEqual(t, stream.PhaseUnavailable, s.Phase)
		if s.Phase == stream.PhaseReconnecting {
			sawReconnecting = true
		}
	}
	assert.True(t, sawReconnecting)
}

func TestRetryCapReportsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	opener := sse.NewOpener(fastBackoff(3), nil)
	st, err := opener.Open(context.Background(), srv.URL)
	require.NoError(t, err)
	defer st.Close()

	var last stream.Status
	timeout := time.After(2 * time.Second)
	for {
		select {
		case s, ok := <-st.Status():
			if !ok {
				require.Equal(t, stream.PhaseUnavailable, last.Phase)
				require.Equal(t, 3, last.Attempt)
				require.Error(t, last.Err)

				// Frames close along with status.
				_, open := <-st.Frames()
				assert.False(t, open)
				return
			}
			last = s
		case <-timeout:
			t.Fatal("never reached unavailable")
		}
	}
}

func TestCloseIsIdempotentAndCancelsRetryWait(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	// Long delays: Close must cut the backoff wait short.
	bo := config.Backoff{BaseMs: 60000, Multiplier: 2, MaxMs: 60000}
	opener := sse.NewOpener(bo, nil)
	st, err := opener.Open(context.Background(), srv.URL)
	require.NoError(t, err)

	require.NoError(t, st.Close())
	require.NoError(t, st.Close())

	timeout := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-st.Frames():
			if !ok {
				return
			}
		case <-timeout:
			t.Fatal("frames channel never closed")
		}
	}
}

func TestOpenRejectsEmptyEndpoint(t *testing.T) {
	opener := sse.NewOpener(fastBackoff(0), nil)
	_, err := opener.Open(context.Background(), "")
	assert.Error(t, err)
}
