package ws_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyang/agent-feed/internal/adapter/ws"
	"github.com/alanyang/agent-feed/internal/config"
	"github.com/alanyang/agent-feed/internal/port/stream"
)

var upgrader = websocket.Upgrader{}

func fastBackoff(maxRetries int) config.Backoff {
	return config.Backoff{BaseMs: 5, Multiplier: 1.5, MaxMs: 20, MaxRetries: maxRetries}
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
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

// hold keeps the server side open until the client goes away.
func hold(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func TestMessagesBecomeFrames(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		conn.WriteMessage(websocket.TextMessage, []byte(`{"seq":1}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"seq":2}`))
		hold(conn)
	}))
	defer srv.Close()

	opener := ws.NewOpener(fastBackoff(0), nil)
	st, err := opener.Open(context.Background(), wsURL(srv))
	require.NoError(t, err)
	defer st.Close()

	frames := collect(t, st.Frames(), 2)
	assert.Equal(t, `{"seq":1}`, frames[0])
	assert.Equal(t, `{"seq":2}`, frames[1])
}

func TestReconnectAfterServerClose(t *testing.T) {
	var conns atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := conns.Add(1)
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		conn.WriteMessage(websocket.TextMessage, fmt.Appendf(nil, "conn-%d", n))
		if n == 1 {
			return // drop the first connection
		}
		hold(conn)
	}))
	defer srv.Close()

	opener := ws.NewOpener(fastBackoff(0), nil)
	st, err := opener.Open(context.Background(), wsURL(srv))
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

	st.Close()
	<-done

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
	// Never upgrades, so every dial fails its handshake.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "no websocket here", http.StatusNotFound)
	}))
	defer srv.Close()

	opener := ws.NewOpener(fastBackoff(3), nil)
	st, err := opener.Open(context.Background(), wsURL(srv))
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

func TestCloseUnblocksRead(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		hold(conn) // send nothing, keep the client blocked in ReadMessage
	}))
	defer srv.Close()

	opener := ws.NewOpener(fastBackoff(0), nil)
	st, err := opener.Open(context.Background(), wsURL(srv))
	require.NoError(t, err)

	// Wait until connected so Close interrupts an in-flight read.
	timeout := time.After(2 * time.Second)
	for connected := false; !connected; {
		select {
		case s, ok := <-st.Status():
			require.True(t, ok)
			connected = s.Phase == stream.PhaseConnected
		case <-timeout:
			t.Fatal("never connected")
		}
	}

	require.NoError(t, st.Close())
	require.NoError(t, st.Close())

	timeout = time.After(2 * time.Second)
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
	opener := ws.NewOpener(fastBackoff(0), nil)
	_, err := opener.Open(context.Background(), "")
	assert.Error(t, err)
}
