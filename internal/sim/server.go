package sim

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alanyang/agent-feed/internal/config"
	"github.com/alanyang/agent-feed/internal/domain/event"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// NewRouter wires the simulator endpoints: the registry feed over SSE and
// WebSocket, streaming search over SSE, and Prometheus metrics.
func NewRouter(cfg *config.Sim, gen *Generator) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(requestLogger())
	r.Use(corsMiddleware())

	api := r.Group("/api")
	api.GET("/feed/sse", sseFeed(gen))
	api.GET("/feed/ws", wsFeed(gen))
	api.GET("/search/sse", sseSearch(cfg.Search.ResultDelay))

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return r
}

// sseFeed streams generator frames as SSE messages with periodic heartbeat
// comments.
func sseFeed(gen *Generator) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Content-Type", "text/event-stream")
		c.Writer.Header().Set("Cache-Control", "no-cache")
		c.Writer.Header().Set("Connection", "keep-alive")
		c.Writer.Header().Set("X-Accel-Buffering", "no")

		flusher, ok := c.Writer.(http.Flusher)
		if !ok {
			c.String(http.StatusInternalServerError, "streaming unsupported")
			return
		}

		ch := gen.Subscribe()
		defer gen.Unsubscribe(ch)

		heartbeat := time.NewTicker(15 * time.Second)
		defer heartbeat.Stop()

		for {
			select {
			case frame := <-ch:
				if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", frame); err != nil {
					return
				}
				flusher.Flush()
			case <-heartbeat.C:
				if _, err := io.WriteString(c.Writer, ": heartbeat\n\n"); err != nil {
					return
				}
				flusher.Flush()
			case <-c.Request.Context().Done():
				return
			}
		}
	}
}

// wsFeed streams the same frames over a WebSocket connection.
func wsFeed(gen *Generator) gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			slog.Error("sim: websocket upgrade failed", "error", err)
			return
		}
		defer conn.Close()

		ch := gen.Subscribe()
		defer gen.Unsubscribe(ch)

		conn.SetPingHandler(func(appData string) error {
			return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(5*time.Second))
		})

		// Drain reads so control frames are processed and closes noticed.
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case frame := <-ch:
				if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
					return
				}
			case <-c.Request.Context().Done():
				return
			}
		}
	}
}

// sseSearch answers one streaming search: a handful of result events, one
// metadata event, then done. Queries containing "fail" end with an error
// event instead, after partial results.
func sseSearch(resultDelay time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		query := c.Query("q")
		if query == "" {
			c.String(http.StatusBadRequest, "q required")
			return
		}

		c.Writer.Header().Set("Content-Type", "text/event-stream")
		c.Writer.Header().Set("Cache-Control", "no-cache")

		flusher, ok := c.Writer.(http.Flusher)
		if !ok {
			c.String(http.StatusInternalServerError, "streaming unsupported")
			return
		}

		send := func(typ event.Type, data any) bool {
			frame, err := json.Marshal(map[string]any{"type": typ, "data": data})
			if err != nil {
				slog.Error("sim: encoding search event failed", "type", typ, "error", err)
				return false
			}
			if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", frame); err != nil {
				return false
			}
			flusher.Flush()
			return true
		}

		fail := strings.Contains(query, "fail")
		total := len(simAgents)
		if fail {
			total = 2
		}

		for i := 0; i < total; i++ {
			select {
			case <-c.Request.Context().Done():
				return
			case <-time.After(resultDelay):
			}
			agent := simAgents[i]
			if !send(event.TypeResult, map[string]any{
				"agentId": agent.id,
				"name":    agent.name,
				"score":   1.0 - float64(i)*0.1,
			}) {
				return
			}
			if i == 1 {
				if !send(event.TypeMetadata, map[string]any{
					"rewrittenQuery": query,
					"expectedTotal":  total,
					"reranker":       "sim-rrf-v1",
				}) {
					return
				}
			}
		}

		if fail {
			send(event.TypeError, map[string]any{
				"code":    "SEARCH_BACKEND_DOWN",
				"message": "simulated search failure",
			})
			return
		}
		send(event.TypeDone, nil)
	}
}
