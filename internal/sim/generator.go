// Package sim is the feedsim server: a synthetic registry feed and streaming
// search backend the engine is developed and demoed against.
package sim

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/alanyang/agent-feed/internal/domain/event"
)

// Generator emits synthetic registry events on a fixed interval and
// broadcasts the encoded frames to every subscribed connection.
type Generator struct {
	interval time.Duration

	mu      sync.RWMutex
	clients map[chan []byte]struct{}

	rng *rand.Rand
}

func NewGenerator(interval time.Duration) *Generator {
	return &Generator{
		interval: interval,
		clients:  make(map[chan []byte]struct{}),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Subscribe returns a channel of encoded frames. Slow consumers have frames
// dropped, not buffered without bound.
func (g *Generator) Subscribe() chan []byte {
	ch := make(chan []byte, 64)
	g.mu.Lock()
	g.clients[ch] = struct{}{}
	g.mu.Unlock()
	return ch
}

func (g *Generator) Unsubscribe(ch chan []byte) {
	g.mu.Lock()
	if _, ok := g.clients[ch]; ok {
		delete(g.clients, ch)
		close(ch)
	}
	g.mu.Unlock()
}

// Start runs the emit loop until ctx is cancelled.
func (g *Generator) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(g.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				g.broadcast(g.next())
			}
		}
	}()
}

func (g *Generator) broadcast(frame []byte) {
	if frame == nil {
		return
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	for ch := range g.clients {
		select {
		case ch <- frame:
		default:
			// Consumer too slow, drop the frame.
		}
	}
}

var simAgents = []struct {
	id   string
	name string
}{
	{"ag-nav-01", "route-planner"},
	{"ag-sum-02", "doc-summarizer"},
	{"ag-qa-03", "regression-qa"},
	{"ag-cls-04", "intent-classifier"},
	{"ag-rev-05", "code-reviewer"},
}

var simClassifications = []string{"assistant", "tool", "orchestrator", "evaluator"}

// next builds one synthetic registry event frame in the wire envelope.
func (g *Generator) next() []byte {
	agent := simAgents[g.rng.Intn(len(simAgents))]
	now := time.Now().UTC()

	var typ event.Type
	var data map[string]any
	switch g.rng.Intn(5) {
	case 0:
		typ = event.TypeAgentCreated
		data = map[string]any{"agentId": agent.id, "name": agent.name}
	case 1:
		typ = event.TypeAgentUpdated
		data = map[string]any{"agentId": agent.id, "name": agent.name}
	case 2:
		typ = event.TypeAgentClassified
		data = map[string]any{
			"agentId":        agent.id,
			"classification": simClassifications[g.rng.Intn(len(simClassifications))],
		}
	case 3:
		prev := float64(g.rng.Intn(60) + 20)
		typ = event.TypeReputationChanged
		data = map[string]any{
			"feedbackId":    "fb-" + agent.id,
			"agentId":       agent.id,
			"previousScore": prev,
			"newScore":      prev + float64(g.rng.Intn(25)),
		}
	default:
		typ = event.TypeEvaluationCompleted
		data = map[string]any{
			"evaluationId": "ev-" + agent.id,
			"agentId":      agent.id,
			"score":        float64(g.rng.Intn(100)) / 100,
		}
	}

	frame, err := json.Marshal(map[string]any{
		"type":      typ,
		"timestamp": now,
		"data":      data,
	})
	if err != nil {
		slog.Error("sim: encoding event failed", "type", typ, "error", err)
		return nil
	}
	return frame
}
