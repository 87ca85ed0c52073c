// Package wire is the composition root for the feedsim binary.
package wire

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/alanyang/agent-feed/internal/config"
	"github.com/alanyang/agent-feed/internal/sim"
)

// App holds the top-level resources needed to run and gracefully stop the
// simulator.
type App struct {
	Server *http.Server
}

// Build wires the simulator: config, generator, router.
func Build(ctx context.Context) (*App, error) {
	cfg, err := config.LoadSim(os.Getenv("FEEDSIM_CONFIG"))
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	gen := sim.NewGenerator(cfg.Feed.EmitInterval)
	gen.Start(ctx)

	router := sim.NewRouter(cfg, gen)

	if port := os.Getenv("PORT"); port != "" {
		fmt.Sscanf(port, "%d", &cfg.Server.Port)
	}
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)

	slog.Info("feedsim wired", "addr", addr, "emit_interval", cfg.Feed.EmitInterval)

	return &App{
		Server: &http.Server{Addr: addr, Handler: router},
	}, nil
}
