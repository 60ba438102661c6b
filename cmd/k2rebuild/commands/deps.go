package commands

import (
	"fmt"
	"log/slog"

	"github.com/k2rebuild/k2rebuild/cmd/k2rebuild/config"
	"github.com/k2rebuild/k2rebuild/lib/checkpoint"
	"github.com/k2rebuild/k2rebuild/lib/paths"
	"github.com/k2rebuild/k2rebuild/lib/progress"
	"github.com/k2rebuild/k2rebuild/lib/system"
)

// deps is the wiring shared by every subcommand.
type deps struct {
	cfg     *config.Config
	paths   *paths.Paths
	runner  system.Runner
	ckpt    checkpoint.Store
	tracker *progress.Tracker
	log     *slog.Logger
}

func newDeps() (*deps, error) {
	cfg := config.Load()
	p := paths.New(cfg.OutputDir)
	if err := p.EnsureBase(); err != nil {
		return nil, fmt.Errorf("prepare output directory: %w", err)
	}
	log := slog.Default()
	return &deps{
		cfg:     cfg,
		paths:   p,
		runner:  system.NewRunner(),
		ckpt:    checkpoint.NewStore(p.CheckpointFile()),
		tracker: progress.NewTracker(p.ProgressFile(), log),
		log:     log,
	}, nil
}
