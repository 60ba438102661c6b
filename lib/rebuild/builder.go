// Package rebuild implements the firmware transformation stages: locating
// the vendor rootfs, normalizing it into a mutable tree, injecting upstream
// components, repacking the SWUpdate container, and checking the rebuilt
// artifacts. Stages communicate through checkpoint metadata, never through
// shared in-process state, so any stage can run on a fresh process after a
// resume.
package rebuild

import (
	"log/slog"

	"github.com/k2rebuild/k2rebuild/lib/checkpoint"
	"github.com/k2rebuild/k2rebuild/lib/paths"
	"github.com/k2rebuild/k2rebuild/lib/pipeline"
	"github.com/k2rebuild/k2rebuild/lib/system"
)

// Builder constructs the rebuild stage list.
type Builder struct {
	paths  *paths.Paths
	runner system.Runner
	ckpt   checkpoint.Store
	log    *slog.Logger
}

// NewBuilder creates a Builder.
func NewBuilder(p *paths.Paths, runner system.Runner, ckpt checkpoint.Store, log *slog.Logger) *Builder {
	if log == nil {
		log = slog.Default()
	}
	return &Builder{paths: p, runner: runner, ckpt: ckpt, log: log}
}

// Stages returns the ordered rebuild stage list.
func (b *Builder) Stages() []pipeline.Stage {
	return []pipeline.Stage{
		{ID: "detect_rootfs", Run: b.detectRootfs},
		{ID: "unsquash", Run: b.unsquash},
		{ID: "inject_upstream", Run: b.injectUpstream},
		{ID: "repack_fw", Run: b.repack},
		{ID: "validate_fw", Run: b.validateArtifacts},
	}
}

// metaPath reads a string artifact path recorded by an earlier stage.
func (b *Builder) metaPath(key string) string {
	v, _ := b.ckpt.Read().Meta[key].(string)
	return v
}
