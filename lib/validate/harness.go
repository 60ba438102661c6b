// Package validate runs read-only diagnostic probes inside a candidate root
// filesystem. Probes are independent: each records its outcome in the shared
// report and none aborts the others. Kernel-interface mounts acquired for the
// probes are always released, whatever the probes do.
package validate

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/c2h5oh/datasize"
	"github.com/k2rebuild/k2rebuild/lib/system"
)

// Harness validates rootfs trees.
type Harness struct {
	runner  system.Runner
	mounter Mounter
	log     *slog.Logger

	// free-space floor below which the disk probe warns
	minFree datasize.ByteSize

	probes []probe
}

type probe struct {
	name string
	run  func(h *Harness, ctx context.Context, root string, rep *Report)
}

// NewHarness creates a Harness. minFree of zero selects the 200 MB default.
func NewHarness(runner system.Runner, mounter Mounter, minFree datasize.ByteSize, log *slog.Logger) *Harness {
	if log == nil {
		log = slog.Default()
	}
	if minFree == 0 {
		minFree = 200 * datasize.MB
	}
	h := &Harness{runner: runner, mounter: mounter, log: log, minFree: minFree}
	h.probes = defaultProbes()
	return h
}

func defaultProbes() []probe {
	return []probe{
		{"structure", (*Harness).probeStructure},
		{"disk_space", (*Harness).probeDiskSpace},
		{"python_runtime", (*Harness).probePythonRuntime},
		{"services_presence", (*Harness).probeServices},
		{"nginx_test", (*Harness).probeNginxSyntax},
		{"moonraker_config", (*Harness).probeMoonrakerConfig},
		{"klipper", (*Harness).probeKlipper},
		{"network", (*Harness).probeNetwork},
		{"apt", (*Harness).probeApt},
		{"elf_deps", (*Harness).probeELFDeps},
		{"kernel_modules", (*Harness).probeKernelModules},
	}
}

// Validate mounts into root, runs every probe, tears the mounts down and
// returns the report. Probe faults never escape: a panicking probe becomes an
// error entry for that probe alone.
func (h *Harness) Validate(ctx context.Context, label, root string) *Report {
	rep := NewReport(label, root)

	mounts := newMountSet(h.mounter, h.log)
	mounts.setup(root)
	defer mounts.teardown()

	for _, p := range h.probes {
		h.runProbe(ctx, p, root, rep)
	}

	h.log.Info("validation finished",
		"label", label, "errors", len(rep.Errors), "warnings", len(rep.Warnings))
	return rep
}

func (h *Harness) runProbe(ctx context.Context, p probe, root string, rep *Report) {
	defer func() {
		if r := recover(); r != nil {
			rep.AddTest(p.name, map[string]any{"error": fmt.Sprint(r)})
			rep.Error("probe %s faulted: %v", p.name, r)
		}
	}()
	p.run(h, ctx, root, rep)
}

// chroot runs a command inside root through the runner.
func (h *Harness) chroot(ctx context.Context, root string, args ...string) (*system.Result, error) {
	return h.runner.Run(ctx, "chroot", append([]string{root}, args...)...)
}
