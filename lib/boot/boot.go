// Package boot runs a bounded-time emulated boot of the extracted kernel,
// judging success purely by early console output. It is a smoke test:
// absence of the emulator, the kernel, or the feature flag skips the check
// instead of failing the build.
package boot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/k2rebuild/k2rebuild/lib/paths"
	"github.com/k2rebuild/k2rebuild/lib/system"
)

const (
	StatusPassed         = "passed"
	StatusFailed         = "failed"
	StatusFailedNoOutput = "failed_no_output"
	StatusSkipped        = "skipped"
	StatusError          = "error"
)

// Config controls the smoke test.
type Config struct {
	Enabled bool
	Strict  bool
	Timeout time.Duration
	Machine string
	QemuBin string
}

// Report is the persisted smoke-test outcome.
type Report struct {
	Status  string `json:"status"`
	Reason  string `json:"reason"`
	Kernel  string `json:"kernel,omitempty"`
	Dtb     string `json:"dtb,omitempty"`
	Machine string `json:"machine"`
	Timeout int    `json:"timeout"`
	Log     string `json:"log,omitempty"`
	TS      string `json:"ts"`
}

// SmokeTest boots the extracted kernel under the emulator.
type SmokeTest struct {
	paths  *paths.Paths
	runner system.Runner
	cfg    Config
	log    *slog.Logger
}

// New creates a SmokeTest. A zero timeout selects 25 seconds.
func New(p *paths.Paths, runner system.Runner, cfg Config, log *slog.Logger) *SmokeTest {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 25 * time.Second
	}
	if cfg.Machine == "" {
		cfg.Machine = "virt"
	}
	return &SmokeTest{paths: p, runner: runner, cfg: cfg, log: log}
}

// control-flow sentinels for the watch group
var (
	errBannerFound  = errors.New("boot banner found")
	errChildExited  = errors.New("emulator exited")
	errWatchTimeout = errors.New("watch timed out")
)

// Run performs the smoke test and writes the report. The returned report is
// always valid; the error covers report persistence only. Strict-mode exit
// policy is the caller's business.
func (s *SmokeTest) Run(ctx context.Context) (*Report, error) {
	rep := &Report{
		Machine: s.cfg.Machine,
		Timeout: int(s.cfg.Timeout.Seconds()),
		TS:      time.Now().UTC().Format("2006-01-02 15:04:05"),
	}

	if !s.cfg.Enabled {
		rep.Status, rep.Reason = StatusSkipped, "disabled"
		return rep, s.save(rep)
	}

	qemuBin := s.cfg.QemuBin
	if qemuBin == "" {
		path, err := s.runner.LookPath("qemu-system-arm")
		if err != nil {
			rep.Status, rep.Reason = StatusSkipped, "qemu not installed"
			return rep, s.save(rep)
		}
		qemuBin = path
	}

	kernel := s.findKernel()
	if kernel == "" {
		rep.Status, rep.Reason = StatusSkipped, "kernel not found"
		return rep, s.save(rep)
	}
	rep.Kernel = kernel

	dtb := s.findDtb()
	rep.Dtb = dtb

	logPath := s.paths.QemuBootLog()
	os.Remove(logPath)
	rep.Log = logPath

	status, reason := s.boot(ctx, qemuBin, kernel, dtb, logPath)
	rep.Status, rep.Reason = status, reason
	s.log.Info("smoke test finished", "status", status, "reason", reason)
	return rep, s.save(rep)
}

// boot spawns the emulator with its console redirected to logPath and waits
// for a banner, the timeout, or an early child exit, whichever comes first.
func (s *SmokeTest) boot(ctx context.Context, qemuBin, kernel, dtb, logPath string) (string, string) {
	logFile, err := os.Create(logPath)
	if err != nil {
		return StatusError, fmt.Sprintf("create boot log: %v", err)
	}
	defer logFile.Close()

	qmpSock := filepath.Join(filepath.Dir(logPath), "qemu-smoke.qmp")
	os.Remove(qmpSock)

	args := []string{
		"-M", s.cfg.Machine,
		"-m", "512M",
		"-nographic",
		"-kernel", kernel,
		"-append", "console=ttyAMA0 panic=1 loglevel=7",
		"-qmp", "unix:" + qmpSock + ",server,nowait",
	}
	// board models expect a device tree; the generic virt machine builds its own
	if dtb != "" && s.cfg.Machine != "virt" {
		args = append(args, "-dtb", dtb)
	}

	cmd := exec.Command(qemuBin, args...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	if err := cmd.Start(); err != nil {
		return StatusError, fmt.Sprintf("spawn failed: %v", err)
	}

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if watchLog(gctx, logPath, s.cfg.Timeout) {
			return errBannerFound
		}
		// the timeout must cancel the group, or Wait blocks on the
		// child watcher until the emulator exits on its own
		return errWatchTimeout
	})
	g.Go(func() error {
		select {
		case <-waitCh:
			return errChildExited
		case <-gctx.Done():
			return nil
		}
	})
	groupErr := g.Wait()

	switch {
	case errors.Is(groupErr, errBannerFound):
		// give the kernel a moment of trailing output before stopping it
		time.Sleep(time.Second)
		s.stop(cmd, waitCh, qmpSock)
		return StatusPassed, "kernel banner detected"

	case errors.Is(groupErr, errChildExited):
		// the emulator died on its own; the banner may sit in the final bytes
		if logContainsBanner(logPath) {
			return StatusPassed, "kernel banner detected"
		}
		if hadOutput(logPath) {
			return StatusFailed, "emulator exited before kernel banner"
		}
		return StatusFailedNoOutput, "emulator exited with no output"

	default:
		// errWatchTimeout, or the caller's context expired
		s.stop(cmd, waitCh, qmpSock)
		if hadOutput(logPath) {
			return StatusFailed, "timeout waiting for kernel banner"
		}
		return StatusFailedNoOutput, "timeout waiting for kernel banner"
	}
}

func (s *SmokeTest) save(rep *Report) error {
	return writeReport(s.paths.QemuReport(), rep)
}

func hadOutput(logPath string) bool {
	fi, err := os.Stat(logPath)
	return err == nil && fi.Size() > 0
}
