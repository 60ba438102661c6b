package commands

import (
	"context"
	"fmt"

	"github.com/k2rebuild/k2rebuild/lib/boot"
	"github.com/k2rebuild/k2rebuild/lib/classifier"
	"github.com/k2rebuild/k2rebuild/lib/extract"
	"github.com/k2rebuild/k2rebuild/lib/fetch"
	"github.com/k2rebuild/k2rebuild/lib/pipeline"
	"github.com/k2rebuild/k2rebuild/lib/rebuild"
	"github.com/spf13/cobra"
)

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Run the full resumable rebuild pipeline",
	RunE:  runBuild,
}

func init() {
	rootCmd.AddCommand(buildCmd)
}

func runBuild(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	d, err := newDeps()
	if err != nil {
		return err
	}

	cl := classifier.New(d.runner, d.log)
	ca := extract.NewCascade(d.runner, d.log)
	ensurer := fetch.NewEnsurer(d.paths, cl, ca, nil, d.cfg.FirmwareURL, d.log)

	builder := rebuild.NewBuilder(d.paths, d.runner, d.ckpt, d.log)
	stages := builder.Stages()
	if d.cfg.QemuEnabled {
		stages = append(stages, smokeStage(d))
	}

	o := pipeline.New(stages, d.ckpt, d.tracker, d.log, ensurer.EnsureFirmware)
	return o.Run(ctx)
}

// smokeFailure carries the strict-mode exit code for a non-passing boot.
type smokeFailure struct {
	status string
	reason string
}

func (e *smokeFailure) Error() string {
	return fmt.Sprintf("boot smoke test %s: %s", e.status, e.reason)
}

func (e *smokeFailure) ExitCode() int { return 2 }

// smokeStage wraps the emulated boot as the optional trailing stage. In
// non-strict mode any outcome completes the stage; strict mode fails the run
// on anything but a pass.
func smokeStage(d *deps) pipeline.Stage {
	return pipeline.Stage{
		ID: "qemu_test",
		Run: func(ctx context.Context) (map[string]any, error) {
			s := boot.New(d.paths, d.runner, boot.Config{
				Enabled: d.cfg.QemuEnabled,
				Strict:  d.cfg.QemuStrict,
				Timeout: d.cfg.QemuTimeout,
				Machine: d.cfg.QemuMachine,
				QemuBin: d.cfg.QemuBin,
			}, d.log)

			rep, err := s.Run(ctx)
			if err != nil {
				return nil, err
			}
			if d.cfg.QemuStrict && rep.Status != boot.StatusPassed {
				return nil, &smokeFailure{status: rep.Status, reason: rep.Reason}
			}
			return map[string]any{"qemu_status": rep.Status, "qemu_reason": rep.Reason}, nil
		},
	}
}
