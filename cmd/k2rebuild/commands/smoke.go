package commands

import (
	"context"

	"github.com/k2rebuild/k2rebuild/lib/boot"
	"github.com/spf13/cobra"
)

var smokeCmd = &cobra.Command{
	Use:   "smoke",
	Short: "Boot the extracted kernel under the emulator and check for a banner",
	RunE:  runSmoke,
}

func init() {
	rootCmd.AddCommand(smokeCmd)
}

func runSmoke(cmd *cobra.Command, args []string) error {
	d, err := newDeps()
	if err != nil {
		return err
	}

	s := boot.New(d.paths, d.runner, boot.Config{
		Enabled: d.cfg.QemuEnabled,
		Strict:  d.cfg.QemuStrict,
		Timeout: d.cfg.QemuTimeout,
		Machine: d.cfg.QemuMachine,
		QemuBin: d.cfg.QemuBin,
	}, d.log)

	rep, err := s.Run(context.Background())
	if err != nil {
		return err
	}
	if d.cfg.QemuStrict && rep.Status != boot.StatusPassed {
		return &smokeFailure{status: rep.Status, reason: rep.Reason}
	}
	return nil
}
