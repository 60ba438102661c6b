package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/k2rebuild/k2rebuild/lib/validate"
	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate <original-rootfs> <rebuilt-rootfs>",
	Short: "Run diagnostic probes against both rootfs trees and diff their inventories",
	Args:  cobra.ExactArgs(2),
	RunE:  runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	d, err := newDeps()
	if err != nil {
		return err
	}

	trees := []struct {
		label string
		root  string
	}{
		{"original", args[0]},
		{"rebuilt", args[1]},
	}
	for _, tr := range trees {
		if fi, err := os.Stat(tr.root); err != nil || !fi.IsDir() {
			return fmt.Errorf("rootfs not found: %s", tr.root)
		}
	}

	h := validate.NewHarness(d.runner, validate.NewMounter(), d.cfg.MinFreeSpace, d.log)
	for _, tr := range trees {
		rep := h.Validate(ctx, tr.label, tr.root)
		if err := rep.Save(d.paths.ValidationReport(tr.label)); err != nil {
			return err
		}
	}

	if _, err := validate.CompareRoots(trees[0].root, trees[1].root, d.paths.InventoryDiff()); err != nil {
		return err
	}
	d.log.Info("validation reports written", "dir", d.paths.LogsDir())
	return nil
}
