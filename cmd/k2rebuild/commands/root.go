package commands

import (
	"errors"
	"fmt"
	"os"

	"github.com/k2rebuild/k2rebuild/lib/pipeline"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "k2rebuild",
	Short:         "Resumable firmware rebuild pipeline for Creality K2 printers",
	Long:          `Extracts a vendor firmware image, injects upstream Klipper/Moonraker/Mainsail components, repacks the SWUpdate container and validates the result. Stages are checkpointed so an interrupted build resumes where it stopped.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the CLI. A failing stage's exit code becomes the process
// exit code.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		var se *pipeline.StageError
		if errors.As(err, &se) {
			os.Exit(se.ExitCode())
		}
		var ec interface{ ExitCode() int }
		if errors.As(err, &ec) {
			os.Exit(ec.ExitCode())
		}
		os.Exit(1)
	}
}
