package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/k2rebuild/k2rebuild/lib/fetch"
	"github.com/spf13/cobra"
)

var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Collect runtime metadata from a live device over SSH",
	RunE:  runFetch,
}

var (
	fetchHost     string
	fetchUser     string
	fetchPassword string
	fetchPort     int
)

func init() {
	fetchCmd.Flags().StringVar(&fetchHost, "host", "", "device IP address")
	fetchCmd.Flags().StringVar(&fetchUser, "user", "root", "SSH username")
	fetchCmd.Flags().StringVar(&fetchPassword, "password", "", "SSH password")
	fetchCmd.Flags().IntVar(&fetchPort, "port", 22, "SSH port")
	rootCmd.AddCommand(fetchCmd)
}

func runFetch(cmd *cobra.Command, args []string) error {
	d, err := newDeps()
	if err != nil {
		return err
	}

	target := fetch.SSHTarget{
		Host:     fetchHost,
		User:     fetchUser,
		Password: fetchPassword,
		Port:     fetchPort,
	}
	// DEVICE_SSH=user@host fills in whatever the flags left empty
	if d.cfg.DeviceSSH != "" {
		if user, host, ok := strings.Cut(d.cfg.DeviceSSH, "@"); ok {
			if target.Host == "" {
				target.Host = host
			}
			if target.User == "root" || target.User == "" {
				target.User = user
			}
		}
	}
	if target.Host == "" || target.Password == "" {
		return fmt.Errorf("fetch needs --host and --password (or DEVICE_SSH)")
	}

	collector := fetch.NewDeviceCollector(d.paths, d.runner, d.log)
	meta, err := collector.Collect(context.Background(), target)
	if err != nil {
		return err
	}

	if err := d.ckpt.Advance("fetch_metadata_complete", map[string]any{
		"status": "ok",
		"host":   meta.Host,
	}); err != nil {
		return fmt.Errorf("advance checkpoint: %w", err)
	}
	d.tracker.Update("fetch_metadata", "ok", "device metadata collected", map[string]any{"host": meta.Host})
	return nil
}
