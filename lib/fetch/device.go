package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/k2rebuild/k2rebuild/lib/paths"
	"github.com/k2rebuild/k2rebuild/lib/system"
)

// SSHTarget identifies the device to collect metadata from.
type SSHTarget struct {
	Host     string
	User     string
	Password string
	Port     int
}

// Addr returns user@host.
func (t SSHTarget) Addr() string { return t.User + "@" + t.Host }

// DeviceMetadata is the persisted collection result.
type DeviceMetadata struct {
	Host      string            `json:"host"`
	Timestamp string            `json:"timestamp"`
	Results   map[string]string `json:"results"`
}

// metadataCommands are the read-only probes run on the device. Nothing here
// modifies device state or transfers binaries.
var metadataCommands = []struct {
	key string
	cmd string
}{
	{"os_release", "cat /etc/os-release 2>/dev/null || true"},
	{"kernel", "uname -a"},
	{"device_model", "cat /proc/device-tree/model 2>/dev/null || true"},
	{"compatible", "cat /proc/device-tree/compatible 2>/dev/null || true"},
	{"partitions", "cat /proc/partitions 2>/dev/null || true"},
	{"mounts", "mount"},
	{"modules", "lsmod 2>/dev/null || true"},
	{"inputs", "ls /dev/fb* /dev/video* /dev/input* 2>/dev/null || true"},
}

// DeviceCollector gathers runtime metadata from a device over SSH.
type DeviceCollector struct {
	paths  *paths.Paths
	runner system.Runner
	log    *slog.Logger
}

// NewDeviceCollector creates a DeviceCollector.
func NewDeviceCollector(p *paths.Paths, runner system.Runner, log *slog.Logger) *DeviceCollector {
	if log == nil {
		log = slog.Default()
	}
	return &DeviceCollector{paths: p, runner: runner, log: log}
}

// Collect verifies connectivity, runs each metadata command best-effort and
// writes device_state/metadata.json. Individual command failures are
// recorded as "ERR" values, never aborting the collection.
func (c *DeviceCollector) Collect(ctx context.Context, target SSHTarget) (*DeviceMetadata, error) {
	res, err := c.ssh(ctx, target, "echo connected")
	if err != nil {
		return nil, fmt.Errorf("ssh unavailable: %w", err)
	}
	if res.ExitCode != 0 || !strings.Contains(strings.ToLower(res.Combined()), "connected") {
		return nil, fmt.Errorf("ssh connection to %s failed: %s", target.Addr(), strings.TrimSpace(res.Stderr))
	}

	meta := &DeviceMetadata{
		Host:      target.Host,
		Timestamp: time.Now().UTC().Format("2006-01-02 15:04:05"),
		Results:   map[string]string{},
	}
	for _, mc := range metadataCommands {
		res, err := c.ssh(ctx, target, mc.cmd)
		if err != nil || res.ExitCode != 0 {
			c.log.Warn("metadata command failed", "key", mc.key, "error", err)
			meta.Results[mc.key] = "ERR"
			continue
		}
		meta.Results[mc.key] = strings.TrimSpace(res.Stdout)
	}

	if err := c.save(meta); err != nil {
		return nil, err
	}
	c.log.Info("device metadata collected", "host", target.Host, "keys", len(meta.Results))
	return meta, nil
}

func (c *DeviceCollector) ssh(ctx context.Context, target SSHTarget, remoteCmd string) (*system.Result, error) {
	port := target.Port
	if port == 0 {
		port = 22
	}
	return c.runner.Run(ctx, "sshpass",
		"-p", target.Password,
		"ssh",
		"-o", "StrictHostKeyChecking=no",
		"-o", "PreferredAuthentications=password",
		"-p", fmt.Sprint(port),
		target.Addr(),
		remoteCmd,
	)
}

func (c *DeviceCollector) save(meta *DeviceMetadata) error {
	dir := c.paths.DeviceStateDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create device state dir: %w", err)
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	path := filepath.Join(dir, "metadata.json")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}
	return nil
}
