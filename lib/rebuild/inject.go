package rebuild

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/k2rebuild/k2rebuild/lib/system"
)

type upstreamRepo struct {
	name string
	url  string
}

var upstreamRepos = []upstreamRepo{
	{"klipper", "https://github.com/Klipper3d/klipper.git"},
	{"moonraker", "https://github.com/Arksine/moonraker.git"},
	{"mainsail", "https://github.com/mainsail-crew/mainsail.git"},
}

// injectUpstream clones or updates the upstream projects and copies the web
// UI into the work tree, leaving a marker config behind.
func (b *Builder) injectUpstream(ctx context.Context) (map[string]any, error) {
	rootfs := b.metaPath("rootfs_dir")
	if rootfs == "" {
		return nil, fmt.Errorf("%w: checkpoint has no rootfs_dir, run unsquash first", ErrRequiredArtifact)
	}
	if fi, err := os.Stat(rootfs); err != nil || !fi.IsDir() {
		return nil, fmt.Errorf("%w: rootfs_dir %s is not a directory", ErrRequiredArtifact, rootfs)
	}

	if err := os.MkdirAll(b.paths.UpstreamDir(), 0755); err != nil {
		return nil, fmt.Errorf("create upstream dir: %w", err)
	}
	for _, repo := range upstreamRepos {
		if err := b.ensureRepo(ctx, repo); err != nil {
			return nil, fmt.Errorf("upstream %s: %w", repo.name, err)
		}
	}

	targetWWW := filepath.Join(rootfs, "usr/share/mainsail")
	if err := os.MkdirAll(targetWWW, 0755); err != nil {
		return nil, fmt.Errorf("create web ui dir: %w", err)
	}
	src := filepath.Join(b.paths.UpstreamDir(), "mainsail") + string(os.PathSeparator)
	res, err := b.runner.Run(ctx, "rsync", "-a", "--delete", src, targetWWW)
	if err != nil {
		return nil, fmt.Errorf("rsync web ui: %w", err)
	}
	if res.ExitCode != 0 {
		return nil, &system.CommandError{Name: "rsync", Code: res.ExitCode, Stderr: res.Stderr}
	}

	marker := filepath.Join(rootfs, "etc/k2rebuild.conf")
	if err := os.MkdirAll(filepath.Dir(marker), 0755); err != nil {
		return nil, fmt.Errorf("create etc dir: %w", err)
	}
	if err := os.WriteFile(marker, []byte("K2REBUILD_INJECTED=1\n"), 0644); err != nil {
		return nil, fmt.Errorf("write marker config: %w", err)
	}

	choice, _ := json.MarshalIndent(map[string]string{"ui": "mainsail"}, "", "  ")
	if err := os.WriteFile(b.paths.UIChoiceFile(), choice, 0644); err != nil {
		return nil, fmt.Errorf("write ui choice: %w", err)
	}

	b.log.Info("upstream components injected", "ui", "mainsail")
	return map[string]any{"ui": "mainsail"}, nil
}

// ensureRepo clones on first sight, otherwise hard-resets to upstream so a
// resumed run never builds from a stale or locally dirtied clone.
func (b *Builder) ensureRepo(ctx context.Context, repo upstreamRepo) error {
	dest := filepath.Join(b.paths.UpstreamDir(), repo.name)
	if _, err := os.Stat(dest); os.IsNotExist(err) {
		res, err := b.runner.Run(ctx, "git", "clone", "--depth", "1", repo.url, dest)
		if err != nil {
			return fmt.Errorf("clone: %w", err)
		}
		if res.ExitCode != 0 {
			return &system.CommandError{Name: "git clone", Code: res.ExitCode, Stderr: res.Stderr}
		}
		return nil
	}

	res, err := b.runner.RunIn(ctx, dest, "git", "fetch", "--all")
	if err != nil {
		return fmt.Errorf("fetch: %w", err)
	}
	if res.ExitCode != 0 {
		return &system.CommandError{Name: "git fetch", Code: res.ExitCode, Stderr: res.Stderr}
	}
	res, err = b.runner.RunIn(ctx, dest, "git", "reset", "--hard", "origin/master")
	if err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	if res.ExitCode != 0 {
		return &system.CommandError{Name: "git reset", Code: res.ExitCode, Stderr: res.Stderr}
	}
	return nil
}
