package rebuild

import (
	"context"
	"fmt"
	"os"

	"github.com/k2rebuild/k2rebuild/lib/classifier"
	"github.com/k2rebuild/k2rebuild/lib/system"
)

// unsquash materializes the detected rootfs into the mutable work tree. A
// directory source is first packed to a fresh squashfs so the work tree is
// always the product of one unsquashfs pass, whatever shape detection found.
func (b *Builder) unsquash(ctx context.Context) (map[string]any, error) {
	src := b.metaPath("rootfs_source")
	if src == "" {
		return nil, fmt.Errorf("%w: checkpoint has no rootfs_source, run detect_rootfs first", ErrRequiredArtifact)
	}
	info, err := os.Stat(src)
	if err != nil {
		return nil, fmt.Errorf("%w: rootfs_source %s: %v", ErrRequiredArtifact, src, err)
	}

	squash := src
	if info.IsDir() {
		squash = b.paths.RootFSSquash()
		os.Remove(squash)
		res, err := b.runner.Run(ctx, "mksquashfs", src, squash, "-comp", "xz", "-noappend")
		if err != nil {
			return nil, fmt.Errorf("mksquashfs: %w", err)
		}
		if res.ExitCode != 0 {
			return nil, &system.CommandError{Name: "mksquashfs", Code: res.ExitCode, Stderr: res.Stderr}
		}
	}

	workTree := b.paths.RootFSDir()
	if err := os.MkdirAll(workTree, 0755); err != nil {
		return nil, fmt.Errorf("create work tree: %w", err)
	}
	res, err := b.runner.Run(ctx, "unsquashfs", "-f", "-d", workTree, squash)
	if err != nil {
		return nil, fmt.Errorf("unsquashfs: %w", err)
	}
	if !classifier.UnsquashSucceeded(res) {
		return nil, &system.CommandError{Name: "unsquashfs", Code: res.ExitCode, Stderr: res.Stderr}
	}

	b.log.Info("rootfs unpacked", "tree", workTree)
	b.collectConfigs(workTree)

	meta := map[string]any{
		"rootfs_dir":  workTree,
		"configs_dir": b.paths.ExtractedConfigsDir(),
	}
	if squash != src {
		meta["rootfs_squash"] = squash
	}
	return meta, nil
}
