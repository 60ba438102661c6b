package rebuild

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
)

// detectRootfs walks the extracted firmware tree for the conventionally
// named rootfs entry and records its location for the unsquash stage.
func (b *Builder) detectRootfs(ctx context.Context) (map[string]any, error) {
	extracted := b.paths.ExtractedDir()

	var found string
	err := filepath.WalkDir(extracted, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Name() == "rootfs" {
			found = path
			return filepath.SkipAll
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk extracted tree: %w", err)
	}
	if found == "" {
		return nil, fmt.Errorf("%w: no rootfs under %s", ErrRequiredArtifact, extracted)
	}

	b.log.Info("rootfs located", "source", found)
	return map[string]any{"rootfs_source": found}, nil
}
