// Package extract turns a classified firmware image into a usable root
// filesystem tree. Dispatch is strictly by verdict: a strategy that fails
// does not fall through to another verdict's branch.
package extract

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/k2rebuild/k2rebuild/lib/classifier"
	"github.com/k2rebuild/k2rebuild/lib/system"
)

// Cascade executes the extraction strategy selected by a classifier verdict.
type Cascade struct {
	runner system.Runner
	log    *slog.Logger
}

// NewCascade creates a Cascade.
func NewCascade(runner system.Runner, log *slog.Logger) *Cascade {
	if log == nil {
		log = slog.Default()
	}
	return &Cascade{runner: runner, log: log}
}

// Extract materializes the root filesystem of imagePath into destDir
// according to the verdict, using scratchDir for intermediates. destDir is
// cleared and recreated before every attempt: extraction is never additive
// over stale state.
func (c *Cascade) Extract(ctx context.Context, imagePath string, v classifier.Verdict, destDir, scratchDir string) error {
	return c.extract(ctx, imagePath, v, destDir, scratchDir, 0)
}

// maxDecompressDepth bounds the decompress-then-reclassify recursion so a
// self-referential or malformed stream cannot loop forever.
const maxDecompressDepth = 1

func (c *Cascade) extract(ctx context.Context, imagePath string, v classifier.Verdict, destDir, scratchDir string, depth int) error {
	source := imagePath
	if v.Region != "" {
		source = v.Region
	}

	if err := resetDir(destDir); err != nil {
		return fmt.Errorf("reset extraction target: %w", err)
	}

	switch v.Kind {
	case classifier.KindSquashfs:
		res, err := c.runner.Run(ctx, "unsquashfs", "-f", "-d", destDir, source)
		if err != nil {
			return fmt.Errorf("%w: unsquashfs: %v", ErrExtractionFailed, err)
		}
		if !classifier.UnsquashSucceeded(res) {
			return fmt.Errorf("%w: unsquashfs exit %d: %s", ErrExtractionFailed, res.ExitCode, res.Stderr)
		}
		c.log.Info("squashfs extracted", "dest", destDir)
		return nil

	case classifier.KindExt4:
		res, err := c.runner.Run(ctx, "mount", "-o", "loop,ro", source, destDir)
		if err != nil {
			return fmt.Errorf("%w: mount: %v", ErrExtractionFailed, err)
		}
		if res.ExitCode != 0 {
			return fmt.Errorf("%w: mount exit %d: %s", ErrExtractionFailed, res.ExitCode, res.Stderr)
		}
		c.log.Info("ext4 image mounted read-only", "dest", destDir)
		return nil

	case classifier.KindCpio:
		if err := extractCpio(source, destDir); err != nil {
			return fmt.Errorf("%w: cpio: %v", ErrExtractionFailed, err)
		}
		c.log.Info("cpio extracted", "dest", destDir)
		return nil

	case classifier.KindCompressed:
		if depth >= maxDecompressDepth {
			return fmt.Errorf("%w: decompression recursion limit reached", ErrExtractionFailed)
		}
		decompressed := filepath.Join(scratchDir, fmt.Sprintf("rootfs.dec.%d", depth))
		if err := decompress(v.Compression, source, decompressed); err != nil {
			return fmt.Errorf("%w: decompress %s: %v", ErrExtractionFailed, v.Compression, err)
		}
		kind, compression, err := classifier.Sniff(decompressed)
		if err != nil {
			return fmt.Errorf("%w: re-sniff decompressed stream: %v", ErrExtractionFailed, err)
		}
		c.log.Info("decompressed stream reclassified", "kind", kind)
		next := classifier.Verdict{Kind: kind, Region: decompressed, Compression: compression}
		return c.extract(ctx, imagePath, next, destDir, scratchDir, depth+1)

	case classifier.KindUnrecognized:
		return ErrUnrecognized

	default:
		return fmt.Errorf("%w: unknown verdict %q", ErrUnrecognized, v.Kind)
	}
}

func resetDir(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return err
	}
	return os.MkdirAll(dir, 0755)
}
