// Package classifier inspects a firmware image and decides which container
// format it carries, so the extraction cascade can pick a strategy. Vendor
// images have no reliable magic-number authority: the verdict is best-effort
// and Unrecognized is a legitimate answer.
package classifier

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/k2rebuild/k2rebuild/lib/system"
	"github.com/u-root/u-root/pkg/cpio"
)

// Kind is the inferred container format.
type Kind string

const (
	KindSquashfs     Kind = "squashfs"
	KindExt4         Kind = "ext4"
	KindCpio         Kind = "cpio"
	KindCompressed   Kind = "compressed"
	KindUnrecognized Kind = "unrecognized"
)

// Verdict is the classifier's answer. Region points at a materialized
// sub-region copy when the filesystem was found at a byte offset inside the
// image; Member names the rootfs member when the image is a concatenated
// cpio bundle; Compression is set for KindCompressed.
type Verdict struct {
	Kind        Kind
	Offset      int64
	Region      string
	Member      string
	Compression string
}

// Classifier routes a firmware image to an extraction strategy.
type Classifier struct {
	runner system.Runner
	log    *slog.Logger
}

// New creates a Classifier.
func New(runner system.Runner, log *slog.Logger) *Classifier {
	if log == nil {
		log = slog.Default()
	}
	return &Classifier{runner: runner, log: log}
}

var createdFilesRe = regexp.MustCompile(`created\s+\d+\s+files`)

// UnsquashSucceeded reports whether an unsquashfs invocation should count as
// a pass. Vendor extractors routinely exit nonzero over non-fatal permission
// errors while still extracting everything; the dual condition (permission
// warning plus the "created N files" marker) avoids those false negatives.
// This is a text heuristic over free-form tool output, best-effort only.
func UnsquashSucceeded(res *system.Result) bool {
	if res.ExitCode == 0 {
		return true
	}
	return strings.Contains(res.Stderr, "Operation not permitted") &&
		createdFilesRe.MatchString(res.Stdout)
}

// Classify inspects imagePath, using scratchDir for probe byproducts.
// It never returns an error for an unidentifiable image; callers treat a
// KindUnrecognized verdict as a terminal extraction failure.
func (c *Classifier) Classify(ctx context.Context, imagePath, scratchDir string) (Verdict, error) {
	if err := os.MkdirAll(scratchDir, 0755); err != nil {
		return Verdict{Kind: KindUnrecognized}, fmt.Errorf("create scratch dir: %w", err)
	}

	// 1. Attempt the primary extractor directly.
	probeDir := filepath.Join(scratchDir, "squash-probe")
	res, err := c.runner.Run(ctx, "unsquashfs", "-d", probeDir, imagePath)
	os.RemoveAll(probeDir)
	if err == nil && UnsquashSucceeded(res) {
		c.log.Info("image classified by direct unsquash", "image", imagePath)
		return Verdict{Kind: KindSquashfs}, nil
	}

	// 2. Signature scan for a nested filesystem region.
	offset, found := c.scanForRootfsOffset(ctx, imagePath)

	// 3. No offset: the image may be a plain concatenation of cpio members.
	if !found {
		if member, ok := findCpioRootfsMember(imagePath); ok {
			c.log.Info("image classified as cpio bundle", "member", member)
			return Verdict{Kind: KindCpio, Member: member}, nil
		}
		c.log.Warn("no extraction strategy matched", "image", imagePath)
		return Verdict{Kind: KindUnrecognized}, nil
	}

	// 4. Materialize the sub-region and sniff its type.
	region := filepath.Join(scratchDir, "rootfs.img")
	if err := copyRange(imagePath, region, offset); err != nil {
		return Verdict{Kind: KindUnrecognized}, fmt.Errorf("copy region at offset %d: %w", offset, err)
	}
	kind, compression, err := Sniff(region)
	if err != nil {
		return Verdict{Kind: KindUnrecognized}, fmt.Errorf("sniff region: %w", err)
	}
	c.log.Info("nested region classified", "offset", offset, "kind", kind, "compression", compression)
	return Verdict{Kind: kind, Offset: offset, Region: region, Compression: compression}, nil
}

// scanForRootfsOffset runs the binary signature scanner and searches its
// textual report for a line naming a rootfs region, taking the leading
// integer as a byte offset.
func (c *Classifier) scanForRootfsOffset(ctx context.Context, imagePath string) (int64, bool) {
	res, err := c.runner.Run(ctx, "binwalk", "--quiet", "--term", imagePath)
	if err != nil {
		c.log.Warn("signature scan unavailable", "error", err)
		return 0, false
	}
	for _, line := range strings.Split(res.Stdout, "\n") {
		if !strings.Contains(strings.ToLower(line), "rootfs") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if off, err := strconv.ParseInt(fields[0], 10, 64); err == nil {
			return off, true
		}
	}
	return 0, false
}

// findCpioRootfsMember walks the image as a newc cpio stream looking for the
// conventionally named rootfs member.
func findCpioRootfsMember(imagePath string) (string, bool) {
	f, err := os.Open(imagePath)
	if err != nil {
		return "", false
	}
	defer f.Close()

	rr := cpio.Newc.Reader(f)
	var member string
	err = cpio.ForEachRecord(rr, func(r cpio.Record) error {
		if filepath.Base(r.Name) == "rootfs" {
			member = r.Name
			return io.EOF // stop iteration
		}
		return nil
	})
	if member != "" {
		return member, true
	}
	_ = err
	return "", false
}

func copyRange(src, dst string, offset int64) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	if _, err := in.Seek(offset, io.SeekStart); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
