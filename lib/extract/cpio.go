package extract

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/u-root/u-root/pkg/cpio"
)

// extractCpio unpacks a newc cpio stream into destDir, rejecting member
// names that would escape it.
func extractCpio(src, destDir string) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()

	rr := cpio.Newc.Reader(f)
	return cpio.ForEachRecord(rr, func(r cpio.Record) error {
		if err := checkMemberName(r.Name); err != nil {
			return err
		}
		if err := cpio.CreateFileInRoot(r, destDir, false); err != nil {
			return fmt.Errorf("create %s: %w", r.Name, err)
		}
		return nil
	})
}

// checkMemberName rejects absolute and traversal paths in archive members.
func checkMemberName(name string) error {
	if filepath.IsAbs(name) {
		return fmt.Errorf("absolute member path %q", name)
	}
	clean := filepath.Clean(name)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return fmt.Errorf("member path %q escapes destination", name)
	}
	return nil
}
