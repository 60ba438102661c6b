package boot

import (
	"io/fs"
	"os"
	"path/filepath"
)

// findKernel looks for the carried-over kernel first, then for the usual
// kernel image names anywhere under the work and extracted trees.
func (s *SmokeTest) findKernel() string {
	candidates := []string{
		filepath.Join(s.paths.WorkDir(), "kernel"),
		s.paths.ExtractedKernel(),
	}
	for _, c := range candidates {
		if fi, err := os.Stat(c); err == nil && fi.Mode().IsRegular() {
			return c
		}
	}

	names := map[string]bool{"zImage": true, "uImage": true, "Image": true}
	for _, root := range []string{s.paths.WorkDir(), s.paths.ExtractedDir()} {
		if found := findFile(root, func(name string) bool { return names[name] }); found != "" {
			return found
		}
	}
	return ""
}

// findDtb returns the first device-tree blob under the work or extracted
// trees. Optional: the generic virt machine needs none.
func (s *SmokeTest) findDtb() string {
	for _, root := range []string{s.paths.WorkDir(), s.paths.ExtractedDir()} {
		if found := findFile(root, func(name string) bool { return filepath.Ext(name) == ".dtb" }); found != "" {
			return found
		}
	}
	return ""
}

func findFile(root string, match func(name string) bool) string {
	var found string
	filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() && match(d.Name()) {
			found = path
			return filepath.SkipAll
		}
		return nil
	})
	return found
}
