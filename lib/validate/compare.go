package validate

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/samber/lo"
)

// inventorySections are the tree regions compared between an original and a
// rebuilt rootfs.
var inventorySections = []string{"/bin", "/sbin", "/usr/bin", "/usr/sbin", "/etc", "/lib/modules"}

const sampleCap = 200

// SectionDiff is the per-section inventory delta. Pure set difference, no
// semantic judgment about whether a change is desirable.
type SectionDiff struct {
	AddedCount    int      `json:"added_count"`
	RemovedCount  int      `json:"removed_count"`
	AddedSample   []string `json:"added_sample"`
	RemovedSample []string `json:"removed_sample"`
}

// CompareRoots diffs the file inventories of two rootfs trees and writes the
// result to outPath.
func CompareRoots(origRoot, newRoot, outPath string) (map[string]SectionDiff, error) {
	diff := map[string]SectionDiff{}
	for _, sec := range inventorySections {
		a := listSection(origRoot, sec)
		b := listSection(newRoot, sec)
		added := lo.Without(b, a...)
		removed := lo.Without(a, b...)
		sort.Strings(added)
		sort.Strings(removed)
		diff[sec] = SectionDiff{
			AddedCount:    len(added),
			RemovedCount:  len(removed),
			AddedSample:   capSample(added),
			RemovedSample: capSample(removed),
		}
	}

	data, err := json.MarshalIndent(diff, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal inventory diff: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(outPath), 0755); err != nil {
		return nil, fmt.Errorf("create diff directory: %w", err)
	}
	if err := os.WriteFile(outPath, data, 0644); err != nil {
		return nil, fmt.Errorf("write inventory diff: %w", err)
	}
	return diff, nil
}

// listSection returns root-relative file paths under one section.
func listSection(root, section string) []string {
	base := filepath.Join(root, strings.TrimPrefix(section, "/"))
	var out []string
	filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if rel, err := filepath.Rel(root, path); err == nil {
			out = append(out, rel)
		}
		return nil
	})
	return out
}

func capSample(s []string) []string {
	if s == nil {
		s = []string{}
	}
	if len(s) > sampleCap {
		return s[:sampleCap]
	}
	return s
}
