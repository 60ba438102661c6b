package validate

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/k2rebuild/k2rebuild/lib/system/systemtest"
	"github.com/stretchr/testify/require"
)

type fakeMounter struct {
	mounts   []string
	unmounts []string
	failOn   map[string]bool
}

func (f *fakeMounter) Mount(source, target, fstype string, flags uintptr, data string) error {
	for suffix := range f.failOn {
		if strings.HasSuffix(target, suffix) {
			return os.ErrPermission
		}
	}
	f.mounts = append(f.mounts, target)
	return nil
}

func (f *fakeMounter) Unmount(target string, flags int) error {
	f.unmounts = append(f.unmounts, target)
	return nil
}

func minimalRootfs(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	for _, d := range []string{"bin", "sbin", "etc", "usr/bin", "lib", "var"} {
		require.NoError(t, os.MkdirAll(filepath.Join(root, d), 0755))
	}
	require.NoError(t, os.WriteFile(filepath.Join(root, "bin/sh"), []byte("#!"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "usr/bin/python3"), []byte("#!"), 0755))
	return root
}

func TestValidateMountTeardownSymmetry(t *testing.T) {
	fm := &fakeMounter{}
	h := NewHarness(systemtest.New(), fm, 0, nil)
	root := minimalRootfs(t)

	h.Validate(context.Background(), "original", root)

	require.Len(t, fm.mounts, 4) // proc, sys, dev, dev/pts
	require.Equal(t, len(fm.mounts), len(fm.unmounts))
	for i := range fm.mounts {
		require.Equal(t, fm.mounts[len(fm.mounts)-1-i], fm.unmounts[i])
	}
}

func TestValidateTeardownSkipsFailedMounts(t *testing.T) {
	fm := &fakeMounter{failOn: map[string]bool{"sys": true}}
	h := NewHarness(systemtest.New(), fm, 0, nil)

	h.Validate(context.Background(), "original", minimalRootfs(t))

	require.Len(t, fm.mounts, 3)
	require.Equal(t, len(fm.mounts), len(fm.unmounts))
	for _, target := range fm.unmounts {
		require.False(t, strings.HasSuffix(target, "sys"))
	}
}

func TestValidatePanickingProbeIsContained(t *testing.T) {
	fm := &fakeMounter{}
	h := NewHarness(systemtest.New(), fm, 0, nil)
	h.probes = append(h.probes, probe{
		name: "boom",
		run: func(h *Harness, ctx context.Context, root string, rep *Report) {
			panic("probe blew up")
		},
	})

	rep := h.Validate(context.Background(), "original", minimalRootfs(t))

	require.Contains(t, rep.Tests, "boom")
	found := false
	for _, e := range rep.Errors {
		if strings.Contains(e, "probe boom faulted") {
			found = true
		}
	}
	require.True(t, found)

	// the fault neither skipped other probes nor leaked mounts
	require.Contains(t, rep.Tests, "kernel_modules")
	require.Equal(t, len(fm.mounts), len(fm.unmounts))
}

func TestValidateMissingShellIsReported(t *testing.T) {
	root := minimalRootfs(t)
	require.NoError(t, os.Remove(filepath.Join(root, "bin/sh")))

	h := NewHarness(systemtest.New(), &fakeMounter{}, 0, nil)
	rep := h.Validate(context.Background(), "rebuilt", root)

	structure := rep.Tests["structure"].(map[string]any)
	require.False(t, structure["ok"].(bool))
	require.Contains(t, structure["missing_bins"].([]string), "/bin/sh")
	require.NotEmpty(t, rep.Errors)

	// later probes still ran
	require.Contains(t, rep.Tests, "dns_resolve")
	require.Contains(t, rep.Tests, "kernel_modules")
}

func TestValidateSkipsAbsentOptionalTools(t *testing.T) {
	h := NewHarness(systemtest.New(), &fakeMounter{}, 0, nil)
	rep := h.Validate(context.Background(), "original", minimalRootfs(t))

	nginx := rep.Tests["nginx_test"].(map[string]any)
	require.Equal(t, true, nginx["skipped"])
	moon := rep.Tests["moonraker_config"].(map[string]any)
	require.Equal(t, true, moon["skipped"])
	elf := rep.Tests["elf_deps"].(map[string]any)
	require.Equal(t, true, elf["skipped"])
}

func TestReportSaveAndShape(t *testing.T) {
	rep := NewReport("original", "/some/root")
	rep.AddTest("structure", map[string]any{"ok": true})
	rep.Warn("low free space")
	rep.Error("nginx config test failed")

	path := filepath.Join(t.TempDir(), "reports", "original_report.json")
	require.NoError(t, rep.Save(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	text := string(data)
	require.Contains(t, text, `"label": "original"`)
	require.Contains(t, text, `"structure"`)
	require.Contains(t, text, "low free space")
}

func TestCompareRoots(t *testing.T) {
	orig := t.TempDir()
	rebuilt := t.TempDir()
	for _, root := range []string{orig, rebuilt} {
		require.NoError(t, os.MkdirAll(filepath.Join(root, "usr/bin"), 0755))
		require.NoError(t, os.WriteFile(filepath.Join(root, "usr/bin/common"), nil, 0755))
	}
	require.NoError(t, os.WriteFile(filepath.Join(orig, "usr/bin/vendor-tool"), nil, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(rebuilt, "usr/bin/moonraker"), nil, 0755))

	out := filepath.Join(t.TempDir(), "inventory_diff.json")
	diff, err := CompareRoots(orig, rebuilt, out)
	require.NoError(t, err)

	sec := diff["/usr/bin"]
	require.Equal(t, 1, sec.AddedCount)
	require.Equal(t, 1, sec.RemovedCount)
	require.Equal(t, []string{"usr/bin/moonraker"}, sec.AddedSample)
	require.Equal(t, []string{"usr/bin/vendor-tool"}, sec.RemovedSample)

	// untouched sections diff empty, never error
	require.Equal(t, 0, diff["/etc"].AddedCount)

	_, statErr := os.Stat(out)
	require.NoError(t, statErr)
}
