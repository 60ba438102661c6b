package rebuild

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/k2rebuild/k2rebuild/lib/checkpoint"
	"github.com/k2rebuild/k2rebuild/lib/paths"
	"github.com/k2rebuild/k2rebuild/lib/pipeline"
	"github.com/k2rebuild/k2rebuild/lib/progress"
	"github.com/k2rebuild/k2rebuild/lib/system"
	"github.com/k2rebuild/k2rebuild/lib/system/systemtest"
	"github.com/stretchr/testify/require"
	"github.com/u-root/u-root/pkg/cpio"
)

func newTestBuilder(t *testing.T) (*Builder, *paths.Paths, checkpoint.Store, *systemtest.Runner) {
	t.Helper()
	p := paths.New(t.TempDir())
	require.NoError(t, p.EnsureBase())
	ck := checkpoint.NewStore(p.CheckpointFile())
	r := systemtest.New()
	return NewBuilder(p, r, ck, nil), p, ck, r
}

func TestStagesOrderAndTags(t *testing.T) {
	b, _, _, _ := newTestBuilder(t)
	var ids, tags []string
	for _, st := range b.Stages() {
		ids = append(ids, st.ID)
		tags = append(tags, st.CheckpointTag())
	}
	require.Equal(t, []string{"detect_rootfs", "unsquash", "inject_upstream", "repack_fw", "validate_fw"}, ids)
	require.Contains(t, tags, "inject_upstream_complete")
}

func TestDetectRootfsFindsNestedEntry(t *testing.T) {
	b, p, _, _ := newTestBuilder(t)
	nested := filepath.Join(p.ExtractedDir(), "_fw.img.extracted")
	require.NoError(t, os.MkdirAll(nested, 0755))
	rootfs := filepath.Join(nested, "rootfs")
	require.NoError(t, os.WriteFile(rootfs, []byte("hsqs"), 0644))

	meta, err := b.detectRootfs(context.Background())
	require.NoError(t, err)
	require.Equal(t, rootfs, meta["rootfs_source"])
}

func TestDetectRootfsMissingIsRequiredArtifact(t *testing.T) {
	b, _, _, _ := newTestBuilder(t)
	_, err := b.detectRootfs(context.Background())
	require.ErrorIs(t, err, ErrRequiredArtifact)
}

func TestUnsquashWithoutSourceFails(t *testing.T) {
	b, _, _, _ := newTestBuilder(t)
	_, err := b.unsquash(context.Background())
	require.ErrorIs(t, err, ErrRequiredArtifact)
}

func TestUnsquashFileSource(t *testing.T) {
	b, p, ck, r := newTestBuilder(t)
	src := filepath.Join(p.ExtractedDir(), "rootfs")
	require.NoError(t, os.WriteFile(src, []byte("hsqs"), 0644))
	require.NoError(t, ck.Advance("detect_rootfs_complete", map[string]any{"rootfs_source": src}))

	meta, err := b.unsquash(context.Background())
	require.NoError(t, err)
	require.Equal(t, p.RootFSDir(), meta["rootfs_dir"])
	require.NotContains(t, meta, "rootfs_squash")

	// a file source is unpacked directly, no normalization pack
	require.Empty(t, r.CallsTo("mksquashfs"))
	calls := r.CallsTo("unsquashfs")
	require.Len(t, calls, 1)
	require.Equal(t, []string{"-f", "-d", p.RootFSDir(), src}, calls[0].Args)
}

func TestUnsquashDirSourceNormalizes(t *testing.T) {
	b, p, ck, r := newTestBuilder(t)
	src := filepath.Join(p.ExtractedDir(), "rootfs")
	require.NoError(t, os.MkdirAll(src, 0755))
	require.NoError(t, ck.Advance("detect_rootfs_complete", map[string]any{"rootfs_source": src}))

	meta, err := b.unsquash(context.Background())
	require.NoError(t, err)
	require.Equal(t, p.RootFSSquash(), meta["rootfs_squash"])

	packs := r.CallsTo("mksquashfs")
	require.Len(t, packs, 1)
	require.Equal(t, []string{src, p.RootFSSquash(), "-comp", "xz", "-noappend"}, packs[0].Args)
	unpacks := r.CallsTo("unsquashfs")
	require.Len(t, unpacks, 1)
	require.Equal(t, p.RootFSSquash(), unpacks[0].Args[len(unpacks[0].Args)-1])
}

func TestUnsquashAcceptsPermissionNoise(t *testing.T) {
	b, p, ck, r := newTestBuilder(t)
	src := filepath.Join(p.ExtractedDir(), "rootfs")
	require.NoError(t, os.WriteFile(src, []byte("hsqs"), 0644))
	require.NoError(t, ck.Advance("detect_rootfs_complete", map[string]any{"rootfs_source": src}))

	r.Handle("unsquashfs", func(args []string) (*system.Result, error) {
		return &system.Result{
			ExitCode: 2,
			Stdout:   "created 1302 files",
			Stderr:   "mknod: Operation not permitted",
		}, nil
	})

	_, err := b.unsquash(context.Background())
	require.NoError(t, err)
}

func TestUnsquashCollectsVendorConfigs(t *testing.T) {
	b, p, ck, r := newTestBuilder(t)
	src := filepath.Join(p.ExtractedDir(), "rootfs")
	require.NoError(t, os.WriteFile(src, []byte("hsqs"), 0644))
	require.NoError(t, ck.Advance("detect_rootfs_complete", map[string]any{"rootfs_source": src}))

	r.Handle("unsquashfs", func(args []string) (*system.Result, error) {
		dest := args[2]
		for rel, content := range map[string]string{
			"etc/printer.cfg":                         "[printer]",
			"usr/share/klipper/config/sample.cfg":     "[stepper_x]",
			"etc/gcode_macros.cfg":                    "[gcode_macro START_PRINT]",
			"opt/ui/qml/main.qml":                     "Rectangle {}",
			"etc/systemd/system/creality-web.service": "[Unit]",
			"usr/bin/klippy":                          "\x7fELF",
		} {
			full := filepath.Join(dest, rel)
			if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
				return nil, err
			}
			if err := os.WriteFile(full, []byte(content), 0644); err != nil {
				return nil, err
			}
		}
		return &system.Result{}, nil
	})

	meta, err := b.unsquash(context.Background())
	require.NoError(t, err)
	require.Equal(t, p.ExtractedConfigsDir(), meta["configs_dir"])

	// matched files are copied with their relative layout intact
	copied, err := os.ReadFile(filepath.Join(p.ExtractedConfigsDir(), "etc/printer.cfg"))
	require.NoError(t, err)
	require.Equal(t, "[printer]", string(copied))
	_, err = os.Stat(filepath.Join(p.ExtractedConfigsDir(), "usr/bin/klippy"))
	require.True(t, os.IsNotExist(err))

	data, err := os.ReadFile(filepath.Join(p.ExtractedConfigsDir(), "report.json"))
	require.NoError(t, err)
	var report map[string][]string
	require.NoError(t, json.Unmarshal(data, &report))
	require.Equal(t, []string{"etc/printer.cfg"}, report["printer_cfg"])
	require.Equal(t, []string{"usr/share/klipper/config/sample.cfg"}, report["creality_cfg"])
	require.Equal(t, []string{"etc/gcode_macros.cfg"}, report["macros"])
	require.Equal(t, []string{"opt/ui/qml/main.qml"}, report["qml_ui"])
	require.Equal(t, []string{"etc/systemd/system/creality-web.service"}, report["services"])
}

func TestConfigCategories(t *testing.T) {
	cases := []struct {
		rel  string
		want []string
	}{
		{"etc/printer.cfg", []string{"printer_cfg"}},
		{"root/printer_params.cfg", []string{"printer_cfg"}},
		{"usr/share/klipper/config/generic.cfg", []string{"creality_cfg"}},
		{"etc/klipper_service/config.d/main.cfg", []string{"creality_cfg"}},
		{"etc/box_macros.cfg", []string{"macros"}},
		{"usr/share/cfs_presets.json", []string{"filament_related"}},
		{"app/qml/Screen.qml", []string{"qml_ui"}},
		{"app/qml/helper.js", []string{"qml_ui"}},
		{"etc/systemd/system/creality-print.service", []string{"services"}},
		{"etc/systemd/system/sshd.service", nil},
		{"usr/bin/klippy", nil},
	}
	for _, c := range cases {
		require.Equal(t, c.want, configCategories(filepath.FromSlash(c.rel)), c.rel)
	}
}

func TestStageFailureCarriesToolExitCode(t *testing.T) {
	b, p, ck, r := newTestBuilder(t)
	src := filepath.Join(p.ExtractedDir(), "rootfs")
	require.NoError(t, os.MkdirAll(src, 0755))
	require.NoError(t, ck.Advance("detect_rootfs_complete", map[string]any{"rootfs_source": src}))

	r.Handle("mksquashfs", func(args []string) (*system.Result, error) {
		return &system.Result{ExitCode: 2, Stderr: "FATAL ERROR: write failed"}, nil
	})

	tr := progress.NewTracker(filepath.Join(p.OutputDir(), "progress.json"), nil)
	err := pipeline.New(b.Stages(), ck, tr, nil, nil).Run(context.Background())

	// the tool's exit code rides the stage error to the process exit
	var se *pipeline.StageError
	require.ErrorAs(t, err, &se)
	require.Equal(t, "unsquash", se.StageID)
	require.Equal(t, 2, se.ExitCode())

	var ce *system.CommandError
	require.ErrorAs(t, err, &ce)
	require.Equal(t, "mksquashfs", ce.Name)
}

func TestInjectUpstreamFreshClones(t *testing.T) {
	b, p, ck, r := newTestBuilder(t)
	rootfs := p.RootFSDir()
	require.NoError(t, os.MkdirAll(rootfs, 0755))
	require.NoError(t, ck.Advance("unsquash_complete", map[string]any{"rootfs_dir": rootfs}))

	_, err := b.injectUpstream(context.Background())
	require.NoError(t, err)

	clones := r.CallsTo("git")
	require.Len(t, clones, 3)
	require.Equal(t, "clone", clones[0].Args[0])
	require.Contains(t, clones[0].Args, "https://github.com/Klipper3d/klipper.git")
	require.Contains(t, clones[2].Args, "https://github.com/mainsail-crew/mainsail.git")

	rsyncs := r.CallsTo("rsync")
	require.Len(t, rsyncs, 1)
	require.Equal(t, "-a", rsyncs[0].Args[0])
	require.Equal(t, "--delete", rsyncs[0].Args[1])
	require.Equal(t, filepath.Join(rootfs, "usr/share/mainsail"), rsyncs[0].Args[3])

	marker, err := os.ReadFile(filepath.Join(rootfs, "etc/k2rebuild.conf"))
	require.NoError(t, err)
	require.Equal(t, "K2REBUILD_INJECTED=1\n", string(marker))

	choice, err := os.ReadFile(p.UIChoiceFile())
	require.NoError(t, err)
	var ui map[string]string
	require.NoError(t, json.Unmarshal(choice, &ui))
	require.Equal(t, "mainsail", ui["ui"])
}

func TestInjectUpstreamUpdatesExistingClone(t *testing.T) {
	b, p, ck, r := newTestBuilder(t)
	rootfs := p.RootFSDir()
	require.NoError(t, os.MkdirAll(rootfs, 0755))
	require.NoError(t, ck.Advance("unsquash_complete", map[string]any{"rootfs_dir": rootfs}))
	require.NoError(t, os.MkdirAll(filepath.Join(p.UpstreamDir(), "klipper"), 0755))

	_, err := b.injectUpstream(context.Background())
	require.NoError(t, err)

	var verbs []string
	for _, c := range r.CallsTo("git") {
		verbs = append(verbs, c.Args[0])
	}
	// klipper already present: fetched and reset instead of recloned
	require.Equal(t, []string{"fetch", "reset", "clone", "clone"}, verbs)
}

func TestInjectUpstreamWithoutRootfsFails(t *testing.T) {
	b, _, _, _ := newTestBuilder(t)
	_, err := b.injectUpstream(context.Background())
	require.ErrorIs(t, err, ErrRequiredArtifact)
}

func TestUpdateSWDescription(t *testing.T) {
	existing := "software = {\n  version = \"1.3.5.8\";\n}\nrootfs_sha256=\"deadbeef\"\nrootfs_size=\"123\"\n"
	out := updateSWDescription(existing, "abc123", 4096)
	require.Contains(t, out, `rootfs_sha256="abc123"`)
	require.Contains(t, out, `rootfs_size="4096"`)
	require.NotContains(t, out, "deadbeef")

	appended := updateSWDescription("software = {}", "abc123", 77)
	require.Contains(t, appended, `rootfs_sha256="abc123"`)
	require.Contains(t, appended, `rootfs_size="77"`)
}

func TestRepackAssemblesOrderedContainer(t *testing.T) {
	b, p, _, r := newTestBuilder(t)
	require.NoError(t, os.MkdirAll(p.RootFSDir(), 0755))

	r.Handle("mksquashfs", func(args []string) (*system.Result, error) {
		// args: rootfsDir, squashPath, -comp, xz, -noappend
		if err := os.WriteFile(args[1], []byte("hsqs-rebuilt"), 0644); err != nil {
			return nil, err
		}
		return &system.Result{}, nil
	})

	meta, err := b.repack(context.Background())
	require.NoError(t, err)
	require.Equal(t, p.FinalImage(), meta["image"])

	desc, err := os.ReadFile(p.SWDescription())
	require.NoError(t, err)
	require.Contains(t, string(desc), "rootfs_sha256=")

	manifest, err := os.ReadFile(p.CpioItemMD5())
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(manifest)), "\n")
	require.Len(t, lines, 2) // no kernel/uboot in this run
	require.True(t, strings.HasPrefix(lines[0], "sw-description:"))
	require.True(t, strings.HasPrefix(lines[1], "rootfs:"))

	f, err := os.Open(p.FinalImage())
	require.NoError(t, err)
	defer f.Close()
	var names []string
	require.NoError(t, cpio.ForEachRecord(cpio.Newc.Reader(f), func(rec cpio.Record) error {
		names = append(names, rec.Name)
		return nil
	}))
	require.Equal(t, []string{"sw-description", "rootfs", "cpio_item_md5"}, names)
}

func TestRepackCarriesOptionalMembers(t *testing.T) {
	b, p, _, r := newTestBuilder(t)
	require.NoError(t, os.MkdirAll(p.RootFSDir(), 0755))
	require.NoError(t, os.WriteFile(p.ExtractedKernel(), []byte("zImage"), 0644))
	require.NoError(t, os.WriteFile(p.ExtractedUboot(), []byte("u-boot"), 0644))

	r.Handle("mksquashfs", func(args []string) (*system.Result, error) {
		if err := os.WriteFile(args[1], []byte("hsqs-rebuilt"), 0644); err != nil {
			return nil, err
		}
		return &system.Result{}, nil
	})

	_, err := b.repack(context.Background())
	require.NoError(t, err)

	f, err := os.Open(p.FinalImage())
	require.NoError(t, err)
	defer f.Close()
	var names []string
	require.NoError(t, cpio.ForEachRecord(cpio.Newc.Reader(f), func(rec cpio.Record) error {
		names = append(names, rec.Name)
		return nil
	}))
	require.Equal(t, []string{"sw-description", "rootfs", "kernel", "uboot", "cpio_item_md5"}, names)
}

func TestRepackWithoutWorkTreeFails(t *testing.T) {
	b, _, _, _ := newTestBuilder(t)
	_, err := b.repack(context.Background())
	require.ErrorIs(t, err, ErrRequiredArtifact)
}

func TestValidateArtifactsAllPresent(t *testing.T) {
	b, p, _, _ := newTestBuilder(t)
	require.NoError(t, os.WriteFile(p.RootFSSquash(), []byte("hsqs"), 0644))
	require.NoError(t, os.WriteFile(p.SWDescription(), []byte("software = {}"), 0644))

	meta, err := b.validateArtifacts(context.Background())
	require.NoError(t, err)

	data, err := os.ReadFile(meta["validation_report"].(string))
	require.NoError(t, err)
	var results map[string]componentCheck
	require.NoError(t, json.Unmarshal(data, &results))
	require.Equal(t, "ok", results["rootfs"].Status)
	require.Equal(t, "missing", results["kernel"].Status)
	require.Len(t, results["rootfs"].SHA256, 64)
}

func TestValidateArtifactsMissingRequiredFails(t *testing.T) {
	b, p, _, _ := newTestBuilder(t)
	require.NoError(t, os.WriteFile(p.SWDescription(), []byte("software = {}"), 0644))

	_, err := b.validateArtifacts(context.Background())
	require.ErrorIs(t, err, ErrRequiredArtifact)
	require.ErrorContains(t, err, "rootfs")

	// the report still lands even on failure
	_, statErr := os.Stat(p.RebuiltValidationReport())
	require.NoError(t, statErr)
}
