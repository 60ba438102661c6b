package rebuild

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/k2rebuild/k2rebuild/lib/system"
	"github.com/u-root/u-root/pkg/cpio"
)

// repack rebuilds the squashfs from the work tree, refreshes the SWUpdate
// description and checksum manifest, and assembles the final container.
// Member order inside the container matters to the on-device updater:
// sw-description first, manifest last.
func (b *Builder) repack(ctx context.Context) (map[string]any, error) {
	rootfs := b.paths.RootFSDir()
	if fi, err := os.Stat(rootfs); err != nil || !fi.IsDir() {
		return nil, fmt.Errorf("%w: work tree %s, run unsquash/inject first", ErrRequiredArtifact, rootfs)
	}

	squash := b.paths.RootFSSquash()
	os.Remove(squash)
	res, err := b.runner.Run(ctx, "mksquashfs", rootfs, squash, "-comp", "xz", "-noappend")
	if err != nil {
		return nil, fmt.Errorf("mksquashfs: %w", err)
	}
	if res.ExitCode != 0 {
		return nil, &system.CommandError{Name: "mksquashfs", Code: res.ExitCode, Stderr: res.Stderr}
	}

	if err := b.refreshSWDescription(squash); err != nil {
		return nil, err
	}

	members := []containerMember{
		{"sw-description", b.paths.SWDescription()},
		{"rootfs", squash},
	}
	for _, opt := range []containerMember{
		{"kernel", b.paths.ExtractedKernel()},
		{"uboot", b.paths.ExtractedUboot()},
	} {
		if fi, err := os.Stat(opt.path); err == nil && fi.Mode().IsRegular() {
			members = append(members, opt)
		} else {
			b.log.Info("optional member absent, carrying on without it", "member", opt.name)
		}
	}

	if err := b.writeManifest(members); err != nil {
		return nil, err
	}
	members = append(members, containerMember{"cpio_item_md5", b.paths.CpioItemMD5()})

	final := b.paths.FinalImage()
	if err := writeSWUpdateImage(final, members); err != nil {
		return nil, fmt.Errorf("assemble container: %w", err)
	}

	sha, err := sha256File(squash)
	if err != nil {
		return nil, fmt.Errorf("hash squashfs: %w", err)
	}
	b.log.Info("firmware repacked", "image", final, "rootfs_sha256", sha)
	return map[string]any{
		"image":          final,
		"rootfs_squash":  squash,
		"sw_description": b.paths.SWDescription(),
		"cpio_md5":       b.paths.CpioItemMD5(),
	}, nil
}

// refreshSWDescription updates the description for the new squashfs,
// creating a minimal one when the vendor image carried none.
func (b *Builder) refreshSWDescription(squash string) error {
	desc := b.paths.SWDescription()
	content := minimalSWDescription
	if data, err := os.ReadFile(desc); err == nil {
		content = string(data)
	}

	sha, err := sha256File(squash)
	if err != nil {
		return fmt.Errorf("hash squashfs: %w", err)
	}
	fi, err := os.Stat(squash)
	if err != nil {
		return fmt.Errorf("stat squashfs: %w", err)
	}

	updated := updateSWDescription(content, sha, fi.Size())
	if err := os.WriteFile(desc, []byte(updated), 0644); err != nil {
		return fmt.Errorf("write sw-description: %w", err)
	}
	return nil
}

// writeManifest regenerates cpio_item_md5 with one name:digest line per
// container member.
func (b *Builder) writeManifest(members []containerMember) error {
	var lines []string
	for _, m := range members {
		sha, err := sha256File(m.path)
		if err != nil {
			return fmt.Errorf("hash %s: %w", m.name, err)
		}
		lines = append(lines, m.name+":"+sha)
	}
	out := strings.Join(lines, "\n") + "\n"
	if err := os.WriteFile(b.paths.CpioItemMD5(), []byte(out), 0644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}

type containerMember struct {
	name string
	path string
}

// writeSWUpdateImage streams the members into a newc cpio at dst, in order.
// Members are streamed from disk rather than buffered: the rootfs squashfs
// runs to hundreds of megabytes.
func writeSWUpdateImage(dst string, members []containerMember) error {
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	w := cpio.Newc.Writer(out)
	for _, m := range members {
		f, err := os.Open(m.path)
		if err != nil {
			return fmt.Errorf("open member %s: %w", m.name, err)
		}
		fi, err := f.Stat()
		if err != nil {
			f.Close()
			return fmt.Errorf("stat member %s: %w", m.name, err)
		}
		rec := cpio.Record{
			ReaderAt: f,
			Info: cpio.Info{
				Name:     m.name,
				Mode:     0o100644,
				NLink:    1,
				FileSize: uint64(fi.Size()),
			},
		}
		err = w.WriteRecord(rec)
		f.Close()
		if err != nil {
			return fmt.Errorf("write member %s: %w", m.name, err)
		}
	}
	if err := cpio.WriteTrailer(w); err != nil {
		return fmt.Errorf("write trailer: %w", err)
	}
	return out.Sync()
}
