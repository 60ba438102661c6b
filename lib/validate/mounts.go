package validate

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// Mounter abstracts the mount syscalls so the harness's acquire/release
// discipline is testable without privileges.
type Mounter interface {
	Mount(source, target, fstype string, flags uintptr, data string) error
	Unmount(target string, flags int) error
}

type unixMounter struct{}

// NewMounter creates a Mounter backed by the mount(2)/umount2(2) syscalls.
func NewMounter() Mounter { return unixMounter{} }

func (unixMounter) Mount(source, target, fstype string, flags uintptr, data string) error {
	return unix.Mount(source, target, fstype, flags, data)
}

func (unixMounter) Unmount(target string, flags int) error {
	return unix.Unmount(target, flags)
}

// mountSet tracks the kernel-interface mounts bound into one rootfs. Only
// mounts it personally created are torn down, in strict reverse order.
type mountSet struct {
	mounter Mounter
	log     *slog.Logger
	targets []string
}

func newMountSet(m Mounter, log *slog.Logger) *mountSet {
	return &mountSet{mounter: m, log: log}
}

type mountSpec struct {
	source string
	rel    string
	fstype string
	flags  uintptr
}

// setup binds proc, sysfs and the device trees into root and copies the
// host resolver config so chrooted DNS lookups work. Individual mount
// failures are logged and skipped; probes degrade instead of aborting.
func (m *mountSet) setup(root string) {
	copyResolvConf(root)

	specs := []mountSpec{
		{"proc", "proc", "proc", 0},
		{"sys", "sys", "sysfs", 0},
		{"/dev", "dev", "", unix.MS_BIND | unix.MS_REC},
		{"/dev/pts", "dev/pts", "", unix.MS_BIND | unix.MS_REC},
	}
	for _, s := range specs {
		target := filepath.Join(root, s.rel)
		if err := os.MkdirAll(target, 0755); err != nil {
			m.log.Warn("mount target unavailable", "target", target, "error", err)
			continue
		}
		if err := m.mounter.Mount(s.source, target, s.fstype, s.flags, ""); err != nil {
			m.log.Warn("mount failed", "target", target, "error", err)
			continue
		}
		m.targets = append(m.targets, target)
	}
}

// teardown unwinds every recorded mount in reverse order. Lazy, forced
// unmounts avoid hanging on a mount a probe left busy.
func (m *mountSet) teardown() {
	for i := len(m.targets) - 1; i >= 0; i-- {
		if err := m.mounter.Unmount(m.targets[i], unix.MNT_FORCE|unix.MNT_DETACH); err != nil {
			m.log.Warn("unmount failed", "target", m.targets[i], "error", err)
		}
	}
	m.targets = nil
}

func copyResolvConf(root string) {
	src, err := os.Open("/etc/resolv.conf")
	if err != nil {
		return
	}
	defer src.Close()
	if err := os.MkdirAll(filepath.Join(root, "etc"), 0755); err != nil {
		return
	}
	dst, err := os.Create(filepath.Join(root, "etc/resolv.conf"))
	if err != nil {
		return
	}
	defer dst.Close()
	io.Copy(dst, src)
}
