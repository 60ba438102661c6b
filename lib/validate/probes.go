package validate

import (
	"context"
	"debug/elf"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/c2h5oh/datasize"
	"github.com/ghodss/yaml"
	"github.com/miekg/dns"
	"golang.org/x/sys/unix"
)

func pathExists(root, rel string) bool {
	_, err := os.Stat(filepath.Join(root, strings.TrimPrefix(rel, "/")))
	return err == nil
}

// probeStructure checks the directory skeleton and the critical binaries.
// Missing critical binaries are errors: a tree without /bin/sh cannot boot
// into anything useful.
func (h *Harness) probeStructure(ctx context.Context, root string, rep *Report) {
	neededDirs := []string{"bin", "sbin", "etc", "usr", "lib", "var"}
	var missingDirs []string
	for _, d := range neededDirs {
		if !pathExists(root, d) {
			missingDirs = append(missingDirs, d)
		}
	}

	criticalBins := []string{"/bin/sh", "/usr/bin/python3"}
	var missingBins []string
	for _, b := range criticalBins {
		if !pathExists(root, b) {
			missingBins = append(missingBins, b)
		}
	}

	ok := len(missingDirs) == 0 && len(missingBins) == 0
	rep.AddTest("structure", map[string]any{
		"ok":           ok,
		"missing_dirs": missingDirs,
		"missing_bins": missingBins,
	})
	if len(missingDirs) > 0 {
		rep.Warn("basic structure incomplete: %s", strings.Join(missingDirs, ", "))
	}
	if len(missingBins) > 0 {
		rep.Error("critical binaries missing: %s", strings.Join(missingBins, ", "))
	}
}

func (h *Harness) probeDiskSpace(ctx context.Context, root string, rep *Report) {
	var st unix.Statfs_t
	if err := unix.Statfs(root, &st); err != nil {
		rep.AddTest("disk_space", map[string]any{"error": err.Error()})
		return
	}
	free := datasize.ByteSize(st.Bavail * uint64(st.Bsize))
	rep.AddTest("disk_space", map[string]any{"free": free.HumanReadable(), "free_bytes": uint64(free)})
	if free < h.minFree {
		rep.Warn("low free space: %s < %s", free.HumanReadable(), h.minFree.HumanReadable())
	}
}

func (h *Harness) probePythonRuntime(ctx context.Context, root string, rep *Report) {
	res, err := h.chroot(ctx, root, "python3", "-V")
	ok := err == nil && res.ExitCode == 0
	version := ""
	if res != nil {
		version = strings.TrimSpace(res.Combined())
	}
	rep.AddTest("python_runtime", map[string]any{"ok": ok, "version": version})
	if !ok {
		rep.Error("python3 runtime not working")
	}

	modules := map[string]bool{}
	for _, mod := range []string{"yaml", "requests"} {
		res, err := h.chroot(ctx, root, "python3", "-c", fmt.Sprintf("import %s", mod))
		modules[mod] = err == nil && res.ExitCode == 0
	}
	rep.AddTest("python_modules", modules)
}

var serviceCandidates = map[string][]string{
	"klipper":   {"/etc/systemd/system/klipper.service", "/etc/init.d/klipper", "/usr/local/bin/klippy", "/usr/bin/klippy"},
	"moonraker": {"/etc/systemd/system/moonraker.service", "/etc/init.d/moonraker", "/usr/local/bin/moonraker", "/usr/bin/moonraker"},
	"nginx":     {"/etc/systemd/system/nginx.service", "/etc/init.d/nginx", "/usr/sbin/nginx", "/usr/bin/nginx"},
}

func (h *Harness) probeServices(ctx context.Context, root string, rep *Report) {
	found := map[string]bool{}
	for svc, candidates := range serviceCandidates {
		present := false
		for _, p := range candidates {
			if pathExists(root, p) {
				present = true
				break
			}
		}
		found[svc] = present
	}
	rep.AddTest("services_presence", found)
}

func (h *Harness) probeNginxSyntax(ctx context.Context, root string, rep *Report) {
	if !pathExists(root, "/usr/sbin/nginx") && !pathExists(root, "/usr/bin/nginx") {
		rep.AddTest("nginx_test", map[string]any{"skipped": true, "reason": "nginx not present"})
		return
	}
	res, err := h.chroot(ctx, root, "nginx", "-t")
	if err != nil {
		rep.AddTest("nginx_test", map[string]any{"error": err.Error()})
		return
	}
	ok := res.ExitCode == 0
	rep.AddTest("nginx_test", map[string]any{"ok": ok, "output": tail(res.Combined(), 4000)})
	if !ok {
		rep.Error("nginx config test failed")
	}
}

var moonrakerConfigPaths = []string{
	"/etc/moonraker.conf",
	"/usr/data/printer_data/config/moonraker.conf",
	"/data/printer_data/config/moonraker.conf",
}

// probeMoonrakerConfig parses the config natively rather than shelling into
// the chroot, so a broken python in the tree cannot mask a broken config.
func (h *Harness) probeMoonrakerConfig(ctx context.Context, root string, rep *Report) {
	var conf string
	for _, p := range moonrakerConfigPaths {
		if pathExists(root, p) {
			conf = p
			break
		}
	}
	if conf == "" {
		rep.AddTest("moonraker_config", map[string]any{"skipped": true, "reason": "not found"})
		return
	}

	data, err := os.ReadFile(filepath.Join(root, strings.TrimPrefix(conf, "/")))
	if err != nil {
		rep.AddTest("moonraker_config", map[string]any{"ok": false, "file": conf, "error": err.Error()})
		rep.Error("moonraker.conf unreadable")
		return
	}
	var parsed map[string]any
	ok := yaml.Unmarshal(data, &parsed) == nil
	rep.AddTest("moonraker_config", map[string]any{"ok": ok, "file": conf})
	if !ok {
		rep.Error("moonraker.conf failed structured parse")
	}
}

func (h *Harness) probeKlipper(ctx context.Context, root string, rep *Report) {
	for _, bin := range []string{"/usr/local/bin/klippy", "/usr/bin/klippy"} {
		if !pathExists(root, bin) {
			continue
		}
		res, err := h.chroot(ctx, root, "klippy", "--help")
		ok := err == nil && res.ExitCode == 0
		out := ""
		if res != nil {
			out = head(res.Combined(), 2000)
		}
		rep.AddTest("klipper_cli", map[string]any{"ok": ok, "output": out})
		return
	}

	res, err := h.chroot(ctx, root, "python3", "-c", "import klipper")
	present := err == nil && res.ExitCode == 0
	rep.AddTest("klipper_module", map[string]any{"present": present})
	if !present {
		rep.Warn("klipper binary/module not detected")
	}
}

// probeNetwork is best-effort: connectivity failures in the build
// environment say nothing about the tree, so everything here is a warning.
func (h *Harness) probeNetwork(ctx context.Context, root string, rep *Report) {
	res, err := h.chroot(ctx, root, "ping", "-c", "1", "8.8.8.8")
	pingOK := err == nil && res.ExitCode == 0
	rep.AddTest("network_ping", map[string]any{"ok": pingOK})
	if !pingOK {
		rep.Warn("network ping failed")
	}

	answer, err := h.resolveFromRoot(root, "creality.com.")
	rep.AddTest("dns_resolve", map[string]any{"ok": err == nil, "answer": answer})
	if err != nil {
		rep.Warn("dns resolution failed: %v", err)
	}
}

// resolveFromRoot queries the first nameserver in the tree's resolv.conf,
// proving the resolver config bound into the rootfs actually works.
func (h *Harness) resolveFromRoot(root, name string) (string, error) {
	conf, err := dns.ClientConfigFromFile(filepath.Join(root, "etc/resolv.conf"))
	if err != nil {
		return "", fmt.Errorf("read resolv.conf: %w", err)
	}
	if len(conf.Servers) == 0 {
		return "", fmt.Errorf("no nameservers configured")
	}

	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), dns.TypeA)
	c := new(dns.Client)
	in, _, err := c.Exchange(m, conf.Servers[0]+":"+conf.Port)
	if err != nil {
		return "", fmt.Errorf("query %s: %w", conf.Servers[0], err)
	}
	if len(in.Answer) == 0 {
		return "", fmt.Errorf("no answer for %s", name)
	}
	return in.Answer[0].String(), nil
}

func (h *Harness) probeApt(ctx context.Context, root string, rep *Report) {
	if !pathExists(root, "/usr/bin/apt-get") {
		rep.AddTest("apt", map[string]any{"skipped": true, "reason": "apt-get not present"})
		return
	}
	res, err := h.chroot(ctx, root, "apt-get", "update", "-qq")
	if err != nil {
		rep.AddTest("apt", map[string]any{"ok": false, "error": err.Error()})
		return
	}
	ok := res.ExitCode == 0 || strings.Contains(res.Combined(), "Reading package lists")
	rep.AddTest("apt", map[string]any{"ok": ok, "snippet": tail(res.Combined(), 2000)})
}

const elfMissingCap = 50

// probeELFDeps scans executables in the standard binary directories for
// unresolved shared-library dependencies, using the chrooted ldd so the
// lookup follows the tree's own library paths.
func (h *Harness) probeELFDeps(ctx context.Context, root string, rep *Report) {
	if !pathExists(root, "/usr/bin/ldd") && !pathExists(root, "/bin/ldd") {
		rep.AddTest("elf_deps", map[string]any{"skipped": true, "reason": "ldd not present"})
		return
	}

	var missing []map[string]string
	total := 0
	for _, base := range []string{"/bin", "/sbin", "/usr/bin", "/usr/sbin"} {
		dir := filepath.Join(root, strings.TrimPrefix(base, "/"))
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			full := filepath.Join(dir, e.Name())
			if !isExecutableELF(full) {
				continue
			}
			res, err := h.chroot(ctx, root, "ldd", base+"/"+e.Name())
			if err != nil {
				continue
			}
			if strings.Contains(res.Combined(), "not found") {
				total++
				if len(missing) < elfMissingCap {
					missing = append(missing, map[string]string{
						"binary": base + "/" + e.Name(),
						"ldd":    head(strings.TrimSpace(res.Combined()), 500),
					})
				}
			}
		}
	}
	rep.AddTest("elf_deps", map[string]any{"missing_count": total, "missing": missing})
	if total > 0 {
		rep.Error("%d binaries with missing libraries", total)
	}
}

func isExecutableELF(path string) bool {
	fi, err := os.Stat(path)
	if err != nil || !fi.Mode().IsRegular() || fi.Mode().Perm()&0111 == 0 {
		return false
	}
	f, err := elf.Open(path)
	if err != nil {
		return false
	}
	f.Close()
	return true
}

func (h *Harness) probeKernelModules(ctx context.Context, root string, rep *Report) {
	libmods := filepath.Join(root, "lib/modules")
	entries, err := os.ReadDir(libmods)
	if err != nil {
		rep.AddTest("kernel_modules", map[string]any{"present": false})
		rep.Warn("no /lib/modules directory")
		return
	}
	var versions []string
	for _, e := range entries {
		if e.IsDir() {
			versions = append(versions, e.Name())
		}
	}
	rep.AddTest("kernel_modules", map[string]any{"present": true, "versions": versions})
}

func head(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

func tail(s string, n int) string {
	if len(s) > n {
		return s[len(s)-n:]
	}
	return s
}
