package rebuild

import (
	"encoding/json"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// collectConfigs harvests vendor printer configuration, macros, and UI
// assets from the freshly unpacked work tree into extracted_configs/,
// preserving relative paths, before injection overwrites any of it. The
// harvest is best effort: a file that cannot be copied is logged and
// skipped, and nothing here fails the stage.
func (b *Builder) collectConfigs(rootfs string) {
	out := b.paths.ExtractedConfigsDir()
	found := map[string][]string{}

	filepath.WalkDir(rootfs, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(rootfs, path)
		if relErr != nil {
			return nil
		}
		cats := configCategories(rel)
		if len(cats) == 0 {
			return nil
		}
		for _, c := range cats {
			found[c] = append(found[c], rel)
		}
		if err := copyFile(path, filepath.Join(out, rel)); err != nil {
			b.log.Warn("config copy failed", "file", rel, "error", err)
		}
		return nil
	})

	for c, files := range found {
		b.log.Info("vendor configs collected", "category", c, "count", len(files))
	}
	if err := writeCollectReport(filepath.Join(out, "report.json"), found); err != nil {
		b.log.Warn("config report write failed", "error", err)
	}
}

// configCategories classifies one rootfs-relative file path. A file can land
// in more than one category; it is copied once.
func configCategories(rel string) []string {
	slash := filepath.ToSlash(rel)
	name := strings.ToLower(filepath.Base(slash))

	var cats []string
	if strings.HasPrefix(name, "printer") && strings.HasSuffix(name, ".cfg") {
		cats = append(cats, "printer_cfg")
	}
	if (strings.Contains(slash, "usr/share/klipper") && strings.Contains(slash, "/config/")) ||
		(strings.Contains(slash, "etc/klipper") && strings.Contains(slash, "config")) {
		cats = append(cats, "creality_cfg")
	}
	if strings.Contains(name, "macro") && strings.HasSuffix(name, ".cfg") {
		cats = append(cats, "macros")
	}
	if strings.Contains(name, "filament") || strings.Contains(name, "cfs") {
		cats = append(cats, "filament_related")
	}
	if strings.HasSuffix(name, ".qml") || strings.HasSuffix(name, ".js") ||
		strings.Contains(slash, "/qml/") {
		cats = append(cats, "qml_ui")
	}
	if strings.Contains(slash, "systemd/system/") && strings.Contains(name, "creality") &&
		strings.HasSuffix(name, ".service") {
		cats = append(cats, "services")
	}
	return cats
}

func writeCollectReport(path string, found map[string][]string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(found, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
