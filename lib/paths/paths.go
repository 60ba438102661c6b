// Package paths centralizes the on-disk layout of a pipeline run. Every
// component receives a *Paths instead of reading environment variables, so
// tests can point the whole pipeline at a temp directory.
package paths

import (
	"os"
	"path/filepath"
)

// Paths derives every artifact location from a single output root.
type Paths struct {
	outputDir string
}

// New creates a Paths rooted at outputDir.
func New(outputDir string) *Paths {
	return &Paths{outputDir: outputDir}
}

// EnsureBase creates the output, work and extracted directories.
func (p *Paths) EnsureBase() error {
	for _, dir := range []string{p.OutputDir(), p.WorkDir(), p.ExtractedDir(), p.ScratchDir(), p.LogsDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return nil
}

func (p *Paths) OutputDir() string { return p.outputDir }

// WorkDir holds mutable intermediate artifacts.
func (p *Paths) WorkDir() string { return filepath.Join(p.outputDir, "work") }

// ExtractedDir is where the extraction cascade materializes trees.
func (p *Paths) ExtractedDir() string { return filepath.Join(p.outputDir, "extracted") }

// ScratchDir holds short-lived classifier/cascade byproducts.
func (p *Paths) ScratchDir() string { return filepath.Join(p.WorkDir(), "scratch") }

// LogsDir holds validation reports.
func (p *Paths) LogsDir() string { return filepath.Join(p.outputDir, "firmware-test-logs") }

func (p *Paths) CheckpointFile() string { return filepath.Join(p.outputDir, "checkpoint.json") }
func (p *Paths) ProgressFile() string   { return filepath.Join(p.outputDir, "progress.json") }

// FirmwareImage is the immutable vendor firmware blob.
func (p *Paths) FirmwareImage() string { return filepath.Join(p.WorkDir(), "latest_firmware.img") }

// RootFSDir is the extracted tree the inject/repack stages mutate.
func (p *Paths) RootFSDir() string { return filepath.Join(p.WorkDir(), "rootfs") }

// RootFSSquash is the repacked squashfs produced from RootFSDir.
func (p *Paths) RootFSSquash() string { return filepath.Join(p.WorkDir(), "rootfs.squashfs") }

func (p *Paths) UpstreamDir() string    { return filepath.Join(p.WorkDir(), "upstream") }
func (p *Paths) SWDescription() string  { return filepath.Join(p.WorkDir(), "sw-description") }
func (p *Paths) CpioItemMD5() string    { return filepath.Join(p.WorkDir(), "cpio_item_md5") }
func (p *Paths) FinalImage() string     { return filepath.Join(p.outputDir, "custom_firmware.img") }
func (p *Paths) UIChoiceFile() string   { return filepath.Join(p.outputDir, "ui_choice.json") }
func (p *Paths) DeviceStateDir() string { return filepath.Join(p.outputDir, "device_state") }

// ExtractedConfigsDir holds vendor configs harvested from the work tree
// before injection touches it.
func (p *Paths) ExtractedConfigsDir() string {
	return filepath.Join(p.outputDir, "extracted_configs")
}

// ExtractedKernel and ExtractedUboot are optional members carried over from
// the vendor image when present.
func (p *Paths) ExtractedKernel() string { return filepath.Join(p.ExtractedDir(), "kernel") }
func (p *Paths) ExtractedUboot() string  { return filepath.Join(p.ExtractedDir(), "uboot") }

func (p *Paths) QemuBootLog() string { return filepath.Join(p.outputDir, "qemu_boot.log") }
func (p *Paths) QemuReport() string  { return filepath.Join(p.outputDir, "qemu_test_report.json") }

func (p *Paths) ValidationReport(label string) string {
	return filepath.Join(p.LogsDir(), label+"_report.json")
}

func (p *Paths) InventoryDiff() string { return filepath.Join(p.LogsDir(), "inventory_diff.json") }

func (p *Paths) RebuiltValidationReport() string {
	return filepath.Join(p.outputDir, "rebuilt_validation_report.json")
}
