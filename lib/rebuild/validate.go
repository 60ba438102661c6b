package rebuild

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

type componentCheck struct {
	Status string `json:"status"`
	SHA256 string `json:"sha256"`
	Error  string `json:"error,omitempty"`
}

// validateArtifacts verifies the rebuilt components and writes the summary
// report. Required components missing fail the stage; optional ones are
// recorded and tolerated.
func (b *Builder) validateArtifacts(ctx context.Context) (map[string]any, error) {
	required := []containerMember{
		{"rootfs", b.paths.RootFSSquash()},
		{"sw-description", b.paths.SWDescription()},
	}
	optional := []containerMember{
		{"kernel", b.paths.ExtractedKernel()},
		{"uboot", b.paths.ExtractedUboot()},
	}

	results := map[string]componentCheck{}
	var missing []string
	for _, m := range required {
		r := checkComponent(m.path)
		results[m.name] = r
		if r.Status != "ok" {
			missing = append(missing, m.name)
		}
	}
	for _, m := range optional {
		results[m.name] = checkComponent(m.path)
	}

	data, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal validation results: %w", err)
	}
	report := b.paths.RebuiltValidationReport()
	if err := os.WriteFile(report, data, 0644); err != nil {
		return nil, fmt.Errorf("write validation report: %w", err)
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrRequiredArtifact, strings.Join(missing, ", "))
	}

	b.log.Info("rebuilt components verified", "report", report)
	return map[string]any{"validation_report": report}, nil
}

func checkComponent(path string) componentCheck {
	fi, err := os.Stat(path)
	if err != nil {
		return componentCheck{Status: "missing", SHA256: "-"}
	}
	if fi.IsDir() {
		return componentCheck{Status: "error", SHA256: "-", Error: "is directory"}
	}
	sha, err := sha256File(path)
	if err != nil {
		return componentCheck{Status: "error", SHA256: "-", Error: err.Error()}
	}
	return componentCheck{Status: "ok", SHA256: sha}
}
