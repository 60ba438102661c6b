package rebuild

import "errors"

// ErrRequiredArtifact marks a stage aborting because an artifact an earlier
// stage should have produced is absent. Distinct from optional members
// (kernel, uboot) whose absence is tolerated and recorded.
var ErrRequiredArtifact = errors.New("required artifact missing")
