package extract

import "errors"

var (
	// ErrUnrecognized means no extraction strategy applies to the image.
	// Classification failure, distinct from a strategy that ran and failed.
	ErrUnrecognized = errors.New("unrecognized firmware container format")

	// ErrExtractionFailed means the dispatched strategy ran and failed.
	ErrExtractionFailed = errors.New("rootfs extraction failed")
)
