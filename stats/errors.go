package stats

import "errors"

var (
	// ErrInvalidHistogram indicates histogram bounds that do not divide into
	// whole buckets.
	ErrInvalidHistogram = errors.New("invalid histogram bounds")

	// ErrInvalidAnalyzerConfig indicates an AnalyzerConfig that fails
	// validation.
	ErrInvalidAnalyzerConfig = errors.New("invalid analyzer config")
)
