package vm

import "github.com/pkg/errors"

// Sentinel errors surfaced by Memory operations, matching the
// provider_error/session_error/budget_exceeded taxonomy in spec.md §7
// where applicable to this package's concerns.
var (
	// ErrPageNotFound is returned when a referenced page id has never
	// existed or has been physically garbage collected.
	ErrPageNotFound = errors.New("vm: page not found")

	// ErrSummarizationFailed wraps a failed call into the injected
	// Summarizer; the caller's compaction attempt is aborted and the
	// buffer is left unchanged.
	ErrSummarizationFailed = errors.New("vm: summarization failed")

	// ErrNoSummarizer is returned when CompactWithHints/PreToolCompact
	// needs to page content but no Summarizer was configured.
	ErrNoSummarizer = errors.New("vm: no summarizer configured")
)
