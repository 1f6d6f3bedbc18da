package detect

import "fmt"

// Kind classifies a detection failure.
type Kind string

const (
	// KindStoreUnreachable means the history store itself failed; the whole
	// cycle aborts and the next scheduled run retries.
	KindStoreUnreachable Kind = "store_unreachable"

	// KindPairUnreachable means one pair's queries failed; the pair is
	// skipped and the cycle degrades.
	KindPairUnreachable Kind = "pair_unreachable"
)

// DetectionError wraps a detection failure with its blast radius.
type DetectionError struct {
	Kind Kind
	Err  error
}

func (e *DetectionError) Error() string {
	return fmt.Sprintf("detect: %s: %v", e.Kind, e.Err)
}

func (e *DetectionError) Unwrap() error {
	return e.Err
}
