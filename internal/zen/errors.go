package zen

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrFractalAlternation marks a fractal that repeats the previous mark.
	ErrFractalAlternation = errors.New("zen: fractal alternation violated")
	// ErrOutOfOrder is returned for a bar older than the open period.
	ErrOutOfOrder = errors.New("zen: bar older than the open period")
	// ErrInvalidBar is returned for bars with inconsistent prices.
	ErrInvalidBar = errors.New("zen: invalid bar")
	// ErrInvalidSettings is returned by Settings.Validate.
	ErrInvalidSettings = errors.New("zen: invalid settings")
)

// InvariantError reports a structural inconsistency found while processing
// a bar. The bar itself has been applied; the offending structure was skipped.
type InvariantError struct {
	Err    error
	DT     time.Time    // timestamp of the offending fractal
	Mark   Mark         // its mark
	PrevDT time.Time    // the fractal it failed to alternate with
	Bars   [3]MergedBar // the three merged bars that formed it
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("%v: %s at %s follows %s at %s",
		e.Err, e.Mark, e.DT.Format(time.RFC3339), e.Mark, e.PrevDT.Format(time.RFC3339))
}

func (e *InvariantError) Unwrap() error { return e.Err }
