package index

import (
	"fmt"
	"math"
	"strings"
)

const rateEpsilon = 1e-4

// Target is a partial set of tuning parameters. Nil fields match anything.
type Target struct {
	KmerSize             *int
	OccurBitLen          *int
	MaxPAppear           *float64
	MaxNAppear           *int
	PrecludeHighFreqKmer *bool
}

// TargetOf turns a full descriptor into a target matching only itself.
func TargetOf(d Descriptor) Target {
	return Target{
		KmerSize:             &d.KmerSize,
		OccurBitLen:          &d.OccurBitLen,
		MaxPAppear:           &d.MaxPAppear,
		MaxNAppear:           &d.MaxNAppear,
		PrecludeHighFreqKmer: &d.PrecludeHighFreqKmer,
	}
}

func (t Target) IsEmpty() bool {
	return t.KmerSize == nil && t.OccurBitLen == nil && t.MaxPAppear == nil &&
		t.MaxNAppear == nil && t.PrecludeHighFreqKmer == nil
}

func (t Target) Matches(d Descriptor) bool {
	if t.KmerSize != nil && *t.KmerSize != d.KmerSize {
		return false
	}
	if t.OccurBitLen != nil && *t.OccurBitLen != d.OccurBitLen {
		return false
	}
	if t.MaxPAppear != nil && math.Abs(*t.MaxPAppear-d.MaxPAppear) > rateEpsilon {
		return false
	}
	if t.MaxNAppear != nil && *t.MaxNAppear != d.MaxNAppear {
		return false
	}
	if t.PrecludeHighFreqKmer != nil && *t.PrecludeHighFreqKmer != d.PrecludeHighFreqKmer {
		return false
	}
	return true
}

type SelectionFailure string

const (
	NoIndexes SelectionFailure = "no_indexes"
	NoMatch   SelectionFailure = "no_match"
	Ambiguous SelectionFailure = "ambiguous"
)

// SelectionError lists the candidates relevant to the failure: every
// available index for NoMatch, the matching ones for Ambiguous.
type SelectionError struct {
	Failure    SelectionFailure
	Candidates []string
}

func (e *SelectionError) Error() string {
	switch e.Failure {
	case NoIndexes:
		return "no search index is available"
	case NoMatch:
		return fmt.Sprintf("no index matches the requested parameters; available: %s", strings.Join(e.Candidates, ", "))
	default:
		return fmt.Sprintf("requested parameters match multiple indexes: %s", strings.Join(e.Candidates, ", "))
	}
}

// Select resolves target to exactly one of available.
func Select(available []Descriptor, target Target) (Descriptor, error) {
	switch len(available) {
	case 0:
		return Descriptor{}, &SelectionError{Failure: NoIndexes}
	case 1:
		return available[0], nil
	}

	var matches []Descriptor
	for _, d := range available {
		if target.Matches(d) {
			matches = append(matches, d)
		}
	}

	switch len(matches) {
	case 0:
		return Descriptor{}, &SelectionError{Failure: NoMatch, Candidates: Names(available)}
	case 1:
		return matches[0], nil
	default:
		return Descriptor{}, &SelectionError{Failure: Ambiguous, Candidates: Names(matches)}
	}
}
