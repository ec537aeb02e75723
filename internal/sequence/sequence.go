// Package sequence validates query sequences against the degenerate
// nucleotide alphabet and the length bounds of a database and index.
package sequence

import (
	"fmt"
	"strings"
	"unicode"
)

// Alphabet is the set of accepted symbols (IUPAC degenerate nucleotides).
const Alphabet = "ACGTUMRWSYKVHDBN"

type RejectReason string

const (
	ReasonAlphabet RejectReason = "alphabet"
	ReasonTooLong  RejectReason = "too_long"
	ReasonTooShort RejectReason = "too_short"
	ReasonEmpty    RejectReason = "empty"
)

// RejectedError describes why a sequence cannot be searched.
type RejectedError struct {
	Reason  RejectReason
	Invalid []rune
	Length  int
	Limit   int
}

func (e *RejectedError) Error() string {
	switch e.Reason {
	case ReasonAlphabet:
		quoted := make([]string, len(e.Invalid))
		for i, r := range e.Invalid {
			quoted[i] = fmt.Sprintf("%q", r)
		}
		return fmt.Sprintf("sequence contains invalid characters: %s", strings.Join(quoted, ", "))
	case ReasonTooLong:
		return fmt.Sprintf("sequence length %d exceeds maximum length %d", e.Length, e.Limit)
	case ReasonTooShort:
		return fmt.Sprintf("sequence length %d is shorter than minimum length %d", e.Length, e.Limit)
	default:
		return "sequence is empty"
	}
}

// Normalize removes whitespace and upper-cases the sequence.
func Normalize(seq string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return unicode.ToUpper(r)
	}, seq)
}

// Validate checks seq against the alphabet, then maxLen, then minLen.
// A non-positive maxLen disables the upper bound.
func Validate(seq string, maxLen, minLen int) error {
	if seq == "" {
		return &RejectedError{Reason: ReasonEmpty, Limit: minLen}
	}

	var invalid []rune
	seen := map[rune]bool{}
	for _, r := range seq {
		if strings.ContainsRune(Alphabet, unicode.ToUpper(r)) {
			continue
		}
		if !seen[r] {
			seen[r] = true
			invalid = append(invalid, r)
		}
	}
	if len(invalid) > 0 {
		return &RejectedError{Reason: ReasonAlphabet, Invalid: invalid}
	}

	n := len(seq)
	if maxLen > 0 && n > maxLen {
		return &RejectedError{Reason: ReasonTooLong, Length: n, Limit: maxLen}
	}
	if n < minLen {
		return &RejectedError{Reason: ReasonTooShort, Length: n, Limit: minLen}
	}
	return nil
}
