// Package tokencount provides a cheap, heuristic token estimate used only
// as a pre-flight guard against max_tokens_per_request. It is not a
// tokenizer: exact vendor tokenization is neither available nor worth the
// dependency for a pre-dispatch size check.
package tokencount

import (
	"fmt"
	"unicode/utf8"

	"github.com/stranmor/keyrelay/internal/apperrors"
)

// Estimate approximates a request body's token count as one token per four
// runes, rounded up. This tracks common subword-tokenizer behavior closely
// enough to reject grossly oversized requests before they consume a key
// attempt, without claiming parity with any specific vendor tokenizer.
func Estimate(body []byte) uint64 {
	runes := utf8.RuneCount(body)
	if runes == 0 {
		return 0
	}
	return uint64((runes + 3) / 4)
}

// CheckLimit returns an error naming "tokens" (never "bytes") when body's
// estimated token count exceeds max. A nil max means no limit configured.
func CheckLimit(body []byte, max *uint64) error {
	if max == nil {
		return nil
	}
	estimated := Estimate(body)
	if estimated <= *max {
		return nil
	}
	return apperrors.New("tokencount.CheckLimit", apperrors.RequestTooLarge, fmt.Errorf("estimated %d tokens exceeds the configured limit of %d tokens", estimated, *max)).WithField("tokens")
}
