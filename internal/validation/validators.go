// Package validation implements the structural and business checks of
// spec.md §4.1 step 9: string-safety checks on upstream-sourced fields, and
// the zero-price / suspicious-change business rules that produce warnings
// rather than failures unless strict-mode is on.
package validation

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/quantlayer/position-loader/internal/errors"
)

var unsafePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bunion\b.*\bselect\b`),
	regexp.MustCompile(`(?i)<script`),
	regexp.MustCompile(`--`),
	regexp.MustCompile(`;`),
}

// ValidateStringInput rejects a string field that is too long, contains a
// control character other than tab/newline/carriage-return, or matches a
// known SQL/script injection pattern. Used on upstream-sourced strings
// (ticker, externalRefId, accountNumber) before they reach a query.
func ValidateStringInput(field, value string, maxLen int) error {
	if len(value) > maxLen {
		return fmt.Errorf("%s must be %d characters or less", field, maxLen)
	}
	for _, r := range value {
		if r < 0x20 && r != '\t' && r != '\n' && r != '\r' {
			return fmt.Errorf("%s contains invalid control characters", field)
		}
	}
	for _, p := range unsafePatterns {
		if p.MatchString(value) {
			return fmt.Errorf("%s contains potentially unsafe characters", field)
		}
	}
	return nil
}

// SanitizeForLogging replaces control characters with '?' and truncates to
// 200 characters (with an ellipsis) so an upstream-sourced string can never
// corrupt or flood a log line.
func SanitizeForLogging(input string) string {
	var b strings.Builder
	for _, r := range input {
		if r < 0x20 && r != '\t' && r != '\n' && r != '\r' {
			b.WriteRune('?')
		} else {
			b.WriteRune(r)
		}
	}
	s := b.String()
	if len(s) > 200 {
		return s[:197] + "..."
	}
	return s
}

// ValidateZeroPriceRatio returns a business-warning error when the share of
// zero-priced positions in a staged batch exceeds thresholdPct (spec.md
// §4.1 step 9, default 10%). An empty batch never fails.
func ValidateZeroPriceRatio(zeroPriced, total int, thresholdPct float64) error {
	if total == 0 {
		return nil
	}
	ratio := float64(zeroPriced) / float64(total) * 100
	if ratio > thresholdPct {
		return errors.Classify(errors.KindBusinessWarning, "validate batch", "validation", "zero-price ratio",
			fmt.Errorf("zero-priced positions ratio %.2f%% exceeds threshold %.2f%%", ratio, thresholdPct))
	}
	return nil
}

// ValidateSuspiciousChange returns a business-warning error when the
// absolute percentage change between a position's prior and new quantity
// exceeds thresholdPct (spec.md §4.1 step 9, default 50%). A zero prior
// quantity (a brand-new position) is never flagged. Computed with
// shopspring/decimal rather than binary floats, matching spec.md §3's
// precision invariant for every quantity computation in this codebase
// (e.g. ApplyBitemporalDelta in internal/store/position.go).
func ValidateSuspiciousChange(priorQty, newQty string, thresholdPct float64) error {
	prior, err := decimal.NewFromString(priorQty)
	if err != nil {
		return errors.ParseError("priorQty", "decimal", err)
	}
	current, err := decimal.NewFromString(newQty)
	if err != nil {
		return errors.ParseError("newQty", "decimal", err)
	}
	if prior.IsZero() {
		return nil
	}
	change := current.Sub(prior).Div(prior.Abs()).Mul(decimal.NewFromInt(100))
	threshold := decimal.NewFromFloat(thresholdPct)
	if change.GreaterThan(threshold) || change.LessThan(threshold.Neg()) {
		return errors.Classify(errors.KindBusinessWarning, "validate position", "validation", "suspicious change",
			fmt.Errorf("quantity change %s%% exceeds suspicious-change threshold %.2f%%", change.StringFixed(2), thresholdPct))
	}
	return nil
}
