// Package phone canonicalizes phone-number strings so that formatting
// variants of the same number compare equal and resolve to the same tenant.
package phone

import (
	"strings"

	"gitlab.com/textlane/api/sms-agent-relay/internal/config"
)

// Normalizer rewrites raw phone strings to a bare country-code form, e.g.
// "+32 460 00 00 01", "0032460000001" and "0460000001" all become
// "32460000001". The heuristic is configuration driven and lossy for exotic
// formats; unknown shapes pass through with only non-digits removed.
type Normalizer struct {
	defaultCountryCode string
	nationalLength     int
	trunkCountryCodes  []string
}

// NewNormalizer creates a Normalizer from the phone section of the config.
func NewNormalizer(cfg config.PhoneConfig) *Normalizer {
	return &Normalizer{
		defaultCountryCode: cfg.DefaultCountryCode,
		nationalLength:     cfg.NationalNumberLength,
		trunkCountryCodes:  cfg.TrunkCountryCodes,
	}
}

// Normalize strips all non-digit characters, collapses a "00" international
// trunk prefix when followed by a recognized country code, and substitutes
// the default country code for a national leading "0" when the digit count
// matches the configured national number length.
func (n *Normalizer) Normalize(raw string) string {
	digits := stripNonDigits(raw)
	if digits == "" {
		return ""
	}

	if strings.HasPrefix(digits, "00") {
		rest := digits[2:]
		for _, cc := range n.trunkCountryCodes {
			if strings.HasPrefix(rest, cc) {
				return rest
			}
		}
		// Unrecognized country code after "00", keep as-is.
		return digits
	}

	if strings.HasPrefix(digits, "0") && len(digits) == n.nationalLength {
		return n.defaultCountryCode + digits[1:]
	}

	return digits
}

func stripNonDigits(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
