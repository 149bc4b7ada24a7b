package resolve

import (
	"regexp"
	"strconv"
)

// ExtractConfig bounds the plausible business-id numeric range. Extractions
// outside the range are rejected rather than silently accepted; a 4-digit
// run inside a composite token is most often a year or timestamp fragment.
type ExtractConfig struct {
	Min int
	Max int
	// YearMin/YearMax reject year-like values even inside the range.
	YearMin int
	YearMax int
}

// DefaultExtractConfig returns the standard business-id bounds.
func DefaultExtractConfig() ExtractConfig {
	return ExtractConfig{Min: 1000, Max: 9999, YearMin: 1900, YearMax: 2100}
}

// Positional patterns for legacy surrogate keys that embed a 4-digit
// business id: a leading run, a delimited run, or a trailing run. Order
// matters; the first pattern that yields an in-range id wins.
var extractPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^(\d{4})(?:\D|$)`),
	regexp.MustCompile(`[-_/](\d{4})(?:[-_/]|$)`),
	regexp.MustCompile(`\D(\d{4})$`),
}

// ExtractBusinessID pulls the first plausible 4-digit business id out of an
// opaque composite string. This heuristic is best-effort: callers must treat
// the result as "extracted, unverified" and never as a first-class
// identifier.
func ExtractBusinessID(ref string, cfg ExtractConfig) (string, bool) {
	for _, pat := range extractPatterns {
		m := pat.FindStringSubmatch(ref)
		if m == nil {
			continue
		}
		id := m[1]
		n, err := strconv.Atoi(id)
		if err != nil {
			continue
		}
		if n < cfg.Min || n > cfg.Max {
			continue
		}
		if n >= cfg.YearMin && n <= cfg.YearMax {
			continue
		}
		return id, true
	}
	return "", false
}
