package gate

import (
	"regexp"
	"strings"
)

// Verdict is the reviewer's conclusion for one extension.
type Verdict string

const (
	VerdictSafe      Verdict = "SAFE"
	VerdictDangerous Verdict = "DANGEROUS"
	VerdictUncertain Verdict = "UNCERTAIN"
)

// verdictLine matches lines such as "VERDICT: SAFE" or "**Verdict:** DANGEROUS".
var verdictLine = regexp.MustCompile(`(?im)^[\s>#*_-]*verdict[\s*_]*:[\s*_]*([a-z]+)[\s*_.]*$`)

// ParseVerdictField parses a structured verdict value. Anything other
// than one of the three verdict words is UNCERTAIN.
func ParseVerdictField(value string) Verdict {
	switch Verdict(strings.ToUpper(strings.TrimSpace(value))) {
	case VerdictSafe:
		return VerdictSafe
	case VerdictDangerous:
		return VerdictDangerous
	default:
		return VerdictUncertain
	}
}

// ParseVerdict extracts the verdict from report text. The report must
// contain verdict lines that all agree; no verdict line, an unknown
// verdict word, or conflicting lines yield UNCERTAIN.
func ParseVerdict(report string) Verdict {
	matches := verdictLine.FindAllStringSubmatch(report, -1)
	if len(matches) == 0 {
		return VerdictUncertain
	}

	seen := map[Verdict]struct{}{}
	for _, m := range matches {
		word := Verdict(strings.ToUpper(m[1]))
		switch word {
		case VerdictSafe, VerdictDangerous, VerdictUncertain:
			seen[word] = struct{}{}
		default:
			seen[VerdictUncertain] = struct{}{}
		}
	}
	if len(seen) != 1 {
		return VerdictUncertain
	}
	for v := range seen {
		return v
	}
	return VerdictUncertain
}
