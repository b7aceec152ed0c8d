package textutil

import (
	"regexp"
	"strings"

	"github.com/antzucaro/matchr"
)

var whitespaceRegex = regexp.MustCompile(`\s+`)

func NormalizeName(name string) string {
	name = strings.ToLower(name)
	name = strings.Trim(name, " \n\t")
	name = whitespaceRegex.ReplaceAllString(name, "")
	return name
}

// StripWhitespace removes every whitespace rune, OCR output is full of them.
func StripWhitespace(s string) string {
	return whitespaceRegex.ReplaceAllString(s, "")
}

// CleanSN removes the quoting artifacts spreadsheet exports wrap serial numbers in,
// e.g. ="SN123" or 'SN123 or "SN123".
func CleanSN(raw string) string {
	sn := strings.TrimSpace(raw)
	sn = strings.TrimPrefix(sn, "=")
	sn = strings.Trim(sn, "\"'`\t ")
	return strings.TrimSpace(sn)
}

// Similarity is the Jaro-Winkler similarity of the normalized names.
func Similarity(a, b string) float64 {
	return matchr.JaroWinkler(NormalizeName(a), NormalizeName(b), false)
}

// NearMiss returns the candidate closest to name when it is similar enough
// (>= threshold) without being an exact match.
func NearMiss(name string, candidates []string, threshold float64) (string, bool) {
	best := ""
	bestScore := 0.0
	for _, c := range candidates {
		if c == name {
			return "", false
		}
		score := Similarity(name, c)
		if score > bestScore {
			best = c
			bestScore = score
		}
	}
	if bestScore >= threshold {
		return best, true
	}
	return "", false
}

// SplitList splits a comma separated list, trimming entries and dropping empty ones.
func SplitList(s string) []string {
	out := []string{}
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
