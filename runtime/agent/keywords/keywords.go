// Package keywords extracts normalized keywords from text and scores
// keyword overlap. Gathering, corpus search and verification share it so a
// term matched while gathering is also matched while verifying.
package keywords

import (
	"strings"
	"unicode"
)

// MinTokenLen is the minimum length of a keyword.
const MinTokenLen = 2

var stopWords = toSet(
	"a", "about", "after", "all", "also", "am", "an", "and", "any", "are", "as", "at",
	"be", "been", "but", "by", "can", "could", "did", "do", "does", "for", "from",
	"get", "got", "had", "has", "have", "he", "her", "here", "him", "his", "how",
	"i", "if", "in", "into", "is", "it", "its", "just", "me", "my", "no", "not",
	"of", "on", "or", "our", "out", "please", "she", "so", "some", "than", "that",
	"the", "their", "them", "then", "there", "these", "they", "this", "to", "up",
	"us", "was", "we", "were", "what", "when", "where", "which", "who", "why",
	"will", "with", "would", "you", "your", "tell", "know", "whats",
)

// Extract returns the distinct keywords of text in first-seen order.
func Extract(text string) []string {
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := make([]string, 0, len(fields))
	seen := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		w := normalize(strings.ToLower(f))
		if len(w) < MinTokenLen {
			continue
		}
		if _, stop := stopWords[w]; stop {
			continue
		}
		if _, dup := seen[w]; dup {
			continue
		}
		seen[w] = struct{}{}
		out = append(out, w)
	}
	return out
}

// Set returns the keywords of text as a set.
func Set(text string) map[string]struct{} {
	return toSet(Extract(text)...)
}

// Overlap counts how many of terms appear in set.
func Overlap(terms []string, set map[string]struct{}) int {
	n := 0
	for _, t := range terms {
		if _, ok := set[t]; ok {
			n++
		}
	}
	return n
}

// Score returns the fraction of terms found in text, in [0, 1].
func Score(terms []string, text string) float64 {
	if len(terms) == 0 {
		return 0
	}
	return float64(Overlap(terms, Set(text))) / float64(len(terms))
}

// normalize folds simple English plurals so "policies" matches "policy".
func normalize(w string) string {
	switch {
	case len(w) > 4 && strings.HasSuffix(w, "ies"):
		return w[:len(w)-3] + "y"
	case len(w) > 3 && strings.HasSuffix(w, "s") && !strings.HasSuffix(w, "ss") && !strings.HasSuffix(w, "us"):
		return w[:len(w)-1]
	}
	return w
}

func toSet(words ...string) map[string]struct{} {
	s := make(map[string]struct{}, len(words))
	for _, w := range words {
		s[w] = struct{}{}
	}
	return s
}
