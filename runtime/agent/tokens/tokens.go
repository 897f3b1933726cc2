// Package tokens counts tokens with the cl100k_base encoding from
// tiktoken-go. The encoding is loaded lazily on first use; when it cannot be
// loaded (for example without network access to fetch the ranks file) a
// character heuristic is used instead.
package tokens

import (
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

const encodingName = "cl100k_base"

var (
	once     sync.Once
	encoding *tiktoken.Tiktoken
)

func load() *tiktoken.Tiktoken {
	once.Do(func() {
		if enc, err := tiktoken.GetEncoding(encodingName); err == nil {
			encoding = enc
		}
	})
	return encoding
}

// Count returns the number of tokens in text.
func Count(text string) int {
	if text == "" {
		return 0
	}
	if enc := load(); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	return Estimate(text)
}

// Estimate returns max(runes/4, words), at least 1 for non-blank text.
func Estimate(text string) int {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return 0
	}
	est := utf8.RuneCountInString(trimmed) / 4
	if w := len(strings.Fields(trimmed)); w > est {
		est = w
	}
	return max(est, 1)
}

// Prefix returns the longest prefix of text that fits in maxTokens. The
// result is cut on a rune boundary.
func Prefix(text string, maxTokens int) string {
	if maxTokens <= 0 {
		return ""
	}
	if Count(text) <= maxTokens {
		return text
	}
	if enc := load(); enc != nil {
		toks := enc.Encode(text, nil, nil)
		out := enc.Decode(toks[:maxTokens])
		for !utf8.ValidString(out) && out != "" {
			out = out[:len(out)-1]
		}
		return out
	}
	// Shrink by runes until the heuristic fits.
	runes := []rune(text)
	n := min(len(runes), maxTokens*4)
	for n > 0 && Estimate(string(runes[:n])) > maxTokens {
		n -= max(1, n/16)
	}
	return string(runes[:max(n, 0)])
}
