// Package llmcore implements the LLM stage's two passes: global
// understanding, and sliding-window semantic chunking + translation.
package llmcore

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

var (
	encOnce sync.Once
	enc     *tiktoken.Tiktoken
)

func encoding() *tiktoken.Tiktoken {
	encOnce.Do(func() {
		e, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			enc = e
		}
	})
	return enc
}

// CountTokens estimates the BPE token count of s, falling back to
// characters/2 if the tokenizer is unavailable.
func CountTokens(s string) int {
	if e := encoding(); e != nil {
		return len(e.Encode(s, nil, nil))
	}
	return len(s) / 2
}

// TruncateToBudget applies the "head+middle+tail" sampling strategy: when s
// exceeds tokenBudget, it keeps a head, a slice around the midpoint of s, and
// a tail, each a third of a rough character budget of tokenBudget*4, joined
// by explicit ellipsis markers. While CountTokens reports the result over
// budget it shrinks the three parts by a quarter; it stops once a part is 64
// characters or shorter, so the result can still exceed tokenBudget.
func TruncateToBudget(s string, tokenBudget int) string {
	if CountTokens(s) <= tokenBudget {
		return s
	}

	charBudget := tokenBudget * 4 // rough chars-per-token heuristic before refinement below
	if charBudget >= len(s) {
		charBudget = len(s) - 1
	}
	if charBudget <= 0 {
		return s
	}

	partBudget := charBudget / 3
	head := firstN(s, partBudget)
	tail := lastN(s, partBudget)
	midStart := len(s)/2 - partBudget/2
	if midStart < 0 {
		midStart = 0
	}
	middle := firstN(s[midStart:], partBudget)

	result := head + "\n\n[... omitted for length ...]\n\n" + middle + "\n\n[... omitted for length ...]\n\n" + tail

	for CountTokens(result) > tokenBudget && partBudget > 64 {
		partBudget = partBudget * 3 / 4
		head = firstN(s, partBudget)
		tail = lastN(s, partBudget)
		middle = firstN(s[midStart:], partBudget)
		result = head + "\n\n[... omitted for length ...]\n\n" + middle + "\n\n[... omitted for length ...]\n\n" + tail
	}
	return result
}

func firstN(s string, n int) string {
	if n >= len(s) {
		return s
	}
	return strings.TrimSpace(s[:n])
}

func lastN(s string, n int) string {
	if n >= len(s) {
		return s
	}
	return strings.TrimSpace(s[len(s)-n:])
}
