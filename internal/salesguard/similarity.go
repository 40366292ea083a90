package salesguard

import (
	"strings"
	"unicode"
)

// normalize lowercases s, drops punctuation and collapses whitespace.
func normalize(s string) string {
	var b strings.Builder
	space := false
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(r)
		case unicode.IsSpace(r):
			space = true
		}
	}
	return b.String()
}

func bigrams(s string) map[string]int {
	runes := []rune(s)
	out := make(map[string]int, len(runes))
	for i := 0; i+1 < len(runes); i++ {
		out[string(runes[i:i+2])]++
	}
	return out
}

// Similarity is the Dice coefficient over the character bigrams of the
// normalized inputs, in [0, 1].
func Similarity(a, b string) float64 {
	a, b = normalize(a), normalize(b)
	if a == b {
		if a == "" {
			return 0
		}
		return 1
	}
	if len([]rune(a)) < 2 || len([]rune(b)) < 2 {
		return 0
	}

	left, right := bigrams(a), bigrams(b)
	var total, shared int
	for gram, n := range left {
		total += n
		if m, ok := right[gram]; ok {
			shared += min(n, m)
		}
	}
	for _, n := range right {
		total += n
	}
	return 2 * float64(shared) / float64(total)
}
