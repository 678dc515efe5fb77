package index

import (
	"strings"
	"unicode"
)

// Tokenize splits display names and free-form attribute text into
// lowercase search tokens. Matching is prefix-based and case-insensitive;
// no stemming.
func Tokenize(fields ...string) []string {
	seen := make(map[string]bool)
	var tokens []string
	for _, field := range fields {
		for _, tok := range splitTokens(field) {
			if !seen[tok] {
				seen[tok] = true
				tokens = append(tokens, tok)
			}
		}
	}
	return tokens
}

func splitTokens(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
