package dedup

import (
	"strings"
	"unicode"
)

// negationTokens is the fixed list of English negation markers. Dense
// similarity barely separates "likes coffee" from "doesn't like coffee", so
// a lexical gate guards DUPLICATE verdicts against false merges.
var negationTokens = map[string]bool{
	"not": true, "no": true, "never": true, "nobody": true, "nothing": true,
	"neither": true, "nor": true,
	"don't": true, "doesn't": true, "didn't": true,
	"isn't": true, "aren't": true, "wasn't": true, "weren't": true,
	"won't": true, "wouldn't": true,
	"can't": true, "cannot": true,
	"shouldn't": true, "couldn't": true,
	"haven't": true, "hasn't": true, "hadn't": true,
}

// containsNegation reports whether any token of the text is a negation
// marker. Apostrophe variants are normalized and other punctuation stripped
// before matching.
func containsNegation(text string) bool {
	for _, token := range tokenize(text) {
		if negationTokens[token] {
			return true
		}
	}
	return false
}

// negationMismatch reports whether exactly one of the two texts negates.
// Both-negating or both-affirming pairs pass the gate.
func negationMismatch(a, b string) bool {
	return containsNegation(a) != containsNegation(b)
}

func tokenize(text string) []string {
	text = strings.ToLower(text)
	text = strings.NewReplacer("’", "'", "‘", "'").Replace(text)
	return strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
}
