package domain

import "strings"

// ReferenceText is the immutable target token sequence for a Test Session or
// Race. It is the sole source of truth for server-truth correctness (§8).
type ReferenceText struct {
	Tokens    []string
	Joined    string
	CharCount int
}

// NewReferenceText joins tokens with a single space, matching the delimiter
// every client-side renderer in this family assumes.
func NewReferenceText(tokens []string) ReferenceText {
	joined := strings.Join(tokens, " ")
	return ReferenceText{
		Tokens:    tokens,
		Joined:    joined,
		CharCount: len([]rune(joined)),
	}
}

// At returns the rune at the given character position, and whether the
// position is within bounds.
func (r ReferenceText) At(pos int) (rune, bool) {
	runes := []rune(r.Joined)
	if pos < 0 || pos >= len(runes) {
		return 0, false
	}
	return runes[pos], true
}

// Len returns the character length of the joined reference text.
func (r ReferenceText) Len() int {
	return r.CharCount
}
