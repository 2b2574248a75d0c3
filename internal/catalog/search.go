package catalog

import "strings"

// Tokens splits a search query on whitespace and lowercases each token.
// An empty or blank query yields no tokens and matches everything.
func Tokens(query string) []string {
	fields := strings.Fields(query)
	for i, f := range fields {
		fields[i] = strings.ToLower(f)
	}
	return fields
}

// containsAll reports whether every token is a case-insensitive substring
// of s.
func containsAll(s string, tokens []string) bool {
	s = strings.ToLower(s)
	for _, t := range tokens {
		if !strings.Contains(s, t) {
			return false
		}
	}
	return true
}

// MatchBook reports whether the title contains every token.
func MatchBook(b *Book, tokens []string) bool {
	return containsAll(b.Title, tokens)
}

// MatchAuthor reports whether every token is found in the first name, or
// every token is found in the last name. Tokens are not split across the
// two fields.
func MatchAuthor(a *Author, tokens []string) bool {
	return containsAll(a.FirstName, tokens) || containsAll(a.LastName, tokens)
}
