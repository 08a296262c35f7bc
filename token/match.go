package token

import "sort"

// Candidates returns the tokens matching the requested scope set, ordered
// ascending by scope-set size so the narrowest grant is tried first. The
// input slice is not modified; ties keep their original relative order so
// the most recently appended token of a given width wins last.
func Candidates(tokens []Token, requested []string) []Token {
	var out []Token
	for _, t := range tokens {
		if t.Matches(requested) {
			out = append(out, t.Clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return len(out[i].Scopes) < len(out[j].Scopes)
	})
	return out
}

// Replace substitutes the token named old.Name with repl and returns the
// updated slice. The slice length never changes; an unknown name is
// appended so a refreshed token is never lost.
func Replace(tokens []Token, old, repl Token) []Token {
	for i := range tokens {
		if tokens[i].Name == old.Name && tokens[i].Value == old.Value {
			tokens[i] = repl
			return tokens
		}
	}
	return append(tokens, repl)
}
