package store

import (
	"regexp"
	"strings"
	"unicode"
)

// wordRegex matches alphanumeric runs (underscores included so snake_case
// identifiers survive the first pass intact).
var wordRegex = regexp.MustCompile(`[a-zA-Z0-9_]+`)

// defaultStopWords are high-frequency programming tokens that carry no
// ranking signal when memories mirror source files.
var defaultStopWords = []string{
	"var", "let", "const", "func", "function", "def", "class",
	"return", "if", "else", "for", "while", "import", "package",
	"data", "result", "value", "item", "key", "err", "ctx", "tmp",
	"the", "and", "with", "this", "that",
}

// Tokenize splits text with code-aware rules: camelCase, PascalCase, and
// snake_case identifiers are split into their parts, everything is
// lowercased, and tokens shorter than two characters are dropped.
func Tokenize(text string) []string {
	var tokens []string
	for _, word := range wordRegex.FindAllString(text, -1) {
		for _, part := range splitIdentifier(word) {
			lower := strings.ToLower(part)
			if len(lower) >= 2 {
				tokens = append(tokens, lower)
			}
		}
	}
	return tokens
}

// splitIdentifier breaks snake_case and camelCase apart.
// "parseHTTPRequest" -> ["parse", "HTTP", "Request"].
func splitIdentifier(token string) []string {
	if strings.Contains(token, "_") {
		var out []string
		for _, part := range strings.Split(token, "_") {
			if part != "" {
				out = append(out, splitCamel(part)...)
			}
		}
		return out
	}
	return splitCamel(token)
}

func splitCamel(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	var cur strings.Builder
	runes := []rune(s)
	for i, r := range runes {
		if i > 0 && unicode.IsUpper(r) {
			// Boundary when leaving lowercase, or when an acronym run ends.
			prevLower := unicode.IsLower(runes[i-1])
			nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
			if (prevLower || nextLower) && cur.Len() > 0 {
				out = append(out, cur.String())
				cur.Reset()
			}
		}
		cur.WriteRune(r)
	}
	if cur.Len() > 0 {
		out = append(out, cur.String())
	}
	return out
}

// filterStopWords drops tokens present in the stop set.
func filterStopWords(tokens []string, stop map[string]struct{}) []string {
	out := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if _, skip := stop[t]; !skip {
			out = append(out, t)
		}
	}
	return out
}

func buildStopWordMap(words []string) map[string]struct{} {
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[strings.ToLower(w)] = struct{}{}
	}
	return m
}
