package service

import (
	"strings"
	"unicode"

	"github.com/meridianhq/meridian/internal/domain"
)

// Mention extraction is deterministic and local: runs of capitalized or
// mixed-case tokens become name mentions, and a closed marker set becomes
// coreference candidates. No external calls, single pass over the text.

// corefMarkers is the closed set of referring expressions recognized as
// coreference candidates.
var corefMarkers = []string{
	"the customer",
	"the company",
	"the order",
	"the invoice",
	"the work order",
	"the task",
	"that customer",
	"that order",
	"this customer",
	"this order",
	"they",
	"them",
	"it",
}

// sentenceStopwords are capitalized tokens that start sentences or carry
// no referent on their own; a single-token run of one of these is noise.
var sentenceStopwords = map[string]bool{
	"a": true, "an": true, "the": true, "i": true, "we": true, "you": true,
	"he": true, "she": true, "it": true, "they": true, "my": true,
	"our": true, "their": true, "this": true, "that": true, "these": true,
	"those": true, "what": true, "what's": true, "who": true, "where": true,
	"when": true, "why": true, "how": true, "is": true, "are": true,
	"do": true, "does": true, "can": true, "could": true, "will": true,
	"would": true, "should": true, "please": true, "thanks": true,
	"hello": true, "hi": true, "yes": true, "no": true, "ok": true,
	"and": true, "but": true, "or": true, "so": true, "if": true,
	"update": true, "remember": true, "actually": true, "correction": true,
	"note": true, "also": true,
}

type token struct {
	text   string
	offset int
}

// ExtractMentions locates candidate entity references in text.
func ExtractMentions(text string) []domain.Mention {
	var mentions []domain.Mention

	tokens := tokenize(text)
	for i := 0; i < len(tokens); {
		if !nameLike(tokens[i].text) {
			i++
			continue
		}

		// Extend the run through name-like tokens and interior "&".
		j := i + 1
		for j < len(tokens) {
			if nameLike(tokens[j].text) {
				j++
				continue
			}
			if tokens[j].text == "&" && j+1 < len(tokens) && nameLike(tokens[j+1].text) {
				j += 2
				continue
			}
			break
		}

		start := tokens[i].offset
		end := tokens[j-1].offset + len(tokens[j-1].text)
		run := text[start:end]

		if j-i > 1 || !sentenceStopwords[strings.ToLower(run)] {
			mentions = append(mentions, domain.Mention{Text: run, Offset: start})
		}
		i = j
	}

	mentions = append(mentions, corefMentions(text)...)
	return mentions
}

func corefMentions(text string) []domain.Mention {
	lower := strings.ToLower(text)
	var out []domain.Mention
	claimed := make([]bool, len(text))

	for _, marker := range corefMarkers {
		from := 0
		for {
			idx := strings.Index(lower[from:], marker)
			if idx < 0 {
				break
			}
			offset := from + idx
			from = offset + len(marker)
			if !wordBoundary(lower, offset, len(marker)) || claimed[offset] {
				continue
			}
			for k := offset; k < offset+len(marker); k++ {
				claimed[k] = true
			}
			out = append(out, domain.Mention{
				Text:                   text[offset : offset+len(marker)],
				Offset:                 offset,
				IsCoreferenceCandidate: true,
			})
		}
	}
	return out
}

func wordBoundary(s string, offset, length int) bool {
	if offset > 0 {
		if r := rune(s[offset-1]); unicode.IsLetter(r) || unicode.IsDigit(r) {
			return false
		}
	}
	if end := offset + length; end < len(s) {
		if r := rune(s[end]); unicode.IsLetter(r) || unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

// tokenize splits on whitespace, stripping edge punctuation but keeping
// interior "&", "-", "." so forms like "Kai & Co" and "J.B. Hunt" survive.
func tokenize(text string) []token {
	var tokens []token
	i := 0
	for i < len(text) {
		for i < len(text) && isSpace(text[i]) {
			i++
		}
		start := i
		for i < len(text) && !isSpace(text[i]) {
			i++
		}
		if start == i {
			continue
		}

		word := text[start:i]
		offset := start

		// Trim leading punctuation.
		for len(word) > 0 && trimmable(word[0]) {
			word = word[1:]
			offset++
		}
		// Trim trailing punctuation, including a final '.' but not an
		// interior one.
		for len(word) > 0 && (trimmable(word[len(word)-1]) || word[len(word)-1] == '.') {
			if word[len(word)-1] == '.' && strings.Count(word, ".") > 1 {
				break // abbreviation like "J.B."
			}
			word = word[:len(word)-1]
		}
		// Possessives resolve against the bare name.
		word = strings.TrimSuffix(word, "'s")
		if word != "" {
			tokens = append(tokens, token{text: word, offset: offset})
		}
	}
	return tokens
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}

func trimmable(b byte) bool {
	switch b {
	case ',', ';', ':', '!', '?', '"', '\'', '(', ')', '[', ']':
		return true
	}
	return false
}

// nameLike reports whether a token looks like part of a proper name:
// starts uppercase, or is mixed-case/alphanumeric like "iPhone" or
// "INV-1009".
func nameLike(word string) bool {
	runes := []rune(word)
	if len(runes) == 0 {
		return false
	}
	if unicode.IsUpper(runes[0]) {
		return true
	}
	hasUpper := false
	for _, r := range runes[1:] {
		if unicode.IsUpper(r) {
			hasUpper = true
			break
		}
	}
	return hasUpper
}
