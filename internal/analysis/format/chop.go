// Package format shapes model output for IRC: reasoning removal, quote
// normalization and wrapping to the protocol's line budget.
package format

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// MaxLineLength is the longest line, in characters, sent to IRC. The protocol
// allows 512 bytes including the prefix and command, 420 leaves room for both.
const MaxLineLength = 420

// Chop splits text into IRC-safe lines. Existing line breaks are kept, long
// lines are wrapped by Wrap.
func Chop(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	if text == "" {
		return nil
	}
	text = strings.TrimSuffix(text, "\n")

	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		if utf8.RuneCountInString(line) <= MaxLineLength {
			out = append(out, line)
			continue
		}
		out = append(out, Wrap(line, MaxLineLength)...)
	}
	return out
}

// Wrap breaks a single line into pieces of at most width characters.
// Whitespace is neither dropped nor collapsed, so joining the pieces gives
// back the input. Breaks fall between words, at the latest sentence end in
// the back half of a piece when there is one. Words longer than width are
// split.
func Wrap(line string, width int) []string {
	if width <= 0 || utf8.RuneCountInString(line) <= width {
		return []string{line}
	}

	var (
		pieces []string
		cur    []string
		curLen int
	)
	flush := func(chunks []string) {
		if len(chunks) > 0 {
			pieces = append(pieces, strings.Join(chunks, ""))
		}
	}

	for _, tok := range tokenize(line) {
		n := utf8.RuneCountInString(tok)
		if curLen+n <= width {
			cur = append(cur, tok)
			curLen += n
			continue
		}

		if len(cur) > 0 {
			keep, carry := sentenceBreak(cur, width)
			flush(keep)
			cur, curLen = carry, runeLen(carry)
			if curLen+n <= width {
				cur = append(cur, tok)
				curLen += n
				continue
			}
			flush(cur)
			cur, curLen = nil, 0
		}

		runes := []rune(tok)
		for len(runes) > width {
			pieces = append(pieces, string(runes[:width]))
			runes = runes[width:]
		}
		cur, curLen = []string{string(runes)}, len(runes)
	}
	flush(cur)
	return pieces
}

// tokenize splits s into alternating runs of whitespace and non-whitespace.
func tokenize(s string) []string {
	var (
		tokens []string
		start  int
		inWS   bool
	)
	for i, r := range s {
		ws := unicode.IsSpace(r)
		if i == 0 {
			inWS = ws
			continue
		}
		if ws != inWS {
			tokens = append(tokens, s[start:i])
			start = i
			inWS = ws
		}
	}
	if start < len(s) {
		tokens = append(tokens, s[start:])
	}
	return tokens
}

// sentenceBreak picks where to end the current piece. It returns the chunks
// up to and including the whitespace after the last sentence end that sits in
// the back half of the piece, and the chunks carried to the next piece.
func sentenceBreak(chunks []string, width int) (keep, carry []string) {
	prefix := 0
	best := -1
	for i, c := range chunks {
		prefix += utf8.RuneCountInString(c)
		if i == 0 || !isSpace(c) || prefix < width/2 {
			continue
		}
		if endsSentence(chunks[i-1]) {
			best = i
		}
	}
	if best < 0 || best == len(chunks)-1 {
		return chunks, nil
	}
	return chunks[:best+1], append([]string(nil), chunks[best+1:]...)
}

func endsSentence(word string) bool {
	word = strings.TrimRight(word, `"')]*_`)
	if word == "" {
		return false
	}
	switch word[len(word)-1] {
	case '.', '!', '?':
		return true
	}
	return false
}

func isSpace(s string) bool {
	r, _ := utf8.DecodeRuneInString(s)
	return unicode.IsSpace(r)
}

func runeLen(chunks []string) int {
	n := 0
	for _, c := range chunks {
		n += utf8.RuneCountInString(c)
	}
	return n
}
