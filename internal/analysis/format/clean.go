package format

import (
	"regexp"
	"strings"
)

var (
	thinkBlock = regexp.MustCompile(`(?is)<think(?:ing)?>(.*?)</think(?:ing)?>`)
	thinkOpen  = regexp.MustCompile(`(?i)<think(?:ing)?>`)
	thinkClose = regexp.MustCompile(`(?i)</think(?:ing)?>`)
)

// Clean separates reasoning from the deliverable text and normalizes quoting.
// body is what gets displayed and stored; thinking holds the removed
// reasoning segments, joined by blank lines.
func Clean(text string) (body, thinking string) {
	var segments []string

	body = thinkBlock.ReplaceAllStringFunc(text, func(block string) string {
		if m := thinkBlock.FindStringSubmatch(block); len(m) > 1 {
			segments = append(segments, strings.TrimSpace(m[1]))
		}
		return ""
	})

	// Some reasoning models omit the opening tag and only close the block.
	if loc := thinkClose.FindStringIndex(body); loc != nil && thinkOpen.FindStringIndex(body[:loc[0]]) == nil {
		segments = append(segments, strings.TrimSpace(body[:loc[0]]))
		body = body[loc[1]:]
	}

	// A truncated response can leave a block open until the end.
	if loc := thinkOpen.FindStringIndex(body); loc != nil {
		segments = append(segments, strings.TrimSpace(body[loc[1]:]))
		body = body[:loc[0]]
	}

	body = StripQuotes(strings.TrimSpace(body))
	return body, strings.Join(nonEmpty(segments), "\n\n")
}

// StripQuotes removes one pair of double quotes wrapping the whole text.
// Text with any other quote inside is returned unchanged.
func StripQuotes(text string) string {
	if len(text) >= 2 && strings.HasPrefix(text, `"`) && strings.HasSuffix(text, `"`) && strings.Count(text, `"`) == 2 {
		return text[1 : len(text)-1]
	}
	return text
}

func nonEmpty(items []string) []string {
	out := items[:0]
	for _, s := range items {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
