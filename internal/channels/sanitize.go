package channels

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
	"golang.org/x/text/unicode/norm"
)

// MaxMessageLength is the rune limit applied to inbound text.
const MaxMessageLength = 4096

// dropElements are removed with their content.
var dropElements = map[atom.Atom]bool{
	atom.Script: true,
	atom.Style:  true,
	atom.Head:   true,
}

var (
	multiSpace   = regexp.MustCompile(` {2,}`)
	manyNewlines = regexp.MustCompile(`\n{3,}`)
)

// injectionPatterns match common attempts to override the system
// prompt from inside a user message.
var injectionPatterns = compileAll(
	`ignore\s+(all\s+)?(previous|prior|above)\s+instructions`,
	`ignore\s+(the\s+)?(rules|above)`,
	`ignore\s+all\s+safety`,
	`disregard\s+(all\s+)?(previous|prior)`,
	`forget\s+(all\s+)?(previous|your\s+instructions|everything)`,
	`you\s+are\s+now\s+(a|an|DAN)\b`,
	`\bDAN\b.*\bDo\s+Anything\s+Now\b`,
	`new\s+(instructions?|system\s+prompt|task)\s*(?::|is\s+to)`,
	`\bsystem\s*:`,
	`ASSISTANT\s*:`,
	`###\s*ASSISTANT\s*###`,
	`\bsystem\s*prompt`,
	`override\s+(your\s+)?(instructions|system)`,
	`act\s+as\s+if\s+you\s+(are|were|have)`,
	`pretend\s+(that\s+)?you\s+(are|were)`,
	`roleplay\s+as`,
	`jailbreak`,
	`DAN\s+mode`,
	`developer\s+mode\s+(enabled|on|activated)`,
	`\[INST\]`,
	`<<SYS>>`,
	`<\|im_start\|>`,
	`<\|endoftext\|>`,
	`BEGIN\s+INJECTION`,
	`do\s+not\s+follow\s+(your\s+)?`,
	`bypass\s+(your\s+)?(content\s+)?filter`,
	`Human:\s*Ignore`,
	"```system\\b",
)

func compileAll(patterns ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		out[i] = regexp.MustCompile(`(?i)` + p)
	}
	return out
}

// isZeroWidth reports invisible formatting characters that can hide
// text from a human reader.
func isZeroWidth(r rune) bool {
	switch {
	case r >= 0x200b && r <= 0x200f,
		r >= 0x202a && r <= 0x202e,
		r >= 0x2060 && r <= 0x2064,
		r >= 0x2066 && r <= 0x2069,
		r == 0xfeff, r == 0xfffe:
		return true
	}
	return false
}

// isStrippedControl reports C0/C1 control characters other than tab,
// newline and carriage return.
func isStrippedControl(r rune) bool {
	switch {
	case r <= 0x08, r == 0x0b, r == 0x0c,
		r >= 0x0e && r <= 0x1f,
		r >= 0x7f && r <= 0x9f:
		return true
	}
	return false
}

func dropInvisible(r rune) rune {
	if isZeroWidth(r) || isStrippedControl(r) {
		return -1
	}
	return r
}

// Sanitize cleans untrusted inbound text: invisible and control
// characters are removed, markup is reduced to its text with entities
// decoded, whitespace runs are collapsed, and the result is trimmed
// and cut to maxLen runes.
func Sanitize(text string, maxLen int) string {
	s := strings.Map(dropInvisible, text)
	s = stripMarkup(s)
	s = strings.Map(dropInvisible, s)
	s = multiSpace.ReplaceAllString(s, " ")
	s = manyNewlines.ReplaceAllString(s, "\n\n")
	s = strings.TrimSpace(s)
	if maxLen > 0 {
		if r := []rune(s); len(r) > maxLen {
			s = string(r[:maxLen])
		}
	}
	return s
}

// stripMarkup returns the text content of s with tags removed and
// script, style and head elements dropped entirely.
func stripMarkup(s string) string {
	if !strings.ContainsAny(s, "<&") {
		return s
	}

	z := html.NewTokenizer(strings.NewReader(s))
	var b strings.Builder
	depth := 0
	for {
		switch z.Next() {
		case html.ErrorToken:
			return b.String()
		case html.TextToken:
			if depth == 0 {
				b.Write(z.Text())
			}
		case html.StartTagToken:
			name, _ := z.TagName()
			if dropElements[atom.Lookup(name)] {
				depth++
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			if dropElements[atom.Lookup(name)] && depth > 0 {
				depth--
			}
		}
	}
}

// DetectInjection reports whether text matches a known prompt
// injection pattern. Matching runs on a normalized copy with invisible
// characters and combining marks removed, so homoglyph and diacritic
// tricks do not slip through.
func DetectInjection(text string) bool {
	if text == "" {
		return false
	}
	cleaned := strings.Map(func(r rune) rune {
		if isZeroWidth(r) {
			return -1
		}
		return r
	}, text)
	cleaned = norm.NFKD.String(cleaned)
	cleaned = strings.Map(func(r rune) rune {
		if unicode.Is(unicode.Mn, r) {
			return -1
		}
		return r
	}, cleaned)

	for _, p := range injectionPatterns {
		if p.MatchString(cleaned) {
			return true
		}
	}
	return false
}

// WrapUserInput fences user text so the model can tell it apart from
// instructions.
func WrapUserInput(text string) string {
	return "[BEGIN USER MESSAGE]\n" + text + "\n[END USER MESSAGE]"
}
