package mailparse

import (
	"html"
	"regexp"
	"strings"
)

// urlPattern matches http(s) URLs in already-HTML-escaped text. Trailing
// punctuation that is almost never part of a URL is excluded so sentences
// ending in a link render correctly.
var urlPattern = regexp.MustCompile(`(?i)\bhttps?://[^\s<>"]+[^\s<>".,;:!?)]`)

// URLizeAndLinebreaks converts plaintext into minimal HTML: the text is
// escaped, bare http(s) URLs become anchors, and newlines become <br>. Used
// to synthesize an HTML body for text-only messages.
func URLizeAndLinebreaks(text string) string {
	escaped := html.EscapeString(text)
	linked := urlPattern.ReplaceAllString(escaped, `<a href="$0">$0</a>`)
	linked = strings.ReplaceAll(linked, "\r\n", "\n")
	return strings.ReplaceAll(linked, "\n", "<br>\n")
}
