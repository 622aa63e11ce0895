package dialogue

import "regexp"

// Streaming backends sometimes emit markdown list items glued to the tail
// of the previous sentence. Renderers need the marker at the start of a
// line, so a newline is restored in front of it.
var inlineListMarker = regexp.MustCompile(`([^\n])\s+([-*•] |\d+\. )`)

func FixListSpacing(text string) string {
	return inlineListMarker.ReplaceAllString(text, "$1\n$2")
}
