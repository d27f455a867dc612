package render

import (
	"strings"
)

const (
	captionPadPx    = 3
	minCaptionChars = 3
	ellipsis        = "…"
	scopeSeparator  = "::"
)

// FitCaption returns the text to draw inside a span widthPx wide, or ""
// when not even a few characters fit. The duration is appended only when
// the whole name fits with room to spare. Names that do not fit lose
// characters from the left and get a leading ellipsis, cutting at a "::"
// boundary when that keeps enough of the name, so the rightmost segment
// survives longest.
func FitCaption(name, duration string, widthPx float64, measure func(string) float64) string {
	budget := widthPx - 2*captionPadPx
	if budget < measure(strings.Repeat("m", minCaptionChars)) {
		return ""
	}
	fits := func(s string) bool { return measure(s) <= budget }

	if name == "" {
		if duration != "" && fits(duration) {
			return duration
		}
		return ""
	}
	if duration != "" {
		if full := name + " " + duration; fits(full) {
			return full
		}
	}
	if fits(name) {
		return name
	}

	// Longest "…segment::segment" suffix cut at a separator.
	for rest := name; ; {
		i := strings.Index(rest, scopeSeparator)
		if i < 0 {
			break
		}
		rest = rest[i+len(scopeSeparator):]
		if rest == "" {
			break
		}
		if c := ellipsis + rest; fits(c) {
			return c
		}
	}

	// Even the last segment is too wide: keep as many of its rightmost
	// characters as fit.
	runes := []rune(name)
	for i := 1; i < len(runes); i++ {
		if c := ellipsis + string(runes[i:]); fits(c) {
			return c
		}
	}
	return ""
}
