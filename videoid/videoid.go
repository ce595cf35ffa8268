// Package videoid derives canonical video identifiers from the URL forms
// clients paste: watch pages, short links, embed links, or bare ids.
package videoid

import (
	"fmt"
	"regexp"
)

// Patterns are tried in order; the first capture wins.
var patterns = []*regexp.Regexp{
	regexp.MustCompile(`youtube\.com/watch\?(?:[^#]*&)?v=([^&?#/\s]+)`),
	regexp.MustCompile(`youtu\.be/([^&?#/\s]+)`),
	regexp.MustCompile(`youtube\.com/embed/([^&?#/\s]+)`),
}

// Extract returns the canonical video id for any accepted reference. A
// reference matching no pattern is treated as already being the bare id,
// which makes Extract idempotent.
func Extract(ref string) string {
	for _, p := range patterns {
		if m := p.FindStringSubmatch(ref); m != nil {
			return m[1]
		}
	}
	return ref
}

// EmbedLink builds the canonical embed URL for a reference, anchored at
// startSeconds. Every client loads this form so embed parameters match
// across the room.
func EmbedLink(ref string, startSeconds float64) string {
	return fmt.Sprintf("https://www.youtube.com/embed/%s?enablejsapi=1&start=%d&autoplay=1",
		Extract(ref), int(startSeconds))
}
