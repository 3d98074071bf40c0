// Package text shapes model output for speech: it cuts the token stream
// into speakable fragments and strips what a synthesizer should not read.
package text

import (
	"regexp"
	"strings"
)

// fragmentEnds are the characters after which a fragment is complete.
var fragmentEnds = map[rune]struct{}{
	'.': {}, '!': {}, '?': {}, ',': {}, ';': {}, ':': {},
}

// Fragmenter accumulates streamed text and hands back fragments that end in
// punctuation. Not safe for concurrent use.
type Fragmenter struct {
	block   strings.Builder
	content strings.Builder
}

// Push adds a streamed chunk and returns the fragments it completed.
func (f *Fragmenter) Push(chunk string) []string {
	f.content.WriteString(chunk)

	var out []string
	for _, r := range chunk {
		f.block.WriteRune(r)
		if _, ok := fragmentEnds[r]; ok {
			out = append(out, f.block.String())
			f.block.Reset()
		}
	}
	return out
}

// Flush returns the trimmed remainder, or "" when nothing speakable is left.
func (f *Fragmenter) Flush() string {
	rest := strings.TrimSpace(f.block.String())
	f.block.Reset()
	return rest
}

// Content is everything pushed so far, trimmed.
func (f *Fragmenter) Content() string {
	return strings.TrimSpace(f.content.String())
}

var (
	markdownMarks  = strings.NewReplacer("**", "", "*", "", "__", "", "~~", "", "`", "")
	emojiRegex     = regexp.MustCompile(`[^\p{L}\p{N}\p{P}\p{Z}\s]`)
	multipleSpaces = regexp.MustCompile(`\s+`)
)

// ForSpeech removes markdown marks and emoji and collapses whitespace runs.
// Leading and trailing spaces survive as one space so fragments still join.
func ForSpeech(s string) string {
	s = markdownMarks.Replace(s)
	s = emojiRegex.ReplaceAllString(s, "")
	return multipleSpaces.ReplaceAllString(s, " ")
}
