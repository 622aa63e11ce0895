// Package segment buffers streamed response text and cuts it into complete,
// speakable sentence units according to the active language profile.
package segment

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/yiwugan/chatagent-ws/internal/language"
)

// Unit is one complete sentence-like fragment ready for synthesis, tagged
// with the language profile that was active when it was produced.
type Unit struct {
	Text    string
	Profile language.Profile
}

// listMarkerPattern strips markdown bullet markers the dialogue backend tends
// to emit; they read badly and sound worse.
var listMarkerPattern = regexp.MustCompile(`(?m)^\s*[-*•]\s+`)

// Pipeline accumulates streamed text fragments and emits complete units.
// It is owned by a single connection and is not safe for concurrent use.
type Pipeline struct {
	table  *language.Table
	buf    string
	active language.Profile
	// locked is set once a language directive has been seen; the language
	// then holds fixed for the remainder of the response.
	locked bool
}

func New(table *language.Table) *Pipeline {
	return &Pipeline{table: table, active: table.Default()}
}

// ActiveProfile returns the language profile currently in effect.
func (p *Pipeline) ActiveProfile() language.Profile {
	return p.active
}

// Feed appends a text fragment to the buffer. Bullet markers are stripped,
// and an embedded language directive switches the active profile and is
// removed from the visible text.
func (p *Pipeline) Feed(fragment string) {
	fragment = listMarkerPattern.ReplaceAllString(fragment, "")
	p.buf += fragment

	if p.locked {
		return
	}
	name, cleaned, found := language.ExtractDirective(p.buf)
	if !found {
		return
	}
	p.buf = cleaned
	p.locked = true
	if profile, ok := p.table.Lookup(name); ok {
		p.active = profile
	}
}

// Drain removes and returns all complete sentence units currently in the
// buffer, in order. Any trailing incomplete fragment stays buffered.
func (p *Pipeline) Drain() []Unit {
	var units []Unit
	for {
		text, rest, ok := p.cutSentence(p.buf)
		if !ok {
			break
		}
		p.buf = rest
		if text = strings.TrimSpace(text); text != "" {
			units = append(units, Unit{Text: text, Profile: p.active})
		}
	}
	return units
}

// Flush empties the buffer as a final unit regardless of boundary
// completeness. Used when the upstream text source signals end of stream.
func (p *Pipeline) Flush() (Unit, bool) {
	text := strings.TrimSpace(p.buf)
	p.buf = ""
	if text == "" {
		return Unit{}, false
	}
	return Unit{Text: text, Profile: p.active}, true
}

// Reset prepares the pipeline for the next response. Buffer contents and the
// directive lock never leak across user turns.
func (p *Pipeline) Reset() {
	p.buf = ""
	p.locked = false
	p.active = p.table.Default()
}

// cutSentence finds the first sentence boundary under the active profile and
// splits there. Latin scripts end a sentence at '.', '!' or '?' followed by
// whitespace; CJK scripts end at an ideographic terminator with no
// whitespace requirement.
func (p *Pipeline) cutSentence(s string) (sentence, rest string, ok bool) {
	if p.active.Script == language.ScriptCJK {
		return cutCJK(s, p.active.BoundaryRunes)
	}
	return cutLatin(s)
}

func cutLatin(s string) (sentence, rest string, ok bool) {
	runes := []rune(s)
	for i := 0; i < len(runes)-1; i++ {
		switch runes[i] {
		case '.', '!', '?':
			if unicode.IsSpace(runes[i+1]) {
				return string(runes[:i+1]), string(runes[i+1:]), true
			}
		}
	}
	return "", s, false
}

func cutCJK(s string, terminators []rune) (sentence, rest string, ok bool) {
	for i, r := range s {
		for _, term := range terminators {
			if r == term {
				end := i + len(string(r))
				return s[:end], s[end:], true
			}
		}
	}
	return "", s, false
}
