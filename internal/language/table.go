// Package language maps language names to the recognition, synthesis and
// segmentation settings the pipelines need. The mapping is a configuration
// table so adding a language never touches pipeline code.
package language

import (
	"regexp"
	"sort"
	"strings"
)

// Script selects the sentence-boundary rule family for a language.
type Script int

const (
	ScriptLatin Script = iota
	ScriptCJK
)

// Profile holds everything the pipelines need to know about one language.
type Profile struct {
	Name            string
	RecognitionCode string
	LangCode        string
	Voice           string
	Script          Script
	// BoundaryRunes are the hard sentence terminators for CJK profiles.
	// The ideographic comma is deliberately not included by default; a
	// deployment that wants more aggressive splitting can add it here.
	BoundaryRunes []rune
}

var cjkTerminators = []rune{'。', '？', '！'}

var defaults = []Profile{
	{Name: "ENGLISH", RecognitionCode: "en-US", LangCode: "en-US", Voice: "en-US-Wavenet-C", Script: ScriptLatin},
	{Name: "FRENCH", RecognitionCode: "fr-FR", LangCode: "fr-FR", Voice: "fr-CA-Wavenet-A", Script: ScriptLatin},
	{Name: "SPANISH", RecognitionCode: "es-ES", LangCode: "es-ES", Voice: "es-ES-Wavenet-C", Script: ScriptLatin},
	{Name: "GERMAN", RecognitionCode: "de-DE", LangCode: "de-DE", Voice: "de-DE-Wavenet-A", Script: ScriptLatin},
	{Name: "RUSSIAN", RecognitionCode: "ru-RU", LangCode: "ru-RU", Voice: "ru-RU-Wavenet-A", Script: ScriptLatin},
	// Chinese synthesis uses the cmn- voice family even though recognition
	// keys on zh-CN.
	{Name: "CHINESE", RecognitionCode: "zh-CN", LangCode: "cmn-CN", Voice: "cmn-CN-Wavenet-A", Script: ScriptCJK, BoundaryRunes: cjkTerminators},
	{Name: "JAPANESE", RecognitionCode: "ja-JP", LangCode: "ja-JP", Voice: "ja-JP-Wavenet-A", Script: ScriptCJK, BoundaryRunes: cjkTerminators},
	{Name: "KOREAN", RecognitionCode: "ko-KR", LangCode: "ko-KR", Voice: "ko-KR-Wavenet-A", Script: ScriptCJK, BoundaryRunes: cjkTerminators},
}

// Table resolves language names to profiles.
type Table struct {
	profiles map[string]Profile
	fallback Profile
}

// NewTable builds the default table, applying per-language voice overrides.
func NewTable(voiceOverrides map[string]string) *Table {
	t := &Table{profiles: make(map[string]Profile, len(defaults))}
	for _, p := range defaults {
		if v, ok := voiceOverrides[p.Name]; ok && v != "" {
			p.Voice = v
		}
		t.profiles[p.Name] = p
	}
	t.fallback = t.profiles["ENGLISH"]
	return t
}

// Lookup resolves a language name case-insensitively.
func (t *Table) Lookup(name string) (Profile, bool) {
	p, ok := t.profiles[strings.ToUpper(strings.TrimSpace(name))]
	return p, ok
}

// Default returns the fallback profile (English).
func (t *Table) Default() Profile {
	return t.fallback
}

// Names lists the configured language names in stable order.
func (t *Table) Names() []string {
	out := make([]string, 0, len(t.profiles))
	for name := range t.profiles {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// directivePattern matches the language hint the dialogue backend embeds in
// its first response chunks, e.g. "language-name:FRENCH".
var directivePattern = regexp.MustCompile(`language-name:([a-zA-Z]+)(\s+|\n|$)`)

// ExtractDirective finds an embedded language directive, returning the
// language name and the text with the directive removed.
func ExtractDirective(text string) (name string, cleaned string, found bool) {
	m := directivePattern.FindStringSubmatchIndex(text)
	if m == nil {
		return "", text, false
	}
	name = text[m[2]:m[3]]
	cleaned = text[:m[0]] + text[m[1]:]
	return name, cleaned, true
}
