// Package mathtex knows what math-delimited text looks like. It holds the
// canonical delimiter set, the cheap "looks like math" and "looks like
// progressively loaded content" predicates used by the scheduler and the
// render executor, and a delimiter-aware splitter.
//
// Nothing here parses TeX. Splitting only finds where an expression starts
// and ends so the typesetting engine can be handed the source verbatim.
package mathtex

import (
	"regexp"
	"strings"
)

// Delimiter is a recognised pair of markers bounding math source.
type Delimiter struct {
	Left    string `json:"left"`
	Right   string `json:"right"`
	Display bool   `json:"display"`
}

// Delimiters is the canonical set, in matching priority order: "$$" must be
// tried before "$".
var Delimiters = []Delimiter{
	{Left: "$$", Right: "$$", Display: true},
	{Left: `\[`, Right: `\]`, Display: true},
	{Left: "$", Right: "$", Display: false},
	{Left: `\(`, Right: `\)`, Display: false},
}

// IgnoredTags are never descended into when looking for math or decoding
// entities.
var IgnoredTags = []string{"script", "style", "textarea", "pre", "code", "noscript", "input"}

// IgnoredClasses mark subtrees the engine already owns.
var IgnoredClasses = []string{"katex", "katex-display", "webtex-raw"}

// IsIgnoredTag reports whether tag (lower-case) is in IgnoredTags.
func IsIgnoredTag(tag string) bool {
	for _, t := range IgnoredTags {
		if t == tag {
			return true
		}
	}
	return false
}

// mathHint is loose. It must stay cheaper than the engine and never miss
// something Split would find.
var mathHint = regexp.MustCompile(`\$\$[\s\S]+?\$\$|\\\[[\s\S]+?\\\]|\\\([\s\S]+?\\\)|\$[^\s\d$][^$]*\$`)

// LooksLikeMath is the content heuristic: true when text plausibly contains
// at least one delimited expression. "$5 today, $10 tomorrow" is not math.
func LooksLikeMath(text string) bool {
	if !strings.ContainsAny(text, `$\`) {
		return false
	}
	if !mathHint.MatchString(text) {
		return false
	}
	return HasMath(text)
}

// HasMath is the exact form of LooksLikeMath: Split finds a math segment.
func HasMath(text string) bool {
	for _, seg := range Split(text) {
		if seg.Math {
			return true
		}
	}
	return false
}

// blockTags are containers frameworks typically insert empty and fill later.
var blockTags = map[string]bool{
	"div": true, "section": true, "article": true, "main": true, "aside": true,
	"p": true, "li": true, "ul": true, "ol": true, "blockquote": true,
	"table": true, "tbody": true, "tr": true, "td": true, "th": true,
	"figure": true, "details": true, "dd": true, "dl": true,
}

// IsBlockTag reports whether tag is a block-level container.
func IsBlockTag(tag string) bool { return blockTags[tag] }

// LooksDynamic is the dynamic-content heuristic: an inserted block container,
// or text already carrying delimiters, suggests more math is on its way.
func LooksDynamic(tag, text string) bool {
	return IsBlockTag(tag) || LooksLikeMath(text)
}

// Wrap re-wraps source in the canonical delimiter for its mode.
func Wrap(source string, display bool) string {
	if display {
		return "$$" + source + "$$"
	}
	return "$" + source + "$"
}

var entityDecoder = strings.NewReplacer("&gt;", ">", "&lt;", "<", "&amp;", "&")

// DecodeEntities undoes the three entities pages commonly double-escape
// inside math source. Everything else is left alone.
func DecodeEntities(s string) string {
	if !strings.Contains(s, "&") {
		return s
	}
	return entityDecoder.Replace(s)
}
