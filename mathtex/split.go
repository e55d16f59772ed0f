package mathtex

import "strings"

// Segment is one run of a split text: either plain text or one delimited
// math expression.
type Segment struct {
	Text    string    // plain text, or the math source without delimiters
	Math    bool      // Text is math source
	Display bool      // display mode (only meaningful when Math)
	Delim   Delimiter // delimiter that matched (only meaningful when Math)
}

// Raw returns the segment as it appeared in the input.
func (s Segment) Raw() string {
	if !s.Math {
		return s.Text
	}
	return s.Delim.Left + s.Text + s.Delim.Right
}

// Split cuts text into plain and math segments using Delimiters. Joining the
// Raw form of every segment reproduces text exactly.
//
// Inline "$" follows the usual currency-safe rule: the opening "$" must not
// be followed by a digit or whitespace, and the closing "$" must not be
// preceded by whitespace nor followed by a digit. Braces nest, and
// backslash escapes (including "\$") are skipped while looking for the
// closing delimiter. Unclosed openers are plain text.
func Split(text string) []Segment {
	return SplitWith(text, Delimiters)
}

// SplitWith is Split with a caller-supplied delimiter list. Longer left
// delimiters must come before their prefixes ("$$" before "$").
func SplitWith(text string, delims []Delimiter) []Segment {
	var segs []Segment
	start := 0
	for i := 0; i < len(text); {
		d, ok := openerAt(text, i, delims)
		if !ok {
			if text[i] == '\\' && i+1 < len(text) {
				i += 2
				continue
			}
			i++
			continue
		}
		from := i + len(d.Left)
		end := findEnd(text, from, d)
		if end < 0 || end == from || !validInline(text, i, end, d) {
			i += len(d.Left)
			continue
		}
		if i > start {
			segs = append(segs, Segment{Text: text[start:i]})
		}
		segs = append(segs, Segment{
			Text:    text[from:end],
			Math:    true,
			Display: d.Display,
			Delim:   d,
		})
		i = end + len(d.Right)
		start = i
	}
	if start < len(text) {
		segs = append(segs, Segment{Text: text[start:]})
	}
	return segs
}

func openerAt(text string, i int, delims []Delimiter) (Delimiter, bool) {
	for _, d := range delims {
		if strings.HasPrefix(text[i:], d.Left) {
			return d, true
		}
	}
	return Delimiter{}, false
}

// findEnd returns the index of the closing delimiter at brace depth zero,
// or -1.
func findEnd(text string, from int, d Delimiter) int {
	depth := 0
	for j := from; j < len(text); {
		if depth == 0 && strings.HasPrefix(text[j:], d.Right) {
			return j
		}
		switch text[j] {
		case '\\':
			j += 2
			continue
		case '{':
			depth++
		case '}':
			if depth > 0 {
				depth--
			}
		}
		j++
	}
	return -1
}

func validInline(text string, open, end int, d Delimiter) bool {
	if d.Left != "$" {
		return true
	}
	next := text[open+1]
	if isDigit(next) || isSpace(next) {
		return false
	}
	if isSpace(text[end-1]) {
		return false
	}
	if end+1 < len(text) && isDigit(text[end+1]) {
		return false
	}
	return true
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\f'
}
