// Package terms rewrites phonetic misrecognitions into canonical domain
// vocabulary. Rules are applied in declaration order; a later rule sees the
// output of every earlier one.
package terms

import (
	"regexp"
	"strings"

	"github.com/snarg/scribe/internal/transcript"
)

// Rule maps a misheard phonetic string to its canonical term.
type Rule struct {
	Pattern   string
	Canonical string
}

type compiledRule struct {
	re        *regexp.Regexp
	canonical string
}

// Dictionary is an immutable, ordered set of correction rules.
// It is safe for concurrent use.
type Dictionary struct {
	rules []compiledRule
	terms []string
}

// New compiles rules into a dictionary. Patterns are matched literally and
// case-insensitively.
func New(rules []Rule) *Dictionary {
	d := &Dictionary{rules: make([]compiledRule, 0, len(rules))}
	seen := make(map[string]bool, len(rules))
	for _, r := range rules {
		if r.Pattern == "" {
			continue
		}
		d.rules = append(d.rules, compiledRule{
			re:        regexp.MustCompile("(?i)" + regexp.QuoteMeta(r.Pattern)),
			canonical: r.Canonical,
		})
		if !seen[r.Canonical] {
			seen[r.Canonical] = true
			d.terms = append(d.terms, r.Canonical)
		}
	}
	return d
}

// Normalization rules run after dictionary substitution.
var (
	counterSpace   = regexp.MustCompile(`(\d+)\s*(度|回|セット)`)
	directionSpace = regexp.MustCompile(`(左|右)\s+([\p{L}\p{N}_]+)`)
	stretching     = regexp.MustCompile(`ストレッチング`)
)

// Correct rewrites text through every rule in order, then normalizes
// counters and directional prefixes.
func (d *Dictionary) Correct(text string) string {
	if text == "" {
		return text
	}
	out := text
	for _, r := range d.rules {
		out = r.re.ReplaceAllLiteralString(out, r.canonical)
	}
	out = counterSpace.ReplaceAllString(out, "$1$2")
	out = directionSpace.ReplaceAllString(out, "$1$2")
	out = stretching.ReplaceAllLiteralString(out, "ストレッチ")
	return out
}

// CorrectSegments returns corrected copies of segs and whether any segment
// text changed. The input slice is not modified.
func (d *Dictionary) CorrectSegments(segs []transcript.Segment) ([]transcript.Segment, bool) {
	if len(segs) == 0 {
		return segs, false
	}
	out := make([]transcript.Segment, len(segs))
	changed := false
	for i, s := range segs {
		out[i] = s
		out[i].Text = d.Correct(s.Text)
		if out[i].Text != s.Text {
			changed = true
		}
	}
	return out, changed
}

// Terms returns the canonical terms in first-seen order.
func (d *Dictionary) Terms() []string {
	return append([]string(nil), d.terms...)
}

// Prompt builds the vocabulary hint sent to the speech engine when
// correction is enabled.
func (d *Dictionary) Prompt() string {
	if len(d.terms) == 0 {
		return ""
	}
	return "この音声は理学療法・作業療法・リハビリテーション医学に関する内容です。以下の専門用語が含まれる可能性があります: " +
		strings.Join(d.terms, ", ")
}
