// Package normalize canonicalizes free-text organization names into a form
// that can be compared across sources.
//
// The pipeline is: lowercase, fold accents, strip denylisted punctuation,
// collapse whitespace, apply phrase rules (organizational suffixes), then
// token rules (common abbreviations). Rules only match whole tokens and are
// evaluated longest pattern first, so "independent school district" is folded
// before the shorter "school district" it contains.
package normalize

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// ErrInvalidRule is returned when a rule set could break idempotence.
var ErrInvalidRule = errors.New("invalid normalization rule")

// Transformation names reported by Trace.
const (
	StepLowercase          = "lowercase"
	StepFoldAccents        = "fold_accents"
	StepStripPunctuation   = "strip_punctuation"
	StepCollapseWhitespace = "collapse_whitespace"
)

// Rule replaces a whole-token phrase with a shorter canonical form.
type Rule struct {
	Pattern     string `yaml:"pattern"`
	Replacement string `yaml:"replacement"`
}

// Name returns the label used for the rule in match evidence.
func (r Rule) Name() string {
	return r.Pattern + "=>" + r.Replacement
}

// Removed punctuation glues its neighbours together ("mary's" -> "marys");
// separating punctuation becomes a space ("k-12" -> "k 12").
const (
	removedPunctuation    = "'’`"
	separatingPunctuation = ".,;:!?\"“”()[]{}/\\-–—&#*_+|"
)

var foldAccents = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Normalizer applies an ordered, validated rule set. It is immutable and safe
// for concurrent use.
type Normalizer struct {
	phrases []Rule
	tokens  []Rule
}

// New builds a normalizer. Rules within each list are re-ordered longest
// pattern first; ties keep their given order.
func New(phrases, tokens []Rule) (*Normalizer, error) {
	n := &Normalizer{
		phrases: orderRules(phrases),
		tokens:  orderRules(tokens),
	}
	if err := n.validate(); err != nil {
		return nil, err
	}
	return n, nil
}

// MustNew is like New but panics on an invalid rule set.
func MustNew(phrases, tokens []Rule) *Normalizer {
	n, err := New(phrases, tokens)
	if err != nil {
		panic(err)
	}
	return n
}

var defaultNormalizer = MustNew(DefaultPhraseRules(), DefaultTokenRules())

// Default returns the normalizer built from the default rule tables.
func Default() *Normalizer {
	return defaultNormalizer
}

// Normalize canonicalizes raw with the default rules.
func Normalize(raw string) string {
	return defaultNormalizer.Normalize(raw)
}

// Phrases returns the phrase rules in evaluation order.
func (n *Normalizer) Phrases() []Rule {
	return append([]Rule(nil), n.phrases...)
}

// Tokens returns the token rules in evaluation order.
func (n *Normalizer) Tokens() []Rule {
	return append([]Rule(nil), n.tokens...)
}

// Normalize returns the canonical form of raw. Empty input yields empty output.
func (n *Normalizer) Normalize(raw string) string {
	out, _ := n.run(raw, false)
	return out
}

// Trace returns the canonical form of raw together with the names of the
// transformations that changed it, in the order they fired.
func (n *Normalizer) Trace(raw string) (string, []string) {
	return n.run(raw, true)
}

func (n *Normalizer) run(raw string, trace bool) (string, []string) {
	var steps []string
	record := func(name, before, after string) {
		if trace && before != after {
			steps = append(steps, name)
		}
	}

	s := strings.ToLower(raw)
	record(StepLowercase, raw, s)

	folded, _, err := transform.String(foldAccents, s)
	if err == nil {
		record(StepFoldAccents, s, folded)
		s = folded
	}

	stripped := stripPunctuation(s)
	record(StepStripPunctuation, s, stripped)
	s = stripped

	collapsed := collapseWhitespace(s)
	// Leading and trailing whitespace is not reported.
	if strings.TrimSpace(s) != collapsed {
		record(StepCollapseWhitespace, s, collapsed)
	}
	s = collapsed

	for _, rules := range [][]Rule{n.phrases, n.tokens} {
		for _, rule := range rules {
			replaced := replaceTokens(s, rule)
			record(rule.Name(), s, replaced)
			s = replaced
		}
	}

	return s, steps
}

// validate rejects rule sets whose output could be rewritten by a second pass.
func (n *Normalizer) validate() error {
	all := append(append([]Rule(nil), n.phrases...), n.tokens...)

	patternTokens := make(map[string]struct{})
	for _, rule := range all {
		if strings.TrimSpace(rule.Pattern) == "" {
			return fmt.Errorf("%w: empty pattern", ErrInvalidRule)
		}
		if strings.TrimSpace(rule.Replacement) == "" {
			return fmt.Errorf("%w: %q has an empty replacement", ErrInvalidRule, rule.Pattern)
		}
		if canonical := collapseWhitespace(stripPunctuation(strings.ToLower(rule.Pattern))); canonical != rule.Pattern {
			return fmt.Errorf("%w: pattern %q is not in canonical form", ErrInvalidRule, rule.Pattern)
		}
		for _, tok := range strings.Fields(rule.Pattern) {
			patternTokens[tok] = struct{}{}
		}
	}

	for _, rule := range all {
		if canonical := collapseWhitespace(stripPunctuation(strings.ToLower(rule.Replacement))); canonical != rule.Replacement {
			return fmt.Errorf("%w: replacement %q is not in canonical form", ErrInvalidRule, rule.Replacement)
		}
		for _, tok := range strings.Fields(rule.Replacement) {
			if _, ok := patternTokens[tok]; ok {
				return fmt.Errorf("%w: replacement %q reintroduces pattern token %q", ErrInvalidRule, rule.Replacement, tok)
			}
		}
	}

	return nil
}

func orderRules(rules []Rule) []Rule {
	ordered := append([]Rule(nil), rules...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return len(ordered[i].Pattern) > len(ordered[j].Pattern)
	})
	return ordered
}

// replaceTokens rewrites every whole-token occurrence of rule.Pattern in s.
func replaceTokens(s string, rule Rule) string {
	if s == "" {
		return s
	}
	padded := " " + s + " "
	needle := " " + rule.Pattern + " "
	repl := " " + rule.Replacement + " "
	// Adjacent occurrences share a space, so one pass can miss every other one.
	for strings.Contains(padded, needle) {
		padded = strings.ReplaceAll(padded, needle, repl)
	}
	return strings.TrimSpace(padded)
}

func stripPunctuation(s string) string {
	return strings.Map(func(r rune) rune {
		if strings.ContainsRune(removedPunctuation, r) {
			return -1
		}
		if strings.ContainsRune(separatingPunctuation, r) {
			return ' '
		}
		return r
	}, s)
}

func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
