// Package policy holds the versioned, operator-tunable match policy: the
// confidence assigned to each strategy tier, the fuzzy scaling table and the
// conflict guardrails. The shape of the policy is fixed; only the numbers are
// data.
package policy

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"github.com/Veraticus/districtlink/internal/normalize"
	"gopkg.in/yaml.v3"
)

// DefaultVersion identifies the built-in policy.
const DefaultVersion = "2024-1"

// ErrInvalidPolicy is returned when a policy fails validation.
var ErrInvalidPolicy = errors.New("invalid match policy")

// MethodConfidence is the fixed confidence of each deterministic tier.
type MethodConfidence struct {
	ExactID        float64 `yaml:"exact_id"`
	ExactName      float64 `yaml:"exact_name"`
	NormalizedName float64 `yaml:"normalized_name"`
}

// Fuzzy is the similarity scaling table for the fuzzy tier.
//
//	similarity >= StrongSimilarity                 -> similarity * StrongFactor
//	similarity >= CitySimilarity and same city     -> similarity * CityFactor
//	similarity >= ReviewSimilarity                 -> similarity * ReviewFactor, review required
//	otherwise                                      -> no candidate
type Fuzzy struct {
	StrongSimilarity float64 `yaml:"strong_similarity"`
	StrongFactor     float64 `yaml:"strong_factor"`
	CitySimilarity   float64 `yaml:"city_similarity"`
	CityFactor       float64 `yaml:"city_factor"`
	ReviewSimilarity float64 `yaml:"review_similarity"`
	ReviewFactor     float64 `yaml:"review_factor"`
	TieMargin        float64 `yaml:"tie_margin"`
	MaxConfidence    float64 `yaml:"max_confidence"`
}

// Conflict holds the resolver guardrails.
type Conflict struct {
	PlausibilityRatio float64 `yaml:"plausibility_ratio"`
	// DuplicateMinConfidence is the confidence the strongest member of a
	// same-batch group must reach before the rest are flagged as possible
	// duplicates.
	DuplicateMinConfidence float64 `yaml:"duplicate_min_confidence"`
}

// Normalization optionally replaces the default rule tables.
type Normalization struct {
	Phrases []normalize.Rule `yaml:"phrases,omitempty"`
	Tokens  []normalize.Rule `yaml:"tokens,omitempty"`
}

// Policy is one version of the match policy.
type Policy struct {
	Normalization Normalization    `yaml:"normalization,omitempty"`
	Version       string           `yaml:"version"`
	Methods       MethodConfidence `yaml:"methods"`
	Fuzzy         Fuzzy            `yaml:"fuzzy"`
	Conflict      Conflict         `yaml:"conflict"`
}

// Default returns the built-in policy.
func Default() *Policy {
	return &Policy{
		Version: DefaultVersion,
		Methods: MethodConfidence{
			ExactID:        1.00,
			ExactName:      0.95,
			NormalizedName: 0.90,
		},
		Fuzzy: Fuzzy{
			StrongSimilarity: 0.90,
			StrongFactor:     0.95,
			CitySimilarity:   0.85,
			CityFactor:       0.95,
			ReviewSimilarity: 0.80,
			ReviewFactor:     0.90,
			TieMargin:        0.02,
			MaxConfidence:    0.89,
		},
		Conflict: Conflict{
			PlausibilityRatio:      10,
			DuplicateMinConfidence: 0.95,
		},
	}
}

// Load reads a policy document from path. Fields missing from the document
// keep their default values.
func Load(path string) (*Policy, error) {
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML policy document.
func Parse(data []byte) (*Policy, error) {
	p := Default()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(p); err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Marshal renders the policy as YAML.
func (p *Policy) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(p); err != nil {
		return nil, fmt.Errorf("failed to encode policy: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("failed to encode policy: %w", err)
	}
	return buf.Bytes(), nil
}

// Validate checks that the numbers keep the tiers in priority order.
func (p *Policy) Validate() error {
	if p.Version == "" {
		return fmt.Errorf("%w: version is required", ErrInvalidPolicy)
	}

	for name, v := range map[string]float64{
		"methods.exact_id":                  p.Methods.ExactID,
		"methods.exact_name":                p.Methods.ExactName,
		"methods.normalized_name":           p.Methods.NormalizedName,
		"fuzzy.strong_similarity":           p.Fuzzy.StrongSimilarity,
		"fuzzy.strong_factor":               p.Fuzzy.StrongFactor,
		"fuzzy.city_similarity":             p.Fuzzy.CitySimilarity,
		"fuzzy.city_factor":                 p.Fuzzy.CityFactor,
		"fuzzy.review_similarity":           p.Fuzzy.ReviewSimilarity,
		"fuzzy.review_factor":               p.Fuzzy.ReviewFactor,
		"fuzzy.tie_margin":                  p.Fuzzy.TieMargin,
		"fuzzy.max_confidence":              p.Fuzzy.MaxConfidence,
		"conflict.duplicate_min_confidence": p.Conflict.DuplicateMinConfidence,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%w: %s must be within [0,1], got %v", ErrInvalidPolicy, name, v)
		}
	}

	m := p.Methods
	if m.ExactID < m.ExactName || m.ExactName < m.NormalizedName {
		return fmt.Errorf("%w: method confidences must not increase down the chain", ErrInvalidPolicy)
	}

	f := p.Fuzzy
	if f.MaxConfidence > m.NormalizedName {
		return fmt.Errorf("%w: fuzzy.max_confidence %.2f exceeds normalized_name %.2f",
			ErrInvalidPolicy, f.MaxConfidence, m.NormalizedName)
	}
	if f.ReviewSimilarity <= 0 {
		return fmt.Errorf("%w: fuzzy.review_similarity must be positive", ErrInvalidPolicy)
	}
	if !(f.StrongSimilarity >= f.CitySimilarity && f.CitySimilarity >= f.ReviewSimilarity) {
		return fmt.Errorf("%w: fuzzy similarity thresholds must satisfy strong >= city >= review", ErrInvalidPolicy)
	}

	if p.Conflict.PlausibilityRatio < 1 {
		return fmt.Errorf("%w: conflict.plausibility_ratio must be at least 1", ErrInvalidPolicy)
	}

	if _, err := p.Normalizer(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidPolicy, err)
	}

	return nil
}

// Normalizer builds the normalizer the policy asks for.
func (p *Policy) Normalizer() (*normalize.Normalizer, error) {
	if len(p.Normalization.Phrases) == 0 && len(p.Normalization.Tokens) == 0 {
		return normalize.Default(), nil
	}

	phrases := p.Normalization.Phrases
	if len(phrases) == 0 {
		phrases = normalize.DefaultPhraseRules()
	}
	tokens := p.Normalization.Tokens
	if len(tokens) == 0 {
		tokens = normalize.DefaultTokenRules()
	}
	return normalize.New(phrases, tokens)
}

// FuzzyConfidence applies the scaling table to a similarity score. It returns
// ok=false when the similarity falls below the rejection floor.
func (p *Policy) FuzzyConfidence(similarity float64, sameCity bool) (confidence float64, reviewRequired bool, ok bool) {
	f := p.Fuzzy
	switch {
	case similarity >= f.StrongSimilarity:
		confidence = similarity * f.StrongFactor
	case similarity >= f.CitySimilarity && sameCity:
		confidence = similarity * f.CityFactor
	case similarity >= f.ReviewSimilarity:
		confidence = similarity * f.ReviewFactor
		reviewRequired = true
	default:
		return 0, false, false
	}

	if confidence > f.MaxConfidence {
		confidence = f.MaxConfidence
	}
	return confidence, reviewRequired, true
}
