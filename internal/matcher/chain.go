// Package matcher evaluates the fixed-priority match strategy chain for a
// single source record against the candidate index.
package matcher

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/Veraticus/districtlink/internal/common"
	"github.com/Veraticus/districtlink/internal/index"
	"github.com/Veraticus/districtlink/internal/model"
	"github.com/Veraticus/districtlink/internal/policy"
	"github.com/Veraticus/districtlink/internal/service"
)

// floatSlack absorbs rounding when comparing similarities against margins.
const floatSlack = 1e-9

// Result is the outcome of running the chain for one record.
type Result struct {
	// Candidate is the best candidate, or nil when no strategy produced one.
	Candidate *model.MatchCandidate
	Record    model.SourceRecord
	// Contenders holds every candidate close enough to the best one to make
	// the choice ambiguous, including the best candidate itself.
	Contenders []model.MatchCandidate
}

// Ambiguous reports whether more than one candidate contends for the record.
func (r Result) Ambiguous() bool {
	return len(r.Contenders) > 1
}

// Option configures a Chain.
type Option func(*Chain)

// WithSimilarity replaces the fuzzy similarity function.
func WithSimilarity(fn Similarity) Option {
	return func(c *Chain) {
		if fn != nil {
			c.similarity = fn
		}
	}
}

// Chain runs exact id, then name, then fuzzy matching and stops at the first
// tier that yields a candidate. It holds no per-batch state and is safe for
// concurrent use.
type Chain struct {
	index      *index.Index
	similarity Similarity
}

// NewChain creates a chain over idx.
func NewChain(idx *index.Index, opts ...Option) *Chain {
	c := &Chain{
		index:      idx,
		similarity: JaroWinkler,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// query is a source record prepared for comparison.
type query struct {
	record     model.SourceRecord
	name       string
	city       string
	transforms []string
	region     model.RegionCode
}

// tier is one step of the chain. It returns the candidates it found, best
// first, or nil to hand over to the next tier.
type tier func(c *Chain, p *policy.Policy, in query) []model.MatchCandidate

var tiers = []tier{
	(*Chain).exactID,
	(*Chain).nameMatch,
	(*Chain).fuzzyMatch,
}

// Match evaluates the chain for record. It returns common.ErrInvalidRecord
// for records that cannot enter the chain and common.ErrNoCandidateRegion
// when the record's region has no baseline entities.
func (c *Chain) Match(ctx context.Context, bc service.BatchContext, record model.SourceRecord) (Result, error) {
	result := Result{Record: record}
	if err := ctx.Err(); err != nil {
		return result, err
	}

	in, err := c.prepare(record)
	if err != nil {
		return result, err
	}

	p := bc.EffectivePolicy()
	for _, run := range tiers {
		candidates := run(c, p, in)
		if len(candidates) == 0 {
			continue
		}
		for i := range candidates {
			candidates[i].Evidence.PolicyVersion = p.Version
		}
		best := candidates[0]
		if len(candidates) > 1 {
			ids := make([]string, 0, len(candidates))
			for _, cand := range candidates {
				ids = append(ids, cand.Baseline.ID)
			}
			best.Evidence.Contenders = ids
		}
		result.Candidate = &best
		result.Contenders = candidates
		return result, nil
	}

	return result, nil
}

func (c *Chain) prepare(record model.SourceRecord) (query, error) {
	if strings.TrimSpace(record.ID) == "" {
		return query{}, fmt.Errorf("%w: record has no id", common.ErrInvalidRecord)
	}

	region := model.NormalizeRegion(string(record.Region))
	if region == "" {
		return query{}, fmt.Errorf("%w: record %s has no region", common.ErrInvalidRecord, record.ID)
	}

	n := c.index.Normalizer()
	name, transforms := n.Trace(record.Name)
	if name == "" {
		return query{}, fmt.Errorf("%w: record %s has a blank name", common.ErrInvalidRecord, record.ID)
	}

	if !c.index.HasRegion(region) {
		return query{}, fmt.Errorf("%w: %s", common.ErrNoCandidateRegion, region)
	}

	return query{
		record:     record,
		name:       name,
		city:       n.Normalize(record.City),
		transforms: transforms,
		region:     region,
	}, nil
}

func (c *Chain) exactID(p *policy.Policy, in query) []model.MatchCandidate {
	if strings.TrimSpace(in.record.ExternalID) == "" {
		return nil
	}
	entry, ok := c.index.ByExactID(in.record.ExternalID)
	if !ok {
		return nil
	}

	return []model.MatchCandidate{{
		Baseline:   entry.Entity,
		SourceID:   in.record.ID,
		Method:     model.MethodExactID,
		Similarity: 1,
		Confidence: p.Methods.ExactID,
		Evidence: model.Evidence{
			MatchedFields:      []string{"external_id"},
			NormalizedSource:   in.name,
			NormalizedBaseline: entry.NormalizedName,
			Similarity:         1,
			RegionMatch:        entry.Entity.Region == in.region,
			CityCorroborated:   sameCity(in.city, entry.NormalizedCity),
		},
	}}
}

func (c *Chain) nameMatch(p *policy.Policy, in query) []model.MatchCandidate {
	var candidates []model.MatchCandidate
	for _, entry := range c.index.CandidatesFor(in.region) {
		if entry.NormalizedName != in.name {
			continue
		}

		method := model.MethodNormalizedName
		confidence := p.Methods.NormalizedName
		if rawEqual(in.record.Name, entry.Entity.Name) {
			method = model.MethodExactName
			confidence = p.Methods.ExactName
		}

		city := sameCity(in.city, entry.NormalizedCity)
		fields := []string{"name"}
		if city {
			fields = append(fields, "city")
		}

		candidates = append(candidates, model.MatchCandidate{
			Baseline:   entry.Entity,
			SourceID:   in.record.ID,
			Method:     method,
			Similarity: 1,
			Confidence: confidence,
			Evidence: model.Evidence{
				MatchedFields:      fields,
				SourceTransforms:   in.transforms,
				BaselineTransforms: entry.Transforms,
				NormalizedSource:   in.name,
				NormalizedBaseline: entry.NormalizedName,
				Similarity:         1,
				CityCorroborated:   city,
				RegionMatch:        true,
			},
		})
	}

	sortCandidates(candidates)
	return candidates
}

func (c *Chain) fuzzyMatch(p *policy.Policy, in query) []model.MatchCandidate {
	entries := c.index.CandidatesFor(in.region)
	scores := make([]float64, len(entries))
	best := 0.0
	for i, entry := range entries {
		scores[i] = c.similarity(in.name, entry.NormalizedName)
		if scores[i] > best {
			best = scores[i]
		}
	}
	if best < p.Fuzzy.ReviewSimilarity {
		return nil
	}

	var candidates []model.MatchCandidate
	for i, entry := range entries {
		sim := scores[i]
		if sim < p.Fuzzy.ReviewSimilarity || best-sim > p.Fuzzy.TieMargin+floatSlack {
			continue
		}

		city := sameCity(in.city, entry.NormalizedCity)
		confidence, review, ok := p.FuzzyConfidence(sim, city)
		if !ok {
			continue
		}

		fields := []string{"name"}
		if city {
			fields = append(fields, "city")
		}
		candidates = append(candidates, model.MatchCandidate{
			Baseline:       entry.Entity,
			SourceID:       in.record.ID,
			Method:         model.MethodFuzzy,
			Similarity:     sim,
			Confidence:     confidence,
			ReviewRequired: review,
			Evidence: model.Evidence{
				MatchedFields:      fields,
				SourceTransforms:   in.transforms,
				BaselineTransforms: entry.Transforms,
				NormalizedSource:   in.name,
				NormalizedBaseline: entry.NormalizedName,
				Similarity:         math.Round(sim*10000) / 10000,
				EditDistance:       editDistance(in.name, entry.NormalizedName),
				CityCorroborated:   city,
				RegionMatch:        true,
			},
		})
	}

	sortCandidates(candidates)
	return candidates
}

// sortCandidates orders candidates best first: confidence, then similarity,
// then baseline id.
func sortCandidates(candidates []model.MatchCandidate) {
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		if a.Similarity != b.Similarity {
			return a.Similarity > b.Similarity
		}
		return a.Baseline.ID < b.Baseline.ID
	})
}

// rawEqual compares names ignoring case and whitespace runs.
func rawEqual(a, b string) bool {
	return strings.EqualFold(strings.Join(strings.Fields(a), " "), strings.Join(strings.Fields(b), " "))
}

func sameCity(a, b string) bool {
	return a != "" && a == b
}
