// Package index provides the read-only candidate index of baseline entities,
// partitioned by region with a secondary exact-id table.
package index

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Veraticus/districtlink/internal/common"
	"github.com/Veraticus/districtlink/internal/model"
	"github.com/Veraticus/districtlink/internal/normalize"
)

// Entry is a baseline entity with its precomputed normalized forms.
type Entry struct {
	Entity         model.BaselineEntity
	NormalizedName string
	NormalizedCity string
	// Transforms lists the normalization steps that fired on the name.
	Transforms []string
}

// Index is built once from the full baseline set and is immutable afterwards,
// so any number of matching workers may read it concurrently.
type Index struct {
	normalizer *normalize.Normalizer
	byRegion   map[model.RegionCode][]Entry
	byID       map[string]Entry
	version    string
}

// New builds an index. Duplicate or blank identifiers and blank regions are
// build failures, wrapped in common.ErrIndexBuild.
func New(entities []model.BaselineEntity, n *normalize.Normalizer) (*Index, error) {
	if n == nil {
		n = normalize.Default()
	}

	idx := &Index{
		normalizer: n,
		byRegion:   make(map[model.RegionCode][]Entry),
		byID:       make(map[string]Entry, len(entities)),
	}

	for i, entity := range entities {
		id := strings.TrimSpace(entity.ID)
		if id == "" {
			return nil, fmt.Errorf("%w: entity at position %d has no id", common.ErrIndexBuild, i)
		}
		if _, dup := idx.byID[id]; dup {
			return nil, fmt.Errorf("%w: duplicate entity id %q", common.ErrIndexBuild, id)
		}

		region := model.NormalizeRegion(string(entity.Region))
		if region == "" {
			return nil, fmt.Errorf("%w: entity %q has no region", common.ErrIndexBuild, id)
		}

		entity.ID = id
		entity.Region = region
		name, transforms := n.Trace(entity.Name)
		entry := Entry{
			Entity:         entity,
			NormalizedName: name,
			NormalizedCity: n.Normalize(entity.City),
			Transforms:     transforms,
		}

		idx.byID[id] = entry
		idx.byRegion[region] = append(idx.byRegion[region], entry)

		if idx.version == "" {
			idx.version = entity.Version
		}
	}

	// Stable candidate order keeps fuzzy tie-breaking deterministic.
	for region := range idx.byRegion {
		entries := idx.byRegion[region]
		sort.Slice(entries, func(i, j int) bool {
			return entries[i].Entity.ID < entries[j].Entity.ID
		})
	}

	return idx, nil
}

// CandidatesFor returns the entries of a region ordered by id. The returned
// slice is shared and must not be modified.
func (idx *Index) CandidatesFor(region model.RegionCode) []Entry {
	return idx.byRegion[model.NormalizeRegion(string(region))]
}

// ByExactID looks up an entry by its authoritative identifier.
func (idx *Index) ByExactID(id string) (Entry, bool) {
	entry, ok := idx.byID[strings.TrimSpace(id)]
	return entry, ok
}

// HasRegion reports whether any baseline entity exists in region.
func (idx *Index) HasRegion(region model.RegionCode) bool {
	_, ok := idx.byRegion[model.NormalizeRegion(string(region))]
	return ok
}

// Regions returns the indexed region codes in sorted order.
func (idx *Index) Regions() []model.RegionCode {
	regions := make([]model.RegionCode, 0, len(idx.byRegion))
	for region := range idx.byRegion {
		regions = append(regions, region)
	}
	sort.Slice(regions, func(i, j int) bool { return regions[i] < regions[j] })
	return regions
}

// Len returns the number of indexed entities.
func (idx *Index) Len() int {
	return len(idx.byID)
}

// Version returns the baseline version the index was built from, if known.
func (idx *Index) Version() string {
	return idx.version
}

// Normalizer returns the normalizer used to build the index. Source names
// must be normalized with the same one.
func (idx *Index) Normalizer() *normalize.Normalizer {
	return idx.normalizer
}
