package graph

import (
	"sort"
	"strings"

	"github.com/diaz3618/memory-bank-mcp-sub001/internal/storage"
	"github.com/diaz3618/memory-bank-mcp-sub001/internal/types"
)

// Entity score tiers. A candidate's score is the best signal it matches;
// multi-token queries additionally score by token overlap against the
// combined name and type text, so word order does not matter.
const (
	scoreExactName     = 1.0
	scoreNameSubstring = 0.8
	scoreFulltextFull  = 0.6
	scoreTypeSubstring = 0.5
	scoreAttrSubstring = 0.3
)

// maxScanObservations caps the observations examined per query. File-backed
// stores beyond this size should move to the relational backend.
const maxScanObservations = 100000

// Search runs the scored lookup over the in-memory graph: entities by name,
// type, attributes and fulltext; observations by fulltext (capped);
// relations by type substring, scoped to the entity hits.
func (g *Graph) Search(query string, opts storage.SearchOptions) *types.SearchResult {
	limit := opts.Limit
	if limit <= 0 {
		limit = storage.DefaultSearchLimit
	}
	maxObs := opts.MaxObservations
	if maxObs <= 0 {
		maxObs = storage.DefaultObservationLimit
	}

	queryNorm := types.NormalizeName(query)
	tokens := strings.Fields(queryNorm)

	result := &types.SearchResult{
		Entities:     g.searchEntities(queryNorm, tokens, limit),
		Observations: []types.Observation{},
		Relations:    []types.Relation{},
	}

	if queryNorm != "" {
		result.Observations = g.searchObservations(queryNorm, tokens, maxObs)
		hitSet := make(map[string]bool, len(result.Entities))
		for _, e := range result.Entities {
			hitSet[e.ID] = true
		}
		result.Relations = g.searchRelations(queryNorm, hitSet)
	}
	return result
}

func (g *Graph) searchEntities(queryNorm string, tokens []string, limit int) []types.ScoredEntity {
	if queryNorm == "" {
		return []types.ScoredEntity{}
	}

	// Deterministic scan order with a hard cap on entities examined.
	ids := make([]string, 0, len(g.Entities))
	for id := range g.Entities {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	if len(ids) > storage.MaxScanEntities {
		ids = ids[:storage.MaxScanEntities]
	}

	scored := make([]types.ScoredEntity, 0, limit)
	for _, id := range ids {
		e := g.Entities[id]
		if score := scoreEntity(&e, queryNorm, tokens); score > 0 {
			scored = append(scored, types.ScoredEntity{Entity: e, Score: score})
		}
	}

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return types.NormalizeName(scored[i].Name) < types.NormalizeName(scored[j].Name)
	})
	if len(scored) > limit {
		scored = scored[:limit]
	}
	return scored
}

func scoreEntity(e *types.Entity, queryNorm string, tokens []string) float64 {
	name := types.NormalizeName(e.Name)
	entityType := strings.ToLower(e.EntityType)

	score := 0.0
	switch {
	case name == queryNorm:
		score = scoreExactName
	case strings.Contains(name, queryNorm):
		score = scoreNameSubstring
	case strings.Contains(entityType, queryNorm):
		score = scoreTypeSubstring
	default:
		for _, v := range e.Attrs {
			if s, ok := v.(string); ok && strings.Contains(strings.ToLower(s), queryNorm) {
				score = scoreAttrSubstring
				break
			}
		}
	}

	if len(tokens) > 1 {
		if fts := scoreFulltextFull * tokenOverlap(name+" "+entityType, tokens); fts > score {
			score = fts
		}
	}
	return score
}

// tokenOverlap returns the fraction of query tokens present in text.
func tokenOverlap(text string, tokens []string) float64 {
	if len(tokens) == 0 {
		return 0
	}
	matched := 0
	for _, tok := range tokens {
		if strings.Contains(text, tok) {
			matched++
		}
	}
	return float64(matched) / float64(len(tokens))
}

func (g *Graph) searchObservations(queryNorm string, tokens []string, maxResults int) []types.Observation {
	ids := make([]string, 0, len(g.Observations))
	for id := range g.Observations {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	if len(ids) > maxScanObservations {
		ids = ids[:maxScanObservations]
	}

	type scoredObs struct {
		obs   types.Observation
		score float64
	}
	var hits []scoredObs
	for _, id := range ids {
		o := g.Observations[id]
		text := strings.ToLower(o.Text)
		var score float64
		if strings.Contains(text, queryNorm) {
			score = 1.0
		} else if overlap := tokenOverlap(text, tokens); overlap > 0 {
			score = overlap
		}
		if score > 0 {
			hits = append(hits, scoredObs{obs: o, score: score})
		}
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		return hits[i].obs.ID < hits[j].obs.ID
	})
	if len(hits) > maxResults {
		hits = hits[:maxResults]
	}

	out := make([]types.Observation, len(hits))
	for i, h := range hits {
		out[i] = h.obs
	}
	return out
}

// ObservationsOf returns the entity's observations, newest first. A limit
// of zero or less means all of them.
func (g *Graph) ObservationsOf(entityID string, limit int) []types.Observation {
	var out []types.Observation
	for _, o := range g.Observations {
		if o.EntityID == entityID {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// searchRelations returns relations whose type contains the query,
// restricted to edges touching an entity hit so results stay coherent.
func (g *Graph) searchRelations(queryNorm string, hitSet map[string]bool) []types.Relation {
	if len(hitSet) == 0 {
		return []types.Relation{}
	}
	var out []types.Relation
	for _, rel := range g.Relations {
		if !strings.Contains(strings.ToLower(rel.RelationType), queryNorm) {
			continue
		}
		if hitSet[rel.FromID] || hitSet[rel.ToID] {
			out = append(out, rel)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if out == nil {
		out = []types.Relation{}
	}
	return out
}
