// Package retrieval assembles byte-budgeted context packs: a digest of the
// core documents, a graph slice around the query hits, and deterministic
// document excerpts reached through graph pointers.
package retrieval

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/diaz3618/memory-bank-mcp-sub001/internal/storage"
	"github.com/diaz3618/memory-bank-mcp-sub001/internal/types"
)

// Defaults and bounds for a targeted-context request.
const (
	DefaultMaxChars   = 8000
	DefaultMaxFiles   = 4
	DefaultGraphLimit = 6
	MinMaxChars       = 200

	// minExcerptChars stops excerpting when the remaining budget cannot
	// hold a useful slice.
	minExcerptChars = 50

	// maxObservationsPerHit bounds the observations carried per hit entity.
	maxObservationsPerHit = 5
)

// Options configures one targeted-context request. Zero values select the
// defaults.
type Options struct {
	Query           string `json:"query"`
	MaxChars        int    `json:"maxChars,omitempty"`
	MaxFiles        int    `json:"maxFiles,omitempty"`
	GraphLimit      int    `json:"graphLimit,omitempty"`
	GraphDepth      int    `json:"graphDepth,omitempty"`
	PreferCoreFiles *bool  `json:"preferCoreFiles,omitempty"`
}

func (o *Options) normalize() {
	if o.MaxChars <= 0 {
		o.MaxChars = DefaultMaxChars
	}
	if o.MaxChars < MinMaxChars {
		o.MaxChars = MinMaxChars
	}
	if o.MaxFiles <= 0 {
		o.MaxFiles = DefaultMaxFiles
	}
	if o.GraphLimit <= 0 {
		o.GraphLimit = DefaultGraphLimit
	}
	if o.GraphDepth < 1 {
		o.GraphDepth = 1
	}
	if o.GraphDepth > 2 {
		o.GraphDepth = 2
	}
	if o.PreferCoreFiles == nil {
		t := true
		o.PreferCoreFiles = &t
	}
}

// GraphContext is the graph slice of a pack: the scored hits, their
// bounded observations, the expansion neighbors and the relations among
// the whole set.
type GraphContext struct {
	Entities     []types.ScoredEntity           `json:"entities"`
	Neighbors    []types.Entity                 `json:"neighbors,omitempty"`
	Relations    []types.Relation               `json:"relations"`
	Observations map[string][]types.Observation `json:"observations,omitempty"`
}

// Excerpt is one document slice in a pack.
type Excerpt struct {
	Path      string `json:"path"`
	Heading   string `json:"heading,omitempty"`
	Method    string `json:"method"` // "heading", "window" or "head"
	Content   string `json:"content"`
	Truncated bool   `json:"truncated"`
}

// Budget reports how much of the char budget a pack consumed. Truncated is
// set when anything was dropped or cut to fit.
type Budget struct {
	MaxChars  int  `json:"maxChars"`
	UsedChars int  `json:"usedChars"`
	Truncated bool `json:"truncated"`
}

// Pack is a targeted-context response.
type Pack struct {
	Query    string       `json:"query"`
	Digest   Digest       `json:"digest"`
	Graph    GraphContext `json:"graph"`
	Pointers []Pointer    `json:"pointers,omitempty"`
	Excerpts []Excerpt    `json:"excerpts"`
	Budget   Budget       `json:"budget"`
}

// Engine builds context packs from a graph store and a document store.
type Engine struct {
	store  storage.GraphStore
	docs   storage.DocumentStore
	logger *slog.Logger
}

// NewEngine returns an engine over the given stores.
func NewEngine(store storage.GraphStore, docs storage.DocumentStore, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: store, docs: docs, logger: logger}
}

// TargetedContext assembles a pack for the query without ever exceeding
// opts.MaxChars. The budget counts the digest text, the encoded graph
// slice and the excerpt bodies.
func (e *Engine) TargetedContext(ctx context.Context, opts Options) (*Pack, error) {
	opts.normalize()

	pack := &Pack{
		Query:    opts.Query,
		Excerpts: []Excerpt{},
		Budget:   Budget{MaxChars: opts.MaxChars},
	}

	pack.Digest = buildDigest(ctx, e.docs, opts.MaxChars/digestBudgetDivisor, e.logger)
	remaining := opts.MaxChars - pack.Digest.Chars

	res, err := e.store.Search(ctx, opts.Query, storage.SearchOptions{Limit: opts.GraphLimit})
	if err != nil {
		return nil, err
	}

	seeds := make([]string, len(res.Entities))
	for i, hit := range res.Entities {
		seeds[i] = hit.ID
	}
	nb, err := e.store.Expand(ctx, seeds, opts.GraphDepth)
	if err != nil {
		return nil, err
	}

	observations := make(map[string][]types.Observation, len(res.Entities))
	for _, hit := range res.Entities {
		obs, err := e.store.EntityObservations(ctx, storage.EntityRef(hit.ID), maxObservationsPerHit)
		if err != nil {
			e.logger.Warn("failed to load observations for hit", "entity", hit.ID, "error", err)
			continue
		}
		if len(obs) > 0 {
			observations[hit.ID] = obs
		}
	}

	hitSet := make(map[string]bool, len(res.Entities))
	for _, hit := range res.Entities {
		hitSet[hit.ID] = true
	}
	var neighbors []types.Entity
	for _, ent := range nb.Entities {
		if !hitSet[ent.ID] {
			neighbors = append(neighbors, ent)
		}
	}

	pack.Graph = GraphContext{
		Entities:     res.Entities,
		Neighbors:    neighbors,
		Relations:    nb.Relations,
		Observations: observations,
	}
	graphChars, trimmed := e.trimGraph(&pack.Graph, remaining)
	if trimmed {
		pack.Budget.Truncated = true
	}
	remaining -= graphChars

	pointers := rankPointers(extractPointers(res.Entities, observations), *opts.PreferCoreFiles)
	pack.Pointers = pointers

	for _, pointer := range pointers {
		if len(pack.Excerpts) >= opts.MaxFiles {
			break
		}
		if remaining < minExcerptChars {
			pack.Budget.Truncated = true
			break
		}
		excerpt, ok := e.excerptPointer(ctx, pointer, opts.Query, remaining)
		if !ok {
			continue
		}
		pack.Excerpts = append(pack.Excerpts, excerpt)
		remaining -= len(excerpt.Content)
		if excerpt.Truncated {
			pack.Budget.Truncated = true
		}
	}

	pack.Budget.UsedChars = opts.MaxChars - remaining
	return pack, nil
}

// excerptPointer extracts the best available slice for one pointer:
// section by heading, then window around the query, then the head of the
// file. Unreadable or invalid pointers are dropped.
func (e *Engine) excerptPointer(ctx context.Context, pointer Pointer, query string, maxChars int) (Excerpt, bool) {
	content, err := e.docs.Read(ctx, pointer.Path)
	if err != nil {
		e.logger.Debug("dropping pointer", "path", pointer.Path, "error", err)
		return Excerpt{}, false
	}

	if pointer.Heading != "" {
		if res := SectionByHeading(content, pointer.Heading, maxChars); res != nil {
			return Excerpt{
				Path: pointer.Path, Heading: pointer.Heading, Method: "heading",
				Content: res.Excerpt, Truncated: res.Truncated,
			}, true
		}
	}
	if res := WindowAroundMatch(content, query, DefaultWindowLines, maxChars); res != nil {
		return Excerpt{
			Path: pointer.Path, Method: "window",
			Content: res.Excerpt, Truncated: res.Truncated,
		}, true
	}
	res := TopOfFile(content, maxChars)
	return Excerpt{
		Path: pointer.Path, Method: "head",
		Content: res.Excerpt, Truncated: res.Truncated,
	}, true
}

// trimGraph measures the encoded graph slice and, when it exceeds the
// budget, sheds detail in a fixed order: observations, neighbors,
// relations, then the entity tail. Returns the final size.
func (e *Engine) trimGraph(g *GraphContext, budget int) (int, bool) {
	size := encodedLen(g)
	if size <= budget {
		return size, false
	}

	g.Observations = nil
	if size = encodedLen(g); size <= budget {
		return size, true
	}
	g.Neighbors = nil
	if size = encodedLen(g); size <= budget {
		return size, true
	}
	g.Relations = []types.Relation{}
	if size = encodedLen(g); size <= budget {
		return size, true
	}
	for len(g.Entities) > 0 {
		g.Entities = g.Entities[:len(g.Entities)-1]
		if size = encodedLen(g); size <= budget {
			return size, true
		}
	}
	return size, true
}

func encodedLen(v any) int {
	data, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return len(data)
}
