package retrieval

import (
	"regexp"
	"sort"
	"strings"

	"github.com/diaz3618/memory-bank-mcp-sub001/internal/types"
)

// docPointerRe matches pointer observations: "DOC: path" or
// "DOC: path # Heading".
var docPointerRe = regexp.MustCompile(`^DOC:\s*(\S+)(?:\s*#\s*(.+))?$`)

// coreFiles are the well-known memory bank documents, in digest order.
// They rank ahead of other paths when the caller prefers core files.
var coreFiles = []string{
	"activeContext.md",
	"productContext.md",
	"progress.md",
	"decisionLog.md",
	"systemPatterns.md",
}

func isCoreFile(path string) bool {
	for _, f := range coreFiles {
		if path == f {
			return true
		}
	}
	return false
}

// Pointer links a hit entity to a document, optionally into one section.
type Pointer struct {
	Path    string  `json:"path"`
	Heading string  `json:"heading,omitempty"`
	Score   float64 `json:"score"`
}

// extractPointers pulls document pointers from the hit entities: first from
// attrs.docPath/heading, then from DOC: observations.
func extractPointers(hits []types.ScoredEntity, observations map[string][]types.Observation) []Pointer {
	var out []Pointer
	for _, hit := range hits {
		if docPath, ok := hit.Attrs["docPath"].(string); ok && strings.TrimSpace(docPath) != "" {
			p := Pointer{Path: strings.TrimSpace(docPath), Score: hit.Score}
			if heading, ok := hit.Attrs["heading"].(string); ok {
				p.Heading = strings.TrimSpace(heading)
			}
			out = append(out, p)
		}
		for _, obs := range observations[hit.ID] {
			m := docPointerRe.FindStringSubmatch(strings.TrimSpace(obs.Text))
			if m == nil {
				continue
			}
			out = append(out, Pointer{Path: m[1], Heading: strings.TrimSpace(m[2]), Score: hit.Score})
		}
	}
	return out
}

// rankPointers orders pointers deterministically: higher entity score,
// then heading hints before bare paths, then core files (when preferred),
// then lexical path. Duplicate paths collapse to their best-ranked pointer.
func rankPointers(pointers []Pointer, preferCore bool) []Pointer {
	sort.SliceStable(pointers, func(i, j int) bool {
		a, b := pointers[i], pointers[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		aHint, bHint := a.Heading != "", b.Heading != ""
		if aHint != bHint {
			return aHint
		}
		if preferCore {
			aCore, bCore := isCoreFile(a.Path), isCoreFile(b.Path)
			if aCore != bCore {
				return aCore
			}
		}
		return a.Path < b.Path
	})

	seen := make(map[string]bool, len(pointers))
	deduped := pointers[:0]
	for _, p := range pointers {
		if seen[p.Path] {
			continue
		}
		seen[p.Path] = true
		deduped = append(deduped, p)
	}
	return deduped
}
