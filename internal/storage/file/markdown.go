package file

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/diaz3618/memory-bank-mcp-sub001/internal/types"
)

// renderMarkdown produces the human-readable graph.md for a snapshot.
// The file is a convenience for people browsing the store directory; it is
// never read back.
func renderMarkdown(storeID string, snap *types.Snapshot) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Memory Bank: %s\n\n", storeID)
	stats := snap.Stats()
	fmt.Fprintf(&b, "Generated %s. %d entities, %d observations, %d relations.\n",
		snap.Meta.CreatedAt.Format(time.RFC3339), stats.EntityCount, stats.ObservationCount, stats.RelationCount)

	byType := make(map[string][]types.Entity)
	for _, e := range snap.Entities {
		byType[e.EntityType] = append(byType[e.EntityType], e)
	}
	entityTypes := make([]string, 0, len(byType))
	for t := range byType {
		entityTypes = append(entityTypes, t)
	}
	sort.Strings(entityTypes)

	obsByEntity := make(map[string][]types.Observation)
	for _, o := range snap.Observations {
		obsByEntity[o.EntityID] = append(obsByEntity[o.EntityID], o)
	}

	names := make(map[string]string, len(snap.Entities))
	for _, e := range snap.Entities {
		names[e.ID] = e.Name
	}

	for _, entityType := range entityTypes {
		fmt.Fprintf(&b, "\n## %s\n", entityType)
		ents := byType[entityType]
		sort.Slice(ents, func(i, j int) bool {
			return types.NormalizeName(ents[i].Name) < types.NormalizeName(ents[j].Name)
		})
		for _, e := range ents {
			fmt.Fprintf(&b, "\n### %s\n\n", e.Name)
			fmt.Fprintf(&b, "- id: `%s`\n", e.ID)
			fmt.Fprintf(&b, "- updated: %s\n", e.UpdatedAt.Format(time.RFC3339))
			for _, k := range sortedAttrKeys(e.Attrs) {
				fmt.Fprintf(&b, "- %s: %v\n", k, e.Attrs[k])
			}

			obs := obsByEntity[e.ID]
			if len(obs) == 0 {
				continue
			}
			sort.Slice(obs, func(i, j int) bool {
				if !obs[i].Timestamp.Equal(obs[j].Timestamp) {
					return obs[i].Timestamp.Before(obs[j].Timestamp)
				}
				return obs[i].ID < obs[j].ID
			})
			b.WriteString("\nObservations:\n\n")
			for _, o := range obs {
				fmt.Fprintf(&b, "- [%s] %s\n", o.Timestamp.Format("2006-01-02"), o.Text)
			}
		}
	}

	if len(snap.Relations) > 0 {
		b.WriteString("\n## Relations\n\n")
		for _, r := range snap.Relations {
			from, to := names[r.FromID], names[r.ToID]
			if from == "" {
				from = r.FromID
			}
			if to == "" {
				to = r.ToID
			}
			fmt.Fprintf(&b, "- %s %s %s\n", from, r.RelationType, to)
		}
	}
	return b.String()
}

func sortedAttrKeys(attrs map[string]any) []string {
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
