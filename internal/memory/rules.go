package memory

import (
	"sort"
	"strings"

	"taskpilot/internal/models"
)

// applyContextRules filters and reorders selected chunks. Rules never add
// chunks, so the token bound of the selection still holds.
func applyContextRules(cs []candidate, rules []models.ContextRule) []candidate {
	if len(rules) == 0 {
		return cs
	}

	maxChunks := 0
	boost := map[string]bool{}
	out := cs
	for _, r := range rules {
		out = filterByRule(out, r)
		for _, kw := range r.BoostKeywords {
			boost[strings.ToLower(kw)] = true
		}
		if r.MaxChunks > 0 && (maxChunks == 0 || r.MaxChunks < maxChunks) {
			maxChunks = r.MaxChunks
		}
	}

	if len(boost) > 0 {
		hits := make(map[string]int, len(out))
		for _, c := range out {
			for _, k := range c.chunk.Keywords {
				if boost[strings.ToLower(k)] {
					hits[c.chunk.ID]++
				}
			}
		}
		sort.SliceStable(out, func(i, j int) bool {
			return hits[out[i].chunk.ID] > hits[out[j].chunk.ID]
		})
	}

	if maxChunks > 0 && len(out) > maxChunks {
		out = out[:maxChunks]
	}
	return out
}

func filterByRule(cs []candidate, r models.ContextRule) []candidate {
	levels := map[models.MemoryLevel]bool{}
	for _, lv := range r.Levels {
		levels[lv] = true
	}
	excluded := map[string]bool{}
	for _, s := range r.ExcludeSections {
		excluded[strings.ToLower(s)] = true
	}

	out := make([]candidate, 0, len(cs))
	for _, c := range cs {
		if len(levels) > 0 && !levels[c.chunk.Level] {
			continue
		}
		if excluded[strings.ToLower(c.chunk.SectionID)] || excluded[strings.ToLower(c.chunk.SectionTitle)] {
			continue
		}
		out = append(out, c)
	}
	return out
}
