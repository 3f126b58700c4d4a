package memory

import (
	"sort"
	"strings"

	"taskpilot/internal/models"
)

// Ranking weights
const (
	matchQualityWeight = 10.0
	feedbackWeight     = 3.0
	preferenceBonus    = 5.0
)

type candidate struct {
	chunk   models.ContextChunk
	matched []string
	score   float64
}

// rankInitial keeps chunks whose keyword set intersects keywords and orders
// them by importance + match quality + feedback. With no keywords every chunk
// is a candidate.
func rankInitial(chunks []models.ContextChunk, keywords []string) []candidate {
	out := make([]candidate, 0, len(chunks))
	for _, c := range chunks {
		matched := matchChunkKeywords(c, keywords)
		if len(keywords) > 0 && len(matched) == 0 {
			continue
		}
		out = append(out, candidate{
			chunk:   c,
			matched: matched,
			score:   compositeScore(c, len(matched), len(keywords)),
		})
	}
	sortCandidates(out)
	return out
}

func compositeScore(c models.ContextChunk, matched, requested int) float64 {
	score := c.Importance + feedbackScore(c.Stats)
	if requested > 0 {
		score += float64(matched) / float64(requested) * matchQualityWeight
	}
	return score
}

// feedbackScore is in [-feedbackWeight, feedbackWeight]
func feedbackScore(s models.ChunkStats) float64 {
	rated := s.Helpful + s.Insufficient
	if rated == 0 {
		return 0
	}
	return float64(s.Helpful-s.Insufficient) / float64(rated) * feedbackWeight
}

func sortCandidates(cs []candidate) {
	sort.SliceStable(cs, func(i, j int) bool {
		a, b := cs[i].chunk, cs[j].chunk
		if cs[i].score != cs[j].score {
			return cs[i].score > cs[j].score
		}
		if a.Level.Rank() != b.Level.Rank() {
			return a.Level.Rank() < b.Level.Rank()
		}
		if a.DocumentID != b.DocumentID {
			return a.DocumentID < b.DocumentID
		}
		return a.Ordinal < b.Ordinal
	})
}

// fillBudget accepts candidates in order while they fit. A chunk that would
// overflow is skipped, never truncated.
func fillBudget(cs []candidate, maxTokens int) ([]candidate, int) {
	var selected []candidate
	total := 0
	for _, c := range cs {
		if total+c.chunk.TokenCount > maxTokens {
			continue
		}
		selected = append(selected, c)
		total += c.chunk.TokenCount
	}
	return selected, total
}

func matchChunkKeywords(c models.ContextChunk, keywords []string) []string {
	if len(keywords) == 0 {
		return nil
	}
	set := make(map[string]bool, len(c.Keywords))
	for _, k := range c.Keywords {
		set[strings.ToLower(k)] = true
	}
	var matched []string
	for _, kw := range keywords {
		if set[kw] {
			matched = append(matched, kw)
		}
	}
	return matched
}

// matchIterative is looser than the initial match: besides the keyword set it
// also accepts keywords appearing in the section title or body.
func matchIterative(c models.ContextChunk, keywords []string, requestType string) (matched []string, titleHit bool) {
	set := make(map[string]bool, len(c.Keywords))
	for _, k := range c.Keywords {
		set[strings.ToLower(k)] = true
	}
	title := strings.ToLower(c.SectionTitle + " " + c.SectionID)
	body := strings.ToLower(c.Content)

	for _, kw := range keywords {
		inTitle := strings.Contains(title, kw)
		if inTitle {
			titleHit = true
		}
		switch {
		case set[kw], inTitle:
			matched = append(matched, kw)
		case requestType != models.RequestSpecificSection && strings.Contains(body, kw):
			matched = append(matched, kw)
		}
	}
	return matched, titleHit
}

func sectionKeys(cs []candidate) []string {
	keys := make([]string, len(cs))
	for i, c := range cs {
		keys[i] = c.chunk.SectionKey()
	}
	return keys
}

func chunksOf(cs []candidate) []models.ContextChunk {
	out := make([]models.ContextChunk, len(cs))
	for i, c := range cs {
		out[i] = c.chunk
	}
	return out
}

// matchedInOrder returns the requested keywords matched by any candidate, in request order
func matchedInOrder(cs []candidate, keywords []string) []string {
	hit := map[string]bool{}
	for _, c := range cs {
		for _, m := range c.matched {
			hit[m] = true
		}
	}
	out := make([]string, 0, len(hit))
	for _, kw := range keywords {
		if hit[kw] {
			out = append(out, kw)
		}
	}
	return out
}
