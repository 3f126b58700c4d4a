package memory

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskpilot/internal/models"
)

func chunkerFixture() string {
	return strings.Join([]string{
		"Intro line.",
		"",
		"# Title",
		"",
		"Body.",
		"",
		"```md",
		"# not a heading",
		"```",
		"",
		"## Design decisions",
		"",
		"See [docs](https://example.com).",
		"",
		"#### Deep heading stays inside",
		"",
		"text",
	}, "\n")
}

func TestChunk_SplitsOnHeadings(t *testing.T) {
	sections := Chunk(chunkerFixture())
	require.Len(t, sections, 3)

	assert.Equal(t, "intro", sections[0].ID)
	assert.Equal(t, 1, sections[0].StartLine)
	assert.Equal(t, 1, sections[0].EndLine)

	assert.Equal(t, "title", sections[1].ID)
	assert.Equal(t, "Title", sections[1].Title)
	assert.Equal(t, 3, sections[1].StartLine)
	assert.Equal(t, 9, sections[1].EndLine)
	assert.True(t, sections[1].HasCode)
	assert.Contains(t, sections[1].Content, "# not a heading", "headings inside code fences do not split")

	assert.Equal(t, "design-decisions", sections[2].ID)
	assert.Equal(t, 11, sections[2].StartLine)
	assert.Equal(t, 17, sections[2].EndLine)
	assert.Contains(t, sections[2].Content, "#### Deep heading stays inside")
	assert.True(t, sections[2].HasLinks)
}

func TestChunk_Importance(t *testing.T) {
	sections := Chunk(chunkerFixture())
	require.Len(t, sections, 3)

	assert.Equal(t, 5.0, sections[0].Importance)
	assert.Equal(t, 6.5, sections[1].Importance)
	assert.Equal(t, 8.5, sections[2].Importance)
	for _, s := range sections {
		assert.GreaterOrEqual(t, s.Importance, 0.0)
		assert.LessOrEqual(t, s.Importance, 10.0)
	}
}

func TestChunk_DuplicateHeadingsGetDistinctIDs(t *testing.T) {
	sections := Chunk("## Notes\n\na\n\n## Notes\n\nb\n")
	require.Len(t, sections, 2)
	assert.Equal(t, "notes", sections[0].ID)
	assert.Equal(t, "notes-2", sections[1].ID)
}

func TestChunk_Deterministic(t *testing.T) {
	content := chunkerFixture() + "\n\n## Security\n\nRotate keys. Security reviews for every design change.\n"
	assert.Equal(t, Chunk(content), Chunk(content))
}

func TestChunk_EmptyContent(t *testing.T) {
	assert.Empty(t, Chunk(""))
	assert.Empty(t, Chunk("\n\n   \n"))
}

func TestChunk_TokenEstimate(t *testing.T) {
	sections := Chunk("# A\n\n" + strings.Repeat("word ", 40))
	require.Len(t, sections, 1)
	assert.Equal(t, (len(sections[0].Content)+3)/4, sections[0].TokenCount)
}

func TestExtractKeywords_ExplicitComment(t *testing.T) {
	kws := ExtractKeywords("Retro", "<!-- keywords: Demo-Day, cadence -->\nTeam agreed to weekly demos.")

	assert.Contains(t, kws, "demo-day")
	assert.Contains(t, kws, "cadence")
	assert.Contains(t, kws, "retro")
	assert.Contains(t, kws, "demos")
	assert.NotContains(t, kws, "keywords")
	assert.LessOrEqual(t, len(kws), MaxChunkKeywords)
}

func TestExtractKeywords_Capped(t *testing.T) {
	var words []string
	for i := 0; i < 60; i++ {
		words = append(words, "term"+strings.Repeat("x", i%30)+string(rune('a'+i%26)))
	}
	kws := ExtractKeywords("", strings.Join(words, " "))
	assert.Len(t, kws, MaxChunkKeywords)
}

func TestExtractRequestKeywords(t *testing.T) {
	kws := ExtractRequestKeywords("I need the PaymentGateway config and `retry_policy` for billing_service, show deployment steps")

	// Heuristic: only the obvious cases are asserted
	for _, want := range []string{"paymentgateway", "retry_policy", "billing_service", "deployment"} {
		assert.Contains(t, kws, want)
	}
	assert.NotContains(t, kws, "the")
}

func TestBuildChunks(t *testing.T) {
	doc := &models.MemoryDocument{ID: "doc-1", OrgID: "org-1", Level: models.LevelProject, Version: 4}
	chunks := BuildChunks(doc, Chunk(chunkerFixture()))

	require.Len(t, chunks, 3)
	for i, c := range chunks {
		assert.Equal(t, ChunkID("doc-1", 4, i), c.ID)
		assert.Equal(t, int64(4), c.DocVersion)
		assert.Equal(t, models.LevelProject, c.Level)
		assert.Equal(t, "org-1", c.OrgID)
		assert.Equal(t, i, c.Ordinal)
	}
}
