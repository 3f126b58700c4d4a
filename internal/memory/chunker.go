package memory

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/text"

	"taskpilot/internal/models"
	"taskpilot/internal/services"
)

// MaxChunkHeadingLevel is the deepest heading that starts a new chunk
const MaxChunkHeadingLevel = 3

// Importance scoring
const (
	baseImportance = 5.0
	maxImportance  = 10.0
)

var importantTerms = []string{"architecture", "design", "decision", "security", "convention"}

var markdownParser = goldmark.New(goldmark.WithExtensions(extension.GFM)).Parser()

// Section is one heading-delimited piece of a document before it becomes a chunk
type Section struct {
	ID         string
	Title      string
	Level      int
	StartLine  int
	EndLine    int
	Content    string
	Keywords   []string
	Importance float64
	TokenCount int
	HasCode    bool
	HasLinks   bool
}

// Chunk splits markdown into sections on headings of level 1-3. Headings inside
// code fences are not headings. The output depends only on content.
func Chunk(content string) []Section {
	src := []byte(content)
	doc := markdownParser.Parse(text.NewReader(src))

	type boundary struct {
		offset int
		title  string
		level  int
	}
	var bounds []boundary
	for n := doc.FirstChild(); n != nil; n = n.NextSibling() {
		h, ok := n.(*ast.Heading)
		if !ok || h.Level > MaxChunkHeadingLevel || h.Lines().Len() == 0 {
			continue
		}
		bounds = append(bounds, boundary{
			offset: lineStart(src, h.Lines().At(0).Start),
			title:  headingText(h, src),
			level:  h.Level,
		})
	}

	var sections []Section
	seen := map[string]int{}
	add := func(start, end int, title string, level int) {
		body := strings.TrimRight(string(src[start:end]), " \t\r\n")
		if strings.TrimSpace(body) == "" {
			return
		}
		id := slugify(title)
		if id == "" {
			id = "intro"
		}
		seen[id]++
		if seen[id] > 1 {
			id = fmt.Sprintf("%s-%d", id, seen[id])
		}
		startLine := bytes.Count(src[:start], []byte("\n")) + 1
		sections = append(sections, Section{
			ID:        id,
			Title:     title,
			Level:     level,
			StartLine: startLine,
			EndLine:   startLine + strings.Count(body, "\n"),
			Content:   body,
		})
	}

	if len(bounds) == 0 {
		add(0, len(src), "", 0)
	} else {
		if bounds[0].offset > 0 {
			add(0, bounds[0].offset, "", 0)
		}
		for i, b := range bounds {
			end := len(src)
			if i+1 < len(bounds) {
				end = bounds[i+1].offset
			}
			add(b.offset, end, b.title, b.level)
		}
	}

	for i := range sections {
		annotate(&sections[i])
	}
	return sections
}

// annotate fills keywords, importance, token count and code/link flags
func annotate(s *Section) {
	src := []byte(s.Content)
	doc := markdownParser.Parse(text.NewReader(src))
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch n.(type) {
		case *ast.FencedCodeBlock, *ast.CodeBlock:
			s.HasCode = true
		case *ast.Link, *ast.AutoLink:
			s.HasLinks = true
		}
		return ast.WalkContinue, nil
	})

	s.Keywords = ExtractKeywords(s.Title, s.Content)
	s.TokenCount = services.EstimateTokens(s.Content)
	s.Importance = importance(s)
}

func importance(s *Section) float64 {
	score := baseImportance
	lower := strings.ToLower(s.Title + "\n" + s.Content)
	title := strings.ToLower(s.Title)
	for _, term := range importantTerms {
		switch {
		case strings.Contains(title, term):
			score += 1.5
		case strings.Contains(lower, term):
			score += 0.5
		}
	}
	if s.HasCode {
		score++
	}
	if s.HasLinks {
		score += 0.5
	}
	if s.Level == 1 {
		score += 0.5
	}
	if score > maxImportance {
		score = maxImportance
	}
	if score < 0 {
		score = 0
	}
	return score
}

// BuildChunks turns sections into chunks for one document version
func BuildChunks(doc *models.MemoryDocument, sections []Section) []models.ContextChunk {
	chunks := make([]models.ContextChunk, 0, len(sections))
	for i, s := range sections {
		chunks = append(chunks, models.ContextChunk{
			ID:           ChunkID(doc.ID, doc.Version, i),
			DocumentID:   doc.ID,
			OrgID:        doc.OrgID,
			Level:        doc.Level,
			DocVersion:   doc.Version,
			SectionID:    s.ID,
			SectionTitle: s.Title,
			Ordinal:      i,
			StartLine:    s.StartLine,
			EndLine:      s.EndLine,
			Content:      s.Content,
			Keywords:     s.Keywords,
			Importance:   s.Importance,
			TokenCount:   s.TokenCount,
			HasCode:      s.HasCode,
			CreatedAt:    doc.UpdatedAt,
		})
	}
	return chunks
}

// ChunkID is deterministic per document version and position
func ChunkID(docID string, version int64, ordinal int) string {
	return fmt.Sprintf("%s:v%d:%d", docID, version, ordinal)
}

func headingText(h *ast.Heading, src []byte) string {
	var b strings.Builder
	_ = ast.Walk(h, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		if t, ok := n.(*ast.Text); ok {
			b.Write(t.Segment.Value(src))
			if t.SoftLineBreak() {
				b.WriteByte(' ')
			}
		}
		return ast.WalkContinue, nil
	})
	return strings.TrimSpace(b.String())
}

func lineStart(src []byte, offset int) int {
	if offset > len(src) {
		offset = len(src)
	}
	if i := bytes.LastIndexByte(src[:offset], '\n'); i >= 0 {
		return i + 1
	}
	return 0
}

var slugStrip = regexp.MustCompile(`[^a-z0-9]+`)

func slugify(title string) string {
	s := slugStrip.ReplaceAllString(strings.ToLower(title), "-")
	return strings.Trim(s, "-")
}

// findSection returns the byte range of the section with id in content
func findSection(content, sectionID string) (start, end int, ok bool) {
	offset := 0
	lines := strings.SplitAfter(content, "\n")
	lineOffsets := make([]int, len(lines)+1)
	for i, l := range lines {
		lineOffsets[i] = offset
		offset += len(l)
	}
	lineOffsets[len(lines)] = offset

	for _, s := range Chunk(content) {
		if s.ID != sectionID {
			continue
		}
		startIdx := s.StartLine - 1
		endIdx := s.EndLine
		if endIdx > len(lines) {
			endIdx = len(lines)
		}
		return lineOffsets[startIdx], lineOffsets[endIdx], true
	}
	return 0, 0, false
}
