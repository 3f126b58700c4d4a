package memory

import (
	"regexp"
	"sort"
	"strings"
)

// MaxChunkKeywords caps the keyword set stored per chunk
const MaxChunkKeywords = 20

var (
	wordPattern           = regexp.MustCompile(`[A-Za-z][A-Za-z0-9_\-]{2,}`)
	keywordCommentPattern = regexp.MustCompile(`(?i)<!--\s*keywords:\s*([^>]*?)\s*-->`)

	// Request keyword families. Best-effort hints only.
	needPattern      = regexp.MustCompile(`(?i)\b(?:need|show|find|see|missing|lookup|look\s+up)\s+(?:me\s+)?(?:the\s+|a\s+|an\s+|more\s+|some\s+)?(?:about\s+)?([A-Za-z][\w\-]{2,}(?:\s+[A-Za-z][\w\-]{2,})?)`)
	camelCasePattern = regexp.MustCompile(`\b[A-Z][a-z0-9]+(?:[A-Z][a-z0-9]+)+\b|\b[a-z]+(?:[A-Z][a-z0-9]+)+\b`)
	snakeCasePattern = regexp.MustCompile(`\b[a-z][a-z0-9]*(?:_[a-z0-9]+)+\b`)
	backtickPattern  = regexp.MustCompile("`([^`\n]+)`")
)

var stopWords = map[string]bool{
	"the": true, "and": true, "for": true, "are": true, "but": true, "not": true,
	"you": true, "all": true, "any": true, "can": true, "had": true, "her": true,
	"was": true, "one": true, "our": true, "out": true, "has": true, "have": true,
	"this": true, "that": true, "with": true, "from": true, "they": true, "will": true,
	"would": true, "there": true, "their": true, "what": true, "about": true, "which": true,
	"when": true, "make": true, "like": true, "into": true, "than": true, "them": true,
	"then": true, "these": true, "some": true, "could": true, "other": true, "more": true,
	"should": true, "must": true, "also": true, "each": true, "only": true, "use": true,
	"used": true, "using": true, "how": true, "why": true, "who": true, "its": true,
	"been": true, "being": true, "does": true, "did": true, "were": true, "may": true,
	"information": true, "details": true, "context": true, "please": true, "need": true,
	"here": true, "where": true, "just": true, "very": true, "such": true, "over": true,
}

// ExtractKeywords returns the deterministic keyword set of a section. Title
// words weigh three times body words; explicit keyword comments always win.
func ExtractKeywords(title, content string) []string {
	counts := map[string]int{}
	explicit := map[string]bool{}

	for _, m := range keywordCommentPattern.FindAllStringSubmatch(content, -1) {
		for _, kw := range strings.Split(m[1], ",") {
			if kw = normalizeKeyword(kw); kw != "" {
				explicit[kw] = true
			}
		}
	}
	body := keywordCommentPattern.ReplaceAllString(content, " ")

	for _, w := range wordPattern.FindAllString(title, -1) {
		if kw := normalizeKeyword(w); kw != "" && !stopWords[kw] {
			counts[kw] += 3
		}
	}
	for _, w := range wordPattern.FindAllString(body, -1) {
		if kw := normalizeKeyword(w); kw != "" && !stopWords[kw] {
			counts[kw]++
		}
	}

	type scored struct {
		word  string
		count int
	}
	ranked := make([]scored, 0, len(counts))
	for w, c := range counts {
		if explicit[w] {
			continue
		}
		ranked = append(ranked, scored{w, c})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].count != ranked[j].count {
			return ranked[i].count > ranked[j].count
		}
		return ranked[i].word < ranked[j].word
	})

	out := make([]string, 0, MaxChunkKeywords)
	for w := range explicit {
		out = append(out, w)
	}
	sort.Strings(out)
	for _, s := range ranked {
		if len(out) >= MaxChunkKeywords {
			break
		}
		out = append(out, s.word)
	}
	return out
}

// ExtractRequestKeywords pulls search terms out of a model's request for more
// context: "need/show/find <noun>", CamelCase, snake_case and backtick spans.
func ExtractRequestKeywords(requestText string) []string {
	seen := map[string]bool{}
	var out []string
	add := func(kw string) {
		kw = normalizeKeyword(kw)
		if kw == "" || stopWords[kw] || seen[kw] {
			return
		}
		seen[kw] = true
		out = append(out, kw)
	}

	for _, m := range backtickPattern.FindAllStringSubmatch(requestText, -1) {
		add(m[1])
	}
	for _, m := range camelCasePattern.FindAllString(requestText, -1) {
		add(m)
	}
	for _, m := range snakeCasePattern.FindAllString(requestText, -1) {
		add(m)
	}
	for _, m := range needPattern.FindAllStringSubmatch(requestText, -1) {
		for _, w := range strings.Fields(m[1]) {
			add(w)
		}
	}
	return out
}

// NormalizeKeywords lowercases, trims and de-duplicates caller keywords
func NormalizeKeywords(in []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(in))
	for _, kw := range in {
		kw = normalizeKeyword(kw)
		if kw == "" || seen[kw] {
			continue
		}
		seen[kw] = true
		out = append(out, kw)
	}
	return out
}

func normalizeKeyword(kw string) string {
	return strings.ToLower(strings.Trim(strings.TrimSpace(kw), ".,;:!?\"'()[]{}"))
}
