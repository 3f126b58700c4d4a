package classifier

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"taskpilot/internal/models"
	"taskpilot/internal/registry"
)

// MaxPatternConfidence caps pattern scoring below certainty
const MaxPatternConfidence = 0.95

// signalRule adds weight to one side when its pattern matches. Rules overlap on
// purpose: a request can match several verb rules and collect each weight.
type signalRule struct {
	name    string
	pattern *regexp.Regexp
	weight  int
	context string // recorded in Signals.MatchedContext when non-empty
}

var codeRules = []signalRule{
	{
		name:    "create_artifact",
		pattern: regexp.MustCompile(`(?i)\b(write|create|implement|build|develop|generate|add)\b.*\b(function|method|class|component|module|script|code|endpoint|api|test|query|migration|hook|handler)s?\b`),
		weight:  40,
	},
	{
		name:    "fix_defect",
		pattern: regexp.MustCompile(`(?i)\b(fix|debug|resolve|patch|repair)\b.*\b(bug|error|issue|crash|exception|failure|leak|regression)s?\b`),
		weight:  40,
	},
	{
		name:    "restructure",
		pattern: regexp.MustCompile(`(?i)\b(refactor|optimi[sz]e|restructure|rewrite|clean\s+up|simplify)\b`),
		weight:  40,
	},
	{
		name:    "code_request",
		pattern: regexp.MustCompile(`(?i)\b(give|show|send|provide)\s+me\s+(the\s+)?code\b|\bcode\s+(for|to|that)\b|\bcode\s+snippet\b`),
		weight:  35,
	},
	{
		name:    "file_extension",
		pattern: regexp.MustCompile(`(?i)\b[\w/-]+\.(tsx?|jsx?|mjs|py|go|java|kt|rb|rs|cpp|cc|c|h|hpp|cs|php|swift|scala|sql|sh|css|scss|html|vue|svelte|json|ya?ml|toml)\b`),
		weight:  25,
		context: "file_extension",
	},
	{
		name:    "pull_request",
		pattern: regexp.MustCompile(`(?i)\bPR\s*#\d+|\bpull\s+request\b|\bmerge\s+request\b`),
		weight:  25,
		context: "pull_request",
	},
	{
		name:    "code_syntax",
		pattern: regexp.MustCompile("`[^`]+`|\\bfunction\\s*\\(|=>|\\bfunc\\s+\\w+\\(|\\bdef\\s+\\w+\\("),
		weight:  20,
		context: "code_syntax",
	},
	{
		name:    "stack_trace",
		pattern: regexp.MustCompile(`(?i)\bstack\s*trace\b|\btraceback\b|\bnull\s*pointer\b|\bsegfault\b|\bpanic:`),
		weight:  25,
		context: "stack_trace",
	},
}

var proseRules = []signalRule{
	{
		name:    "explain",
		pattern: regexp.MustCompile(`(?i)\b(explain|describe|clarify|walk\s+me\s+through)\b`),
		weight:  40,
	},
	{
		name:    "summarize",
		pattern: regexp.MustCompile(`(?i)\b(summari[sz]e|summary|recap|overview|tl;?dr|status\s+(of|update))\b`),
		weight:  40,
	},
	{
		name:    "analyze",
		pattern: regexp.MustCompile(`(?i)\b(analy[sz]e|assess|evaluate|compare|investigate)\b`),
		weight:  30,
	},
	{
		name:    "classify",
		pattern: regexp.MustCompile(`(?i)\b(classify|categori[sz]e|label|triage|prioriti[sz]e)\b`),
		weight:  30,
	},
	{
		name:    "question",
		pattern: regexp.MustCompile(`(?i)^\s*(what|why|how|when|where|who|which|is|are|was|were|can|could|should|does|do|did)\b[^?]*\?\s*$`),
		weight:  30,
	},
	{
		name:    "non_code_entity",
		pattern: entityNounPattern,
		weight:  25,
		context: "entity",
	},
}

var entityNounPattern = regexp.MustCompile(`(?i)\b(meeting|standup|stand-up|requirement|retro|retrospective|sprint|roadmap|stakeholder|decision|status|agenda|minutes|okr)s?\b`)

// taskVerbs is tested in order; the first match decides the task type
var taskVerbs = []struct {
	task    models.TaskType
	pattern *regexp.Regexp
}{
	{models.TaskDebug, regexp.MustCompile(`(?i)\b(debug|troubleshoot|diagnose)\b`)},
	{models.TaskRefactor, regexp.MustCompile(`(?i)\b(refactor|restructure|rewrite|clean\s+up|simplify)\b`)},
	{models.TaskWriteCode, regexp.MustCompile(`(?i)\b(write|create|implement|build|develop|generate)\b`)},
	{models.TaskDebug, regexp.MustCompile(`(?i)\b(fix|resolve|patch)\b`)},
	{models.TaskReview, regexp.MustCompile(`(?i)\b(review|audit)\b`)},
	{models.TaskSummarize, regexp.MustCompile(`(?i)\b(summari[sz]e|summary|recap|tl;?dr|status\s+(of|update))\b`)},
	{models.TaskExplain, regexp.MustCompile(`(?i)\b(explain|describe|clarify|what\s+(is|are|does)|how\s+(does|do|to))\b`)},
	{models.TaskClassify, regexp.MustCompile(`(?i)\b(classify|categori[sz]e|label|triage)\b`)},
	{models.TaskAnalyze, regexp.MustCompile(`(?i)\b(analy[sz]e|assess|evaluate|compare|investigate)\b`)},
}

// Structural context deltas
const (
	entityTypeDelta   = 30
	bugTicketDelta    = 20
	criticalPrioDelta = 10
)

var codeEntityTypes = map[string]bool{
	"pull_request": true, "pr": true, "code": true, "commit": true,
	"repository": true, "file": true, "snippet": true, "branch": true,
}

var proseEntityTypes = map[string]bool{
	"meeting": true, "requirement": true, "document": true, "standup": true,
	"decision": true, "comment": true, "dashboard": true, "retrospective": true,
}

// PatternStrategy classifies purely from regular-expression signals
type PatternStrategy struct {
	registry *registry.Registry
}

// NewPatternStrategy creates a pattern-only strategy
func NewPatternStrategy(reg *registry.Registry) *PatternStrategy {
	return &PatternStrategy{registry: reg}
}

// Classify implements Strategy. Pattern scoring cannot fail.
func (p *PatternStrategy) Classify(_ context.Context, in Input) Outcome {
	return p.Score(in)
}

// Score runs pattern scoring and returns the scored result
func (p *PatternStrategy) Score(in Input) Scored {
	s := scoreSignals(in)

	codeLeaning := s.code > s.prose
	maxScore := s.prose
	if codeLeaning {
		maxScore = s.code
	}
	confidence := float64(maxScore) / 100
	if confidence > MaxPatternConfidence {
		confidence = MaxPatternConfidence
	}
	if confidence < 0 {
		confidence = 0
	}

	task, verb := deriveTaskType(in.Text)

	recommended := p.registry.ReasoningTier()
	shape := models.ShapeProse
	if codeLeaning {
		recommended = p.registry.CodeTier()
		shape = models.ShapeCode
	}

	result := models.ClassificationResult{
		TaskType:         task,
		CodePercentage:   codePercentage(task, codeLeaning),
		RecommendedModel: recommended,
		FallbackModel:    p.registry.FallbackFor(recommended),
		Confidence:       confidence,
		Method:           models.MethodPattern,
		Signals: models.ClassificationSignals{
			MatchedVerb:    verb,
			OutputShape:    shape,
			EntityType:     s.entityType,
			Complexity:     complexity(in, s),
			MatchedContext: s.matchedContext,
			CodeScore:      s.code,
			ProseScore:     s.prose,
		},
	}
	result.Reasoning = fmt.Sprintf("pattern scoring: code=%d prose=%d; matched [%s]",
		s.code, s.prose, strings.Join(s.matchedRules, ", "))

	return Scored{Classification: result}
}

type signalScores struct {
	code           int
	prose          int
	matchedRules   []string
	matchedContext []string
	entityType     string
}

func scoreSignals(in Input) signalScores {
	var s signalScores
	text := in.Text

	for _, rule := range codeRules {
		match := rule.pattern.FindString(text)
		if match == "" {
			continue
		}
		s.code += rule.weight
		s.matchedRules = append(s.matchedRules, rule.name)
		if rule.context == "file_extension" {
			s.matchedContext = append(s.matchedContext, "file_extension:"+extensionOf(match))
		} else if rule.context != "" {
			s.matchedContext = append(s.matchedContext, rule.context)
		}
	}

	for _, rule := range proseRules {
		if !rule.pattern.MatchString(text) {
			continue
		}
		s.prose += rule.weight
		s.matchedRules = append(s.matchedRules, rule.name)
		if rule.context == "entity" {
			recordEntityNouns(&s, text)
		}
	}

	applyContextDeltas(&s, in.Context)
	return s
}

// recordEntityNouns notes every distinct entity noun. "status" is generic, so a
// more specific noun wins the entity type when present.
func recordEntityNouns(s *signalScores, text string) {
	seen := map[string]bool{}
	for _, m := range entityNounPattern.FindAllStringSubmatch(text, -1) {
		noun := strings.ToLower(m[1])
		if seen[noun] {
			continue
		}
		seen[noun] = true
		s.matchedContext = append(s.matchedContext, "entity:"+noun)
		if s.entityType == "" || s.entityType == "status" {
			s.entityType = noun
		}
	}
}

func applyContextDeltas(s *signalScores, rc *models.RequestContext) {
	if rc == nil {
		return
	}

	if et := normalizeEntityType(rc.EntityType); et != "" {
		s.entityType = et
		switch {
		case codeEntityTypes[et]:
			s.code += entityTypeDelta
			s.matchedRules = append(s.matchedRules, "entity_type:"+et)
		case proseEntityTypes[et]:
			s.prose += entityTypeDelta
			s.matchedRules = append(s.matchedRules, "entity_type:"+et)
		}
	}

	if strings.EqualFold(rc.EntityString("ticketType", "ticket_type", "type"), "bug") {
		s.code += bugTicketDelta
		s.matchedRules = append(s.matchedRules, "ticket_type:bug")
	}
	if strings.EqualFold(rc.EntityString("priority"), "critical") {
		s.code += criticalPrioDelta
		s.matchedRules = append(s.matchedRules, "priority:critical")
	}
}

func normalizeEntityType(et string) string {
	et = strings.ToLower(strings.TrimSpace(et))
	et = strings.NewReplacer("-", "_", " ", "_").Replace(et)
	if et == "pullrequest" {
		et = "pull_request"
	}
	return et
}

func extensionOf(match string) string {
	if i := strings.LastIndex(match, "."); i >= 0 {
		return strings.ToLower(match[i:])
	}
	return match
}

func deriveTaskType(text string) (models.TaskType, string) {
	for _, tv := range taskVerbs {
		if m := tv.pattern.FindString(text); m != "" {
			return tv.task, strings.ToLower(m)
		}
	}
	return models.TaskOther, ""
}

func codePercentage(task models.TaskType, codeLeaning bool) int {
	switch {
	case codeLeaning && task == models.TaskWriteCode:
		return 90
	case codeLeaning:
		return 70
	case task == models.TaskExplain:
		return 20
	default:
		return 10
	}
}

func complexity(in Input, s signalScores) string {
	words := len(strings.Fields(in.Text))
	level := 0
	switch {
	case words > 80:
		level = 2
	case words > 25:
		level = 1
	}
	if len(s.matchedContext) >= 3 {
		level++
	}
	if in.Context != nil && strings.EqualFold(in.Context.EntityString("priority"), "critical") {
		level++
	}
	switch {
	case level >= 2:
		return models.ComplexityHigh
	case level == 1:
		return models.ComplexityMedium
	default:
		return models.ComplexityLow
	}
}
