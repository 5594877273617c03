// Package intent turns a free-text query (optionally mixed with inline
// +key:value modifiers) into a structured filter (C9).
package intent

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// SortField is a recognized sort key.
type SortField string

const (
	SortTime      SortField = "time"
	SortScore     SortField = "score"
	SortRelevance SortField = "relevance"
)

// Format is a recognized output format.
type Format string

const (
	FormatFull    Format = "full"
	FormatSummary Format = "summary"
	FormatIDs     Format = "ids"
)

// GroupBy is a recognized grouping key.
type GroupBy string

const (
	GroupFrame GroupBy = "frame"
	GroupTime  GroupBy = "time"
	GroupOwner GroupBy = "owner"
	GroupTopic GroupBy = "topic"
)

// Priority is a recognized priority band.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// TimeFilter captures either a relative duration or an absolute range.
type TimeFilter struct {
	Last  string // canonical duration string, e.g. "24h"
	Since *time.Time
	Until *time.Time
}

// PeopleFilter captures owner/team attribution.
type PeopleFilter struct {
	Owner string
	Team  string
}

// OutputFilter captures requested output shape.
type OutputFilter struct {
	Format  Format
	GroupBy GroupBy
}

// ScoreRange is an inclusive [Min, Max] score window.
type ScoreRange struct {
	Min float64
	Max float64
}

// Structured is the normalized, structured form of a query.
type Structured struct {
	Time    TimeFilter
	Content []string // free-text/topic tokens remaining after modifier extraction
	Frame   []string // frame-type filters
	People  PeopleFilter
	Output  OutputFilter
	File    string
	Status  string
	Score   *ScoreRange
	Limit   int
}

// ValidationError describes one problem found while parsing.
type ValidationError struct {
	Field   string
	Message string
}

// Parsed is the full parser response.
type Parsed struct {
	Original         string
	Interpreted      Structured
	Expanded         Structured
	ValidationErrors []ValidationError
	Suggestions      []string
}

var modifierPattern = regexp.MustCompile(`\+(\w+):(\S+)`)

// synonyms expands a topic to its recognized synonym set.
var synonyms = map[string][]string{
	"auth": {"auth", "authentication", "oauth", "login", "session", "jwt"},
	"bug":  {"bug", "bugs", "defect", "issue"},
	"perf": {"perf", "performance", "latency", "throughput"},
}

// topicPlurals collapses common plural topic forms to their singular.
var topicPlurals = map[string]string{
	"bugs": "bug", "tasks": "task", "issues": "issue", "decisions": "decision",
}

var timePhrases = []struct {
	pattern *regexp.Regexp
	compute func(m []string) string
}{
	{regexp.MustCompile(`(?i)^last (\d+) (minute|hour|day|week)s?$`), func(m []string) string {
		return m[1] + unitSuffix(m[2])
	}},
	{regexp.MustCompile(`(?i)^today$`), func(m []string) string { return "24h" }},
	{regexp.MustCompile(`(?i)^yesterday$`), func(m []string) string { return "48h" }},
	{regexp.MustCompile(`(?i)^this week$`), func(m []string) string { return "168h" }},
}

func unitSuffix(unit string) string {
	switch strings.ToLower(unit) {
	case "minute":
		return "m"
	case "hour":
		return "h"
	case "day":
		return "d"
	case "week":
		return "w"
	}
	return "h"
}

var nameRefPattern = regexp.MustCompile(`@(\w+)`)
var possessivePattern = regexp.MustCompile(`(?i)(\w+)'s work`)

var templates = []struct {
	name    string
	pattern *regexp.Regexp
	build   func(m []string, s *Structured)
}{
	{"daily-standup", regexp.MustCompile(`(?i)^standup(?: for (\w+))?$`), func(m []string, s *Structured) {
		s.Time.Last = "24h"
		if len(m) > 1 && m[1] != "" {
			s.People.Owner = m[1]
		}
		s.Output.GroupBy = GroupFrame
	}},
	{"error-investigation", regexp.MustCompile(`(?i)^(errors?|bugs?) (investigation|review)$`), func(m []string, s *Structured) {
		s.Frame = append(s.Frame, "bug", "debug")
		s.Output.GroupBy = GroupFrame
	}},
	{"feature-progress", regexp.MustCompile(`(?i)^feature progress(?: for (\w+))?$`), func(m []string, s *Structured) {
		s.Frame = append(s.Frame, "feature")
		if len(m) > 1 && m[1] != "" {
			s.People.Owner = m[1]
		}
	}},
	{"code-review", regexp.MustCompile(`(?i)^(code )?review$`), func(m []string, s *Structured) {
		s.Frame = append(s.Frame, "review")
	}},
	{"retrospective", regexp.MustCompile(`(?i)^retro(spective)?$`), func(m []string, s *Structured) {
		s.Time.Last = "168h"
	}},
	{"performance-analysis", regexp.MustCompile(`(?i)^performance( analysis)?$`), func(m []string, s *Structured) {
		s.Content = append(s.Content, "perf", "performance", "latency", "throughput")
	}},
	{"security-audit", regexp.MustCompile(`(?i)^security audit$`), func(m []string, s *Structured) {
		s.Content = append(s.Content, "security", "vulnerability", "audit")
	}},
	{"deployment-readiness", regexp.MustCompile(`(?i)^deploy(ment)? readiness$`), func(m []string, s *Structured) {
		s.Frame = append(s.Frame, "milestone")
		s.Content = append(s.Content, "deploy", "build", "release")
	}},
}

// Parse normalizes a free-text query (with optional +key:value modifiers)
// into a structured filter. It never panics; invalid input becomes a
// ValidationError on the result.
func Parse(query string) Parsed {
	p := Parsed{Original: query}
	structured := Structured{Limit: 0}

	remaining := query
	for _, m := range modifierPattern.FindAllStringSubmatch(query, -1) {
		key, value := strings.ToLower(m[1]), m[2]
		applyModifier(&structured, &p.ValidationErrors, key, value)
		remaining = strings.Replace(remaining, m[0], "", 1)
	}
	remaining = strings.TrimSpace(remaining)

	for _, tmpl := range templates {
		if m := tmpl.pattern.FindStringSubmatch(remaining); m != nil {
			tmpl.build(m, &structured)
			remaining = ""
			break
		}
	}

	if remaining != "" {
		applyNaturalLanguagePasses(&structured, remaining)
	}

	p.Interpreted = structured
	p.Expanded = expand(structured)
	return p
}

func applyModifier(s *Structured, errs *[]ValidationError, key, value string) {
	switch key {
	case "last":
		s.Time.Last = value
	case "since":
		t, err := time.Parse("2006-01-02", value)
		if err != nil {
			*errs = append(*errs, ValidationError{Field: "since", Message: "invalid date: " + value})
			return
		}
		s.Time.Since = &t
	case "until":
		t, err := time.Parse("2006-01-02", value)
		if err != nil {
			*errs = append(*errs, ValidationError{Field: "until", Message: "invalid date: " + value})
			return
		}
		s.Time.Until = &t
	case "owner":
		s.People.Owner = value
	case "team":
		s.People.Team = value
	case "topic":
		s.Content = append(s.Content, strings.ToLower(value))
	case "file":
		s.File = value
	case "sort":
		switch SortField(value) {
		case SortTime, SortScore, SortRelevance:
		default:
			*errs = append(*errs, ValidationError{Field: "sort", Message: "unrecognized sort: " + value})
		}
	case "limit":
		n, err := strconv.Atoi(value)
		if err != nil || n <= 0 || n > 1000 {
			*errs = append(*errs, ValidationError{Field: "limit", Message: "limit out of range [1,1000]: " + value})
			return
		}
		s.Limit = n
	case "format":
		switch Format(value) {
		case FormatFull, FormatSummary, FormatIDs:
			s.Output.Format = Format(value)
		default:
			*errs = append(*errs, ValidationError{Field: "format", Message: "unrecognized format: " + value})
		}
	case "group":
		switch GroupBy(value) {
		case GroupFrame, GroupTime, GroupOwner, GroupTopic:
			s.Output.GroupBy = GroupBy(value)
		default:
			*errs = append(*errs, ValidationError{Field: "group", Message: "unrecognized group: " + value})
		}
	case "status":
		s.Status = value
	case "priority":
		switch Priority(value) {
		case PriorityCritical:
			s.Score = &ScoreRange{Min: 0.8, Max: 1.0}
		case PriorityHigh:
			s.Score = &ScoreRange{Min: 0.7, Max: 1.0}
		case PriorityMedium:
			s.Score = &ScoreRange{Min: 0.4, Max: 0.7}
		case PriorityLow:
			s.Score = &ScoreRange{Min: 0.0, Max: 0.3}
		default:
			*errs = append(*errs, ValidationError{Field: "priority", Message: "unrecognized priority: " + value})
		}
	default:
		// unrecognized modifier keys are preserved as content tokens rather
		// than raising, per the parser's never-panic validation design.
		s.Content = append(s.Content, key+":"+value)
	}

	if s.Time.Since != nil && s.Time.Until != nil && s.Time.Since.After(*s.Time.Until) {
		*errs = append(*errs, ValidationError{Field: "time", Message: "since is after until"})
	}
	if s.Score != nil && s.Score.Min > s.Score.Max {
		*errs = append(*errs, ValidationError{Field: "score", Message: "score range inverted"})
	}
}

func applyNaturalLanguagePasses(s *Structured, text string) {
	for _, tp := range timePhrases {
		if m := tp.pattern.FindStringSubmatch(strings.TrimSpace(text)); m != nil {
			s.Time.Last = tp.compute(m)
			return
		}
	}

	if m := possessivePattern.FindStringSubmatch(text); m != nil {
		s.People.Owner = m[1]
	}
	for _, m := range nameRefPattern.FindAllStringSubmatch(text, -1) {
		s.People.Owner = m[1]
	}

	tokens := strings.Fields(text)
	for _, tok := range tokens {
		lower := strings.ToLower(strings.Trim(tok, ".,!?"))
		if canon, ok := topicPlurals[lower]; ok {
			lower = canon
		}
		if strings.HasPrefix(lower, "@") || strings.HasSuffix(lower, "'s") {
			continue
		}
		s.Content = append(s.Content, lower)
	}
}

// expand applies synonym expansion to every content topic, returning a
// monotone superset of the original topic set.
func expand(s Structured) Structured {
	out := s
	seen := make(map[string]bool, len(s.Content))
	var expanded []string
	for _, topic := range s.Content {
		if !seen[topic] {
			seen[topic] = true
			expanded = append(expanded, topic)
		}
		for _, syn := range synonyms[topic] {
			if !seen[syn] {
				seen[syn] = true
				expanded = append(expanded, syn)
			}
		}
	}
	sort.Strings(expanded)
	out.Content = expanded
	return out
}

// FormatQuery serializes a Structured filter back into a canonical +key:value
// query string, used to test parse/format idempotence.
func FormatQuery(s Structured) string {
	var parts []string
	if s.Time.Last != "" {
		parts = append(parts, "+last:"+s.Time.Last)
	}
	if s.People.Owner != "" {
		parts = append(parts, "+owner:"+s.People.Owner)
	}
	if s.People.Team != "" {
		parts = append(parts, "+team:"+s.People.Team)
	}
	if s.File != "" {
		parts = append(parts, "+file:"+s.File)
	}
	if s.Status != "" {
		parts = append(parts, "+status:"+s.Status)
	}
	if s.Limit > 0 {
		parts = append(parts, "+limit:"+strconv.Itoa(s.Limit))
	}
	if s.Output.Format != "" {
		parts = append(parts, "+format:"+string(s.Output.Format))
	}
	if s.Output.GroupBy != "" {
		parts = append(parts, "+group:"+string(s.Output.GroupBy))
	}
	sort.Strings(parts)
	content := strings.Join(s.Content, " ")
	if content != "" {
		return content + " " + strings.Join(parts, " ")
	}
	return strings.Join(parts, " ")
}
