// Package tracedetect groups correlated tool-call events into bounded
// traces (C8), classifies them, and scores their importance.
package tracedetect

import (
	"strings"
	"sync"
	"time"

	"github.com/stackmemoryai/stackmemory-sub002/internal/clockid"
	"github.com/stackmemoryai/stackmemory-sub002/internal/eventlog"
	"github.com/stackmemoryai/stackmemory-sub002/internal/logging"
)

// Type is the closed set of recognized trace classifications.
type Type string

const (
	TypeSearchDriven         Type = "search_driven"
	TypeErrorRecovery        Type = "error_recovery"
	TypeFeatureImplementation Type = "feature_implementation"
	TypeRefactoring          Type = "refactoring"
	TypeTesting              Type = "testing"
	TypeExploration          Type = "exploration"
	TypeDebugging            Type = "debugging"
	TypeDocumentation        Type = "documentation"
	TypeBuildDeploy          Type = "build_deploy"
	TypeUnknown              Type = "unknown"
)

// recoveryTools are tools recognized as a "recovery" action following an
// error (a re-read or a test re-run).
var recoveryTools = map[string]bool{
	"read": true, "test": true, "re_read": true, "test_run": true,
}

// Trace is a bounded sequence of tool-call events.
type Trace struct {
	ID         string
	Type       Type
	StartedAt  time.Time
	EndedAt    time.Time
	EventIDs   []string
	Importance float64
	Summary    string
	DescriptorHash string
	Closed     bool
}

// Detector observes a stream of tool-call/tool-result events and groups
// them into traces.
type Detector struct {
	gap    time.Duration
	maxLen int

	mu      sync.Mutex
	current *buildingTrace
	closed  []Trace
}

type buildingTrace struct {
	events    []eventlog.Event
	lastCall  time.Time
	lastFiles map[string]bool
	hadError  bool
}

// New creates a trace detector. gap defaults to 30s, maxLen to 64.
func New(gap time.Duration, maxLen int) *Detector {
	if gap <= 0 {
		gap = 30 * time.Second
	}
	if maxLen <= 0 {
		maxLen = 64
	}
	return &Detector{gap: gap, maxLen: maxLen}
}

func filePathOf(ev eventlog.Event) string {
	if ev.Payload == nil {
		return ""
	}
	if args, ok := ev.Payload["arguments"].(map[string]interface{}); ok {
		if p, ok := args["path"].(string); ok && strings.HasPrefix(p, "/") {
			return p
		}
	}
	if p, ok := ev.Payload["path"].(string); ok && strings.HasPrefix(p, "/") {
		return p
	}
	return ""
}

func resultChainsIntoNext(prev, next eventlog.Event) bool {
	if prev.Type != eventlog.EventToolResult || next.Type != eventlog.EventToolCall {
		return false
	}
	resultVal, ok := prev.Payload["result"]
	if !ok {
		return false
	}
	nextArgs, ok := next.Payload["arguments"].(map[string]interface{})
	if !ok {
		return false
	}
	for _, v := range nextArgs {
		if v == resultVal {
			return true
		}
	}
	return false
}

func isErrorResult(ev eventlog.Event) bool {
	if ev.Type != eventlog.EventToolResult {
		return false
	}
	if success, ok := ev.Payload["success"].(bool); ok {
		return !success
	}
	return false
}

// Observe feeds one event to the detector. Only tool_call and tool_result
// events participate in bundling; other event types are ignored. A closed
// trace (if this observation closes one) is returned, otherwise nil.
func (d *Detector) Observe(ev eventlog.Event) *Trace {
	if ev.Type != eventlog.EventToolCall && ev.Type != eventlog.EventToolResult {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	var closedTrace *Trace

	if d.current == nil {
		d.current = &buildingTrace{lastFiles: make(map[string]bool)}
	} else if ev.Type == eventlog.EventToolCall && ev.Timestamp.Sub(d.current.lastCall) > d.gap {
		closedTrace = d.closeCurrentLocked()
		d.current = &buildingTrace{lastFiles: make(map[string]bool)}
	}

	bt := d.current
	bt.events = append(bt.events, ev)
	if ev.Type == eventlog.EventToolCall {
		bt.lastCall = ev.Timestamp
		if file := filePathOf(ev); file != "" {
			bt.lastFiles[file] = true
		}
	}
	if isErrorResult(ev) {
		bt.hadError = true
	}

	if len(bt.events) >= d.maxLen {
		t := d.closeCurrentLocked()
		d.current = nil
		return t
	}

	return closedTrace
}

// Flush closes any in-progress trace. Idempotent — flushing twice in a row
// with no intervening Observe returns nil the second time.
func (d *Detector) Flush() *Trace {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.current == nil || len(d.current.events) == 0 {
		return nil
	}
	t := d.closeCurrentLocked()
	d.current = nil
	return t
}

// closeCurrentLocked finalizes d.current into a Trace. Caller must hold d.mu.
func (d *Detector) closeCurrentLocked() *Trace {
	bt := d.current
	if bt == nil || len(bt.events) == 0 {
		return nil
	}

	ids := make([]string, len(bt.events))
	for i, ev := range bt.events {
		ids[i] = ev.ID
	}

	ttype := classify(bt.events)
	importance := scoreImportance(bt.events, ttype)

	t := Trace{
		ID:             clockid.NewID("trace"),
		Type:           ttype,
		StartedAt:      bt.events[0].Timestamp,
		EndedAt:        bt.events[len(bt.events)-1].Timestamp,
		EventIDs:       ids,
		Importance:     importance,
		DescriptorHash: descriptorHash(bt.events),
		Closed:         true,
	}
	d.closed = append(d.closed, t)

	logging.Get(logging.CategoryTrace).Info("closed trace %s type=%s len=%d importance=%.2f", t.ID, t.Type, len(ids), importance)
	return &t
}

// descriptorHash hashes the event-type/tool-name sequence, so structurally
// identical traces share a hash.
func descriptorHash(events []eventlog.Event) string {
	parts := make([]string, len(events))
	for i, ev := range events {
		parts[i] = string(ev.Type) + ":" + toolNameOf(ev)
	}
	return clockid.ContentHash(parts...)
}

func toolNameOf(ev eventlog.Event) string {
	name, _ := ev.Payload["tool"].(string)
	return strings.ToLower(name)
}

// classify pattern-matches the tool-call sequence into a canonical class.
func classify(events []eventlog.Event) Type {
	var hasError, hasRecovery, hasSearch, hasWrite, hasTest, hasBuild, hasRead bool

	for i, ev := range events {
		if isErrorResult(ev) {
			hasError = true
		}
		if ev.Type != eventlog.EventToolCall {
			continue
		}
		tool := toolNameOf(ev)
		switch {
		case strings.Contains(tool, "search") || strings.Contains(tool, "grep") || strings.Contains(tool, "glob"):
			hasSearch = true
		case strings.Contains(tool, "write") || strings.Contains(tool, "edit"):
			hasWrite = true
		case strings.Contains(tool, "test"):
			hasTest = true
		case strings.Contains(tool, "build") || strings.Contains(tool, "deploy"):
			hasBuild = true
		case strings.Contains(tool, "read"):
			hasRead = true
		}
		if hasError && i > 0 && recoveryTools[tool] {
			hasRecovery = true
		}
	}

	switch {
	case hasError && hasRecovery:
		return TypeErrorRecovery
	case hasBuild:
		return TypeBuildDeploy
	case hasTest && hasWrite:
		return TypeTesting
	case hasWrite && hasSearch:
		return TypeFeatureImplementation
	case hasWrite && !hasSearch:
		return TypeRefactoring
	case hasSearch && !hasWrite:
		return TypeSearchDriven
	case hasRead && !hasWrite:
		return TypeExploration
	default:
		return TypeUnknown
	}
}

// scoreImportance blends length, error-recovery presence, the breadth of
// absolute file paths referenced, and whether a tool result feeds the next
// call's arguments into a score in [0,1]. Decision events do not contribute
// (the detector only sees tool events).
func scoreImportance(events []eventlog.Event, ttype Type) float64 {
	lengthScore := float64(len(events)) / 20.0
	if lengthScore > 1 {
		lengthScore = 1
	}

	var recoveryScore float64
	if ttype == TypeErrorRecovery {
		recoveryScore = 1
	}

	files := make(map[string]bool)
	for _, ev := range events {
		if f := filePathOf(ev); f != "" {
			files[f] = true
		}
	}
	breadthScore := float64(len(files)) / 5.0
	if breadthScore > 1 {
		breadthScore = 1
	}

	chainingScore := 0.0
	for i := 1; i < len(events); i++ {
		if resultChainsIntoNext(events[i-1], events[i]) {
			chainingScore = 1
			break
		}
	}

	score := 0.25*lengthScore + 0.3*recoveryScore + 0.3*breadthScore + 0.15*chainingScore
	if score > 1 {
		score = 1
	}
	return score
}

// Closed returns every trace closed so far, in closure order.
func (d *Detector) Closed() []Trace {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Trace, len(d.closed))
	copy(out, d.closed)
	return out
}

// Compress replaces a trace older than maxAge with a summary record,
// retaining id, type, score, first/last event references, and a brief
// summary. Original events in the event log are never deleted — this is
// purely a retrieval hint. summarize generates the text (normally backed
// by the embedding/digest oracle's text path).
func Compress(t Trace, maxAge time.Duration, now time.Time, summarize func(Trace) string) Trace {
	if now.Sub(t.EndedAt) < maxAge {
		return t
	}
	if len(t.EventIDs) == 0 {
		return t
	}
	out := t
	out.Summary = summarize(t)
	out.EventIDs = []string{t.EventIDs[0], t.EventIDs[len(t.EventIDs)-1]}
	return out
}
