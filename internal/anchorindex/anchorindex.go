// Package anchorindex implements pinned, immutable facts/decisions/
// constraints scoped to a frame (C4).
package anchorindex

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/stackmemoryai/stackmemory-sub002/internal/clockid"
	"github.com/stackmemoryai/stackmemory-sub002/internal/logging"
	"github.com/stackmemoryai/stackmemory-sub002/internal/stackerr"
)

// Type is the closed set of recognized anchor kinds.
type Type string

const (
	TypeFact              Type = "FACT"
	TypeDecision          Type = "DECISION"
	TypeConstraint        Type = "CONSTRAINT"
	TypeInterfaceContract Type = "INTERFACE_CONTRACT"
	TypeTODO              Type = "TODO"
	TypeRisk              Type = "RISK"
)

// ValidType reports whether t is a recognized anchor type.
func ValidType(t Type) bool {
	switch t {
	case TypeFact, TypeDecision, TypeConstraint, TypeInterfaceContract, TypeTODO, TypeRisk:
		return true
	}
	return false
}

// Anchor is a pinned fact bound to a frame. Immutable after creation;
// supersession is expressed by a newer anchor's Supersedes field, not by
// mutating the old one.
type Anchor struct {
	ID         string
	FrameID    string
	Type       Type
	Text       string
	Priority   int // [0,10]
	Supersedes string
	CreatedAt  time.Time
}

// Index stores anchors across all frames, queryable by frame, type, and
// priority.
type Index struct {
	mu      sync.RWMutex
	byFrame map[string][]*Anchor
	all     []*Anchor
}

// New creates an empty anchor index.
func New() *Index {
	return &Index{byFrame: make(map[string][]*Anchor)}
}

// Restore inserts an anchor loaded verbatim from persistence, bypassing the
// add-time validation (the persisted record already satisfied it).
func (ix *Index) Restore(a *Anchor) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.byFrame[a.FrameID] = append(ix.byFrame[a.FrameID], a)
	ix.all = append(ix.all, a)
}

// Add pins a new anchor to a frame.
func (ix *Index) Add(frameID string, atype Type, text string, priority int) (*Anchor, error) {
	if !ValidType(atype) {
		return nil, stackerr.New(stackerr.InvalidArgument, "unrecognized anchor type %q", atype)
	}
	if priority < 0 || priority > 10 {
		return nil, stackerr.New(stackerr.InvalidArgument, "priority %d out of range [0,10]", priority)
	}

	a := &Anchor{
		ID:        clockid.NewID("anchor"),
		FrameID:   frameID,
		Type:      atype,
		Text:      text,
		Priority:  priority,
		CreatedAt: time.Now(),
	}

	ix.mu.Lock()
	ix.byFrame[frameID] = append(ix.byFrame[frameID], a)
	ix.all = append(ix.all, a)
	ix.mu.Unlock()

	logging.Get(logging.CategoryAnchor).Debug("added anchor %s (%s, priority %d) to frame %s", a.ID, atype, priority, frameID)
	return a, nil
}

// Supersede pins a new anchor that replaces an older one by reference. The
// older anchor remains stored and visible to retrieval unless the caller
// explicitly filters it out (Open Question resolution: supersession does
// not hide anchors).
func (ix *Index) Supersede(frameID string, atype Type, text string, priority int, supersedesID string) (*Anchor, error) {
	a, err := ix.Add(frameID, atype, text, priority)
	if err != nil {
		return nil, err
	}
	a.Supersedes = supersedesID
	return a, nil
}

// sortedCopy returns anchors ordered priority descending, creation
// ascending (stable), matching spec.md §4.3.
func sortedCopy(anchors []*Anchor) []*Anchor {
	out := make([]*Anchor, len(anchors))
	copy(out, anchors)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Priority > out[j].Priority
	})
	return out
}

// List returns a frame's anchors, optionally filtered by type and minimum
// priority, ordered priority descending then creation ascending.
func (ix *Index) List(frameID string, types []Type, minPriority int) []*Anchor {
	ix.mu.RLock()
	frameAnchors := ix.byFrame[frameID]
	ix.mu.RUnlock()

	var typeSet map[Type]bool
	if len(types) > 0 {
		typeSet = make(map[Type]bool, len(types))
		for _, t := range types {
			typeSet[t] = true
		}
	}

	var filtered []*Anchor
	for _, a := range frameAnchors {
		if typeSet != nil && !typeSet[a.Type] {
			continue
		}
		if a.Priority < minPriority {
			continue
		}
		filtered = append(filtered, a)
	}
	return sortedCopy(filtered)
}

// Find ranks anchors of a given type whose text matches query (case-
// insensitive substring), ordered by priority then recency.
func (ix *Index) Find(atype Type, query string) []*Anchor {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	q := strings.ToLower(query)
	var matches []*Anchor
	for _, a := range ix.all {
		if a.Type != atype {
			continue
		}
		if q != "" && !strings.Contains(strings.ToLower(a.Text), q) {
			continue
		}
		matches = append(matches, a)
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Priority != matches[j].Priority {
			return matches[i].Priority > matches[j].Priority
		}
		return matches[i].CreatedAt.After(matches[j].CreatedAt)
	})
	return matches
}
