// Package framestore implements the frame tree (C3): lifecycle, parent/child
// structure, and the active path / hot stack views the assembler builds on.
package framestore

import (
	"sort"
	"sync"
	"time"

	"github.com/stackmemoryai/stackmemory-sub002/internal/clockid"
	"github.com/stackmemoryai/stackmemory-sub002/internal/eventlog"
	"github.com/stackmemoryai/stackmemory-sub002/internal/logging"
	"github.com/stackmemoryai/stackmemory-sub002/internal/stackerr"
)

// FrameType is the closed set of recognized frame kinds.
type FrameType string

const (
	TypeTask         FrameType = "task"
	TypeSubtask      FrameType = "subtask"
	TypeToolScope    FrameType = "tool_scope"
	TypeReview       FrameType = "review"
	TypeWrite        FrameType = "write"
	TypeDebug        FrameType = "debug"
	TypeFeature      FrameType = "feature"
	TypeBug          FrameType = "bug"
	TypeRefactor     FrameType = "refactor"
	TypeArchitecture FrameType = "architecture"
	TypeMilestone    FrameType = "milestone"
)

// ValidFrameType reports whether t is a recognized frame type.
func ValidFrameType(t FrameType) bool {
	switch t {
	case TypeTask, TypeSubtask, TypeToolScope, TypeReview, TypeWrite, TypeDebug,
		TypeFeature, TypeBug, TypeRefactor, TypeArchitecture, TypeMilestone:
		return true
	}
	return false
}

// State is a frame's lifecycle state.
type State string

const (
	StateActive  State = "active"
	StateStalled State = "stalled"
	StateClosed  State = "closed"
)

// Digest is the structured closing return value of a frame.
type Digest struct {
	Result        string   `json:"result"`
	Decisions     []string `json:"decisions"`
	Constraints   []string `json:"constraints"`
	Artifacts     []string `json:"artifacts"`
	OpenQuestions []string `json:"open_questions"`
	NextSteps     []string `json:"next_steps"`
	Embedding     []float32 `json:"embedding,omitempty"`
}

// Frame is a node in a per-run tree.
type Frame struct {
	ID       string
	RunID    string
	ParentID string // empty for root
	Depth    int
	Type     FrameType
	Name     string
	State    State
	Inputs   map[string]interface{}
	Outputs  map[string]interface{}
	Digest   *Digest

	CreatedAt    time.Time
	ClosedAt     time.Time
	LastEventAt  time.Time
}

// Store owns the frame tree for every run it has seen. A run's frames are
// never shared with another run; creation rejects any attempt to parent a
// frame under a frame from a different run.
type Store struct {
	mu      sync.RWMutex
	frames  map[string]*Frame
	roots   map[string]string   // runID -> root frame id
	byRun   map[string][]string // runID -> all frame ids, insertion order
	events  *eventlog.Store

	inactivityWindow time.Duration
}

// New creates a frame store backed by the given event log. inactivityWindow
// controls stall detection (default 48h, per spec.md §4.2).
func New(events *eventlog.Store, inactivityWindow time.Duration) *Store {
	if inactivityWindow <= 0 {
		inactivityWindow = 48 * time.Hour
	}
	return &Store{
		frames:           make(map[string]*Frame),
		roots:            make(map[string]string),
		byRun:            make(map[string][]string),
		events:           events,
		inactivityWindow: inactivityWindow,
	}
}

// Restore inserts a frame loaded verbatim from persistence, bypassing the
// create-time invariants (the persisted record already satisfied them when
// it was first created). Callers should restore a run's frames in creation
// order so roots land before children.
func (s *Store) Restore(f *Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.frames[f.ID] = f
	s.byRun[f.RunID] = append(s.byRun[f.RunID], f.ID)
	if f.ParentID == "" {
		s.roots[f.RunID] = f.ID
	}
}

// Create inserts a new frame. A nil/empty parentID creates a run root; a run
// may have at most one root.
func (s *Store) Create(runID string, parentID string, ftype FrameType, name string, inputs map[string]interface{}) (*Frame, error) {
	if !ValidFrameType(ftype) {
		return nil, stackerr.New(stackerr.InvalidArgument, "unrecognized frame type %q", ftype)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	depth := 0
	if parentID != "" {
		parent, ok := s.frames[parentID]
		if !ok {
			return nil, stackerr.New(stackerr.NotFound, "parent frame %s not found", parentID)
		}
		if parent.RunID != runID {
			return nil, stackerr.New(stackerr.Conflict, "parent frame %s belongs to a different run", parentID)
		}
		if parent.State == StateClosed {
			return nil, stackerr.New(stackerr.Conflict, "cannot create child of closed frame %s", parentID)
		}
		depth = parent.Depth + 1
	} else {
		if existing, ok := s.roots[runID]; ok {
			return nil, stackerr.New(stackerr.Conflict, "run %s already has root frame %s", runID, existing)
		}
	}

	f := &Frame{
		ID:        clockid.NewID("frame"),
		RunID:     runID,
		ParentID:  parentID,
		Depth:     depth,
		Type:      ftype,
		Name:      name,
		State:     StateActive,
		Inputs:    inputs,
		CreatedAt: time.Now(),
	}
	f.LastEventAt = f.CreatedAt

	s.frames[f.ID] = f
	s.byRun[runID] = append(s.byRun[runID], f.ID)
	if parentID == "" {
		s.roots[runID] = f.ID
	}

	logging.Get(logging.CategoryFrameStore).Info("created frame %s (%s) depth=%d parent=%s", f.ID, ftype, depth, parentID)
	return f, nil
}

// childrenOpen reports whether frame id has any non-closed descendant.
// Caller must hold s.mu.
func (s *Store) childrenOpen(id string) bool {
	for _, other := range s.frames {
		if other.ParentID == id && other.State != StateClosed {
			return true
		}
		if other.ParentID == id && s.childrenOpen(other.ID) {
			return true
		}
	}
	return false
}

// Close transitions a frame to closed, attaching outputs and a digest.
// Rejects if any descendant is still open.
func (s *Store) Close(id string, outputs map[string]interface{}, digest *Digest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.frames[id]
	if !ok {
		return stackerr.New(stackerr.NotFound, "frame %s not found", id)
	}
	if f.State == StateClosed {
		return stackerr.New(stackerr.Conflict, "frame %s already closed", id)
	}
	if s.childrenOpen(id) {
		return stackerr.New(stackerr.Conflict, "frame %s has open descendants", id)
	}

	f.State = StateClosed
	f.Outputs = outputs
	f.Digest = digest
	f.ClosedAt = time.Now()

	logging.Get(logging.CategoryFrameStore).Info("closed frame %s", id)
	return nil
}

// Lookup retrieves a frame by id.
func (s *Store) Lookup(id string) (*Frame, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.frames[id]
	if !ok {
		return nil, stackerr.New(stackerr.NotFound, "frame %s not found", id)
	}
	return f, nil
}

// TouchEvent records that an event was appended to a frame, resetting its
// stall timer and reactivating a stalled frame back to active.
func (s *Store) TouchEvent(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.frames[id]
	if !ok {
		return
	}
	f.LastEventAt = time.Now()
	if f.State == StateStalled {
		f.State = StateActive
	}
}

// refreshStallState transitions active frames whose inactivity window has
// elapsed to stalled. Caller must hold s.mu for write, or accept a racy read
// (used only internally before computing active_path/hot_stack views).
func (s *Store) refreshStallState() {
	now := time.Now()
	for _, f := range s.frames {
		if f.State == StateActive && now.Sub(f.LastEventAt) > s.inactivityWindow {
			f.State = StateStalled
		}
	}
}

// ActivePath returns the chain from root to the current leaf for a run.
// Stalled frames still count as active for this purpose. If multiple
// leaves exist, the most recently created (by creation timestamp, tie-break
// id) wins.
func (s *Store) ActivePath(runID string) ([]*Frame, error) {
	s.mu.Lock()
	s.refreshStallState()
	s.mu.Unlock()

	s.mu.RLock()
	defer s.mu.RUnlock()

	rootID, ok := s.roots[runID]
	if !ok {
		return nil, stackerr.New(stackerr.NotFound, "run %s has no root frame", runID)
	}

	// Candidate leaves: not-closed frames with no not-closed children.
	childCount := make(map[string]int)
	for _, id := range s.byRun[runID] {
		f := s.frames[id]
		if f.ParentID != "" && f.State != StateClosed {
			childCount[f.ParentID]++
		}
	}

	var leaves []*Frame
	for _, id := range s.byRun[runID] {
		f := s.frames[id]
		if f.State == StateClosed {
			continue
		}
		if childCount[f.ID] == 0 {
			leaves = append(leaves, f)
		}
	}
	if len(leaves) == 0 {
		// every frame closed; path degenerates to the root alone.
		root := s.frames[rootID]
		return []*Frame{root}, nil
	}

	sort.Slice(leaves, func(i, j int) bool {
		if !leaves[i].CreatedAt.Equal(leaves[j].CreatedAt) {
			return leaves[i].CreatedAt.After(leaves[j].CreatedAt)
		}
		return leaves[i].ID < leaves[j].ID
	})
	leaf := leaves[0]

	var path []*Frame
	for cur := leaf; cur != nil; {
		path = append([]*Frame{cur}, path...)
		if cur.ParentID == "" {
			break
		}
		cur = s.frames[cur.ParentID]
	}
	return path, nil
}

// HotStackEntry is one frame's contribution to the hot stack view.
type HotStackEntry struct {
	Frame          *Frame
	RecentEvents   []eventlog.Event
}

// HotStack returns the active path enriched with each frame's most recent
// events (up to maxEventsPerFrame).
func (s *Store) HotStack(runID string, maxEventsPerFrame int) ([]HotStackEntry, error) {
	path, err := s.ActivePath(runID)
	if err != nil {
		return nil, err
	}
	entries := make([]HotStackEntry, 0, len(path))
	for _, f := range path {
		entries = append(entries, HotStackEntry{
			Frame:        f,
			RecentEvents: s.events.Tail(f.ID, maxEventsPerFrame),
		})
	}
	return entries, nil
}

// AllFrames returns every frame for a run, insertion order.
func (s *Store) AllFrames(runID string) []*Frame {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Frame, 0, len(s.byRun[runID]))
	for _, id := range s.byRun[runID] {
		out = append(out, s.frames[id])
	}
	return out
}
