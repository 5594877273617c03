// Package eventlog implements the append-only, per-frame, sequenced event
// stream (C2). Frame ids are hashed into a fixed number of shards; each
// shard serializes its own appends behind its own mutex, so writers to
// frames on different shards never contend with each other.
package eventlog

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/stackmemoryai/stackmemory-sub002/internal/clockid"
	"github.com/stackmemoryai/stackmemory-sub002/internal/logging"
	"github.com/stackmemoryai/stackmemory-sub002/internal/stackerr"
)

// EventType is the closed set of recognized event kinds.
type EventType string

const (
	EventUserMessage      EventType = "user_message"
	EventAssistantMessage EventType = "assistant_message"
	EventToolCall         EventType = "tool_call"
	EventToolResult       EventType = "tool_result"
	EventDecision         EventType = "decision"
	EventConstraint       EventType = "constraint"
	EventArtifact         EventType = "artifact"
	EventObservation      EventType = "observation"
)

// ValidEventType reports whether t is one of the recognized event kinds.
func ValidEventType(t EventType) bool {
	switch t {
	case EventUserMessage, EventAssistantMessage, EventToolCall, EventToolResult,
		EventDecision, EventConstraint, EventArtifact, EventObservation:
		return true
	}
	return false
}

// Event is an append-only record bound to a frame.
type Event struct {
	ID        string
	FrameID   string
	Shard     int
	Seq       uint64
	Type      EventType
	Payload   map[string]interface{}
	Timestamp time.Time
}

// Store is the in-memory-backed event log. A persistence adapter (C11) may
// sit underneath it; Store itself owns shard sequencing and ordering, which
// is the part of the contract the spec requires regardless of backend.
type Store struct {
	seq *clockid.ShardSequencer

	mu     sync.RWMutex
	shards []shardLog

	bufferSize int
	sem        chan struct{} // producer-side back-pressure token bucket
}

type shardLog struct {
	mu     sync.Mutex
	events []Event // append-only, ordered by Seq within this shard
}

// New creates an event log with shardCount shards and a bounded producer
// buffer (back-pressure per spec.md §5; default 10000).
func New(shardCount, bufferSize int) *Store {
	if bufferSize <= 0 {
		bufferSize = 10000
	}
	s := &Store{
		seq:        clockid.NewShardSequencer(shardCount),
		shards:     make([]shardLog, shardCount),
		bufferSize: bufferSize,
		sem:        make(chan struct{}, bufferSize),
	}
	return s
}

// Append adds an event to the frame's shard log, blocking if the producer
// buffer is full until a slot drains (back-pressure, not loss).
func (s *Store) Append(ctx context.Context, frameID string, eventType EventType, payload map[string]interface{}) (*Event, error) {
	if !ValidEventType(eventType) {
		return nil, stackerr.New(stackerr.InvalidArgument, "unrecognized event type %q", eventType)
	}

	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, stackerr.Wrap(stackerr.Cancelled, ctx.Err(), "append blocked on producer buffer")
	}
	defer func() { <-s.sem }()

	shard := s.seq.ShardFor(frameID)
	sn := s.seq.Next(shard)

	ev := Event{
		ID:        clockid.NewID("event"),
		FrameID:   frameID,
		Shard:     shard,
		Seq:       sn,
		Type:      eventType,
		Payload:   payload,
		Timestamp: time.Now(),
	}

	sl := &s.shards[shard]
	sl.mu.Lock()
	sl.events = append(sl.events, ev)
	sl.mu.Unlock()

	logging.Get(logging.CategoryEventLog).Debug("appended %s event %s to frame %s shard %d seq %d", eventType, ev.ID, frameID, shard, sn)
	return &ev, nil
}

// Range returns events for frameID with seq > fromSeq, in ascending
// per-frame order, limited to `limit` results (0 means unlimited). Since
// a single frame always hashes to a single shard, this is a direct scan
// of that shard filtered by frame id — already ordered by Seq.
func (s *Store) Range(frameID string, fromSeq uint64, limit int) []Event {
	shard := s.seq.ShardFor(frameID)
	sl := &s.shards[shard]

	sl.mu.Lock()
	snapshot := make([]Event, len(sl.events))
	copy(snapshot, sl.events)
	sl.mu.Unlock()

	var out []Event
	for _, ev := range snapshot {
		if ev.FrameID != frameID || ev.Seq <= fromSeq {
			continue
		}
		out = append(out, ev)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// Tail returns the n most recent events for frameID in per-frame order
// (oldest to newest of the tail window). Unknown frames return an empty
// slice, not an error.
func (s *Store) Tail(frameID string, n int) []Event {
	shard := s.seq.ShardFor(frameID)
	sl := &s.shards[shard]

	sl.mu.Lock()
	defer sl.mu.Unlock()

	var matched []Event
	for _, ev := range sl.events {
		if ev.FrameID == frameID {
			matched = append(matched, ev)
		}
	}
	if n <= 0 || n >= len(matched) {
		return matched
	}
	return matched[len(matched)-n:]
}

// heapItem and mergeHeap implement a K-way ordered merge across shards by
// (seq, shard), used by AllOrdered when a caller needs a cross-frame,
// cross-shard total order (e.g. trace detection scanning the whole log).
type heapItem struct {
	ev      Event
	srcIdx  int // index into the source slice this item came from
	elemIdx int // index within that source slice
}

type mergeHeap []heapItem

func (h mergeHeap) Len() int { return len(h) }
func (h mergeHeap) Less(i, j int) bool {
	if h[i].ev.Seq != h[j].ev.Seq {
		return h[i].ev.Seq < h[j].ev.Seq
	}
	return h[i].ev.Shard < h[j].ev.Shard
}
func (h mergeHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *mergeHeap) Push(x interface{}) { *h = append(*h, x.(heapItem)) }
func (h *mergeHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// AllOrdered performs a K-way merge of every shard's events in (seq, shard)
// order, snapshotting each shard under its own lock before merging so the
// result reflects a single point in time per shard.
func (s *Store) AllOrdered() []Event {
	sources := make([][]Event, len(s.shards))
	for i := range s.shards {
		sl := &s.shards[i]
		sl.mu.Lock()
		snap := make([]Event, len(sl.events))
		copy(snap, sl.events)
		sl.mu.Unlock()
		sources[i] = snap
	}

	h := &mergeHeap{}
	heap.Init(h)
	for srcIdx, src := range sources {
		if len(src) > 0 {
			heap.Push(h, heapItem{ev: src[0], srcIdx: srcIdx, elemIdx: 0})
		}
	}

	var out []Event
	for h.Len() > 0 {
		item := heap.Pop(h).(heapItem)
		out = append(out, item.ev)
		next := item.elemIdx + 1
		if next < len(sources[item.srcIdx]) {
			heap.Push(h, heapItem{ev: sources[item.srcIdx][next], srcIdx: item.srcIdx, elemIdx: next})
		}
	}
	return out
}

// Tombstone bulk-deletes every event for frameID. Only called during frame
// tombstoning (explicit abandonment), never for ordinary lifecycle closes.
func (s *Store) Tombstone(frameID string) int {
	shard := s.seq.ShardFor(frameID)
	sl := &s.shards[shard]

	sl.mu.Lock()
	defer sl.mu.Unlock()

	kept := sl.events[:0]
	removed := 0
	for _, ev := range sl.events {
		if ev.FrameID == frameID {
			removed++
			continue
		}
		kept = append(kept, ev)
	}
	sl.events = kept
	return removed
}

// ShardCount returns the number of shards backing this log.
func (s *Store) ShardCount() int {
	return s.seq.ShardCount()
}
