// Package clockid generates the identifiers and per-shard sequence numbers
// the rest of the engine orders events by. IDs are opaque strings; callers
// must never parse structure out of them.
package clockid

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// NewID returns a fresh opaque identifier, prefixed for readability in logs
// (e.g. "frame_3f9a2b1c-4d5"). The prefix carries no semantic meaning to the
// engine itself.
func NewID(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, uuid.New().String()[:12])
}

// ContentHash returns a stable hex digest of the given content, used as the
// descriptor_hash for trace-event dedup and as a cache fingerprint input.
func ContentHash(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// ShardSequencer hands out strictly monotonic per-shard sequence numbers.
// Each shard has its own counter so writers to different shards never
// contend; the event log uses one sequencer per shard to satisfy the
// strict per-shard ordering invariant.
type ShardSequencer struct {
	mu       sync.Mutex
	counters []uint64
}

// NewShardSequencer creates a sequencer with the given number of shards.
// shardCount must be a positive power of two; the caller (config.Validate)
// is responsible for enforcing that.
func NewShardSequencer(shardCount int) *ShardSequencer {
	return &ShardSequencer{counters: make([]uint64, shardCount)}
}

// ShardCount returns the number of shards this sequencer manages.
func (s *ShardSequencer) ShardCount() int {
	return len(s.counters)
}

// ShardFor deterministically maps a key (typically a frame ID) to a shard
// index, so all events for one frame land on the same shard and preserve
// per-frame ordering within it.
func (s *ShardSequencer) ShardFor(key string) int {
	h := sha256.Sum256([]byte(key))
	idx := uint64(h[0])<<24 | uint64(h[1])<<16 | uint64(h[2])<<8 | uint64(h[3])
	return int(idx % uint64(len(s.counters)))
}

// Next returns the next sequence number for the given shard, starting at 1.
// Safe for concurrent use; one writer per run per spec still holds, but
// Next itself does not assume it.
func (s *ShardSequencer) Next(shard int) uint64 {
	return atomic.AddUint64(&s.counters[shard], 1)
}

// Observe advances a shard's counter to at least seq, used when restoring
// a sequencer from a persisted high-water mark on startup.
func (s *ShardSequencer) Observe(shard int, seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.counters[shard] < seq {
		s.counters[shard] = seq
	}
}

// Current returns a shard's current counter value without advancing it.
func (s *ShardSequencer) Current(shard int) uint64 {
	return atomic.LoadUint64(&s.counters[shard])
}
