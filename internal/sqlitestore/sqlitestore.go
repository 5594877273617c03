// Package sqlitestore is the durable persistence adapter (C11): it mirrors
// the in-memory frame/event/anchor/trace stores onto a SQLite database via
// modernc.org/sqlite, using a vec0-compatible virtual table (vec_compat.go)
// for digest embedding lookups.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/stackmemoryai/stackmemory-sub002/internal/anchorindex"
	"github.com/stackmemoryai/stackmemory-sub002/internal/eventlog"
	"github.com/stackmemoryai/stackmemory-sub002/internal/framestore"
	"github.com/stackmemoryai/stackmemory-sub002/internal/logging"
	"github.com/stackmemoryai/stackmemory-sub002/internal/stackerr"
	"github.com/stackmemoryai/stackmemory-sub002/internal/tracedetect"
)

// Store is a SQLite-backed persistence adapter for the runtime's entities.
// It does not replace the in-memory stores — callers rehydrate those from
// Store at boot and persist deltas to it as they're produced.
type Store struct {
	db     *sql.DB
	path   string
	vecExt bool
}

// Open creates (or reuses) a SQLite database at path, applies schema, and
// detects vec0 compat availability.
func Open(path string) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryPersistence, "Open")
	defer timer.Stop()

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, stackerr.Wrap(stackerr.Internal, err, "sqlitestore: create dir")
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, stackerr.Wrap(stackerr.StorageUnavailable, err, "sqlitestore: open")
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			logging.Get(logging.CategoryPersistence).Warn("pragma failed: %s: %v", pragma, err)
		}
	}

	s := &Store{db: db, path: path}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	s.detectVecExt()
	logging.Get(logging.CategoryPersistence).Info("sqlitestore opened at %s (vec0 compat=%v)", path, s.vecExt)
	return s, nil
}

func (s *Store) initSchema() error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.Exec(stmt); err != nil {
			return stackerr.Wrap(stackerr.Internal, err, "sqlitestore: schema init")
		}
	}
	if _, err := s.db.Exec(digestVectorsDDL); err != nil {
		logging.Get(logging.CategoryPersistence).Warn("digest_vectors virtual table unavailable: %v", err)
	}
	_, err := s.db.Exec(`INSERT INTO schema_meta(key, value) VALUES('version', ?)
		ON CONFLICT(key) DO UPDATE SET value=excluded.value`, fmt.Sprintf("%d", schemaVersion))
	if err != nil {
		return stackerr.Wrap(stackerr.Internal, err, "sqlitestore: record schema version")
	}
	return nil
}

func (s *Store) detectVecExt() {
	if _, err := s.db.Exec("INSERT INTO digest_vectors(embedding, frame_id, kind) VALUES (?, ?, ?)",
		EncodeEmbedding([]float32{0, 0, 0, 0}), "__probe__", "probe"); err == nil {
		s.vecExt = true
		_, _ = s.db.Exec("DELETE FROM digest_vectors WHERE frame_id = '__probe__'")
	}
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying connection for callers that need direct SQL
// access (migrations, diagnostics).
func (s *Store) DB() *sql.DB { return s.db }

// SaveFrame upserts a frame record.
func (s *Store) SaveFrame(ctx context.Context, f *framestore.Frame) error {
	inputs, err := json.Marshal(f.Inputs)
	if err != nil {
		return stackerr.Wrap(stackerr.Internal, err, "sqlitestore: marshal inputs")
	}
	outputs, err := json.Marshal(f.Outputs)
	if err != nil {
		return stackerr.Wrap(stackerr.Internal, err, "sqlitestore: marshal outputs")
	}
	var digestJSON []byte
	if f.Digest != nil {
		digestJSON, err = json.Marshal(f.Digest)
		if err != nil {
			return stackerr.Wrap(stackerr.Internal, err, "sqlitestore: marshal digest")
		}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO frames(id, run_id, parent_id, depth, type, name, state, inputs, outputs, digest, created_at, closed_at, last_event_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state=excluded.state, outputs=excluded.outputs, digest=excluded.digest,
			closed_at=excluded.closed_at, last_event_at=excluded.last_event_at`,
		f.ID, f.RunID, nullableString(f.ParentID), f.Depth, string(f.Type), f.Name, string(f.State),
		string(inputs), string(outputs), nullableBytes(digestJSON), f.CreatedAt, nullableTime(f.ClosedAt), f.LastEventAt)
	if err != nil {
		return stackerr.Wrap(stackerr.StorageUnavailable, err, "sqlitestore: save frame")
	}

	if f.Digest != nil && len(f.Digest.Embedding) > 0 && s.vecExt {
		// Re-saving a frame (e.g. after ReembedDigests backfills its embedding)
		// must not leave the frame's stale vector behind alongside the fresh
		// one, or NearestDigests would return duplicate/stale hits for the
		// same frame id.
		_, _ = s.db.ExecContext(ctx, `DELETE FROM digest_vectors WHERE frame_id = ? AND kind = 'digest'`, f.ID)
		_, err = s.db.ExecContext(ctx, `INSERT INTO digest_vectors(embedding, frame_id, kind) VALUES (?, ?, 'digest')`,
			EncodeEmbedding(f.Digest.Embedding), f.ID)
		if err != nil {
			logging.Get(logging.CategoryPersistence).Warn("failed to index digest embedding for frame %s: %v", f.ID, err)
		}
	}
	return nil
}

// LoadFrames returns every persisted frame for a run, in creation order.
func (s *Store) LoadFrames(ctx context.Context, runID string) ([]*framestore.Frame, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, parent_id, depth, type, name, state, inputs, outputs, digest, created_at, closed_at, last_event_at
		FROM frames WHERE run_id = ? ORDER BY created_at ASC`, runID)
	if err != nil {
		return nil, stackerr.Wrap(stackerr.StorageUnavailable, err, "sqlitestore: load frames")
	}
	defer rows.Close()

	var out []*framestore.Frame
	for rows.Next() {
		f := &framestore.Frame{}
		var parentID sql.NullString
		var inputsJSON, outputsJSON string
		var digestJSON sql.NullString
		var closedAt sql.NullTime
		var ftype, state string

		if err := rows.Scan(&f.ID, &f.RunID, &parentID, &f.Depth, &ftype, &f.Name, &state,
			&inputsJSON, &outputsJSON, &digestJSON, &f.CreatedAt, &closedAt, &f.LastEventAt); err != nil {
			return nil, stackerr.Wrap(stackerr.Internal, err, "sqlitestore: scan frame")
		}
		f.Type = framestore.FrameType(ftype)
		f.State = framestore.State(state)
		if parentID.Valid {
			f.ParentID = parentID.String
		}
		if closedAt.Valid {
			f.ClosedAt = closedAt.Time
		}
		_ = json.Unmarshal([]byte(inputsJSON), &f.Inputs)
		_ = json.Unmarshal([]byte(outputsJSON), &f.Outputs)
		if digestJSON.Valid {
			var d framestore.Digest
			if err := json.Unmarshal([]byte(digestJSON.String), &d); err == nil {
				f.Digest = &d
			}
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// AppendEvents persists a batch of events transactionally.
func (s *Store) AppendEvents(ctx context.Context, events []eventlog.Event) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return stackerr.Wrap(stackerr.StorageUnavailable, err, "sqlitestore: begin tx")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO events(id, frame_id, shard, seq, type, payload, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(shard, seq) DO NOTHING`)
	if err != nil {
		return stackerr.Wrap(stackerr.Internal, err, "sqlitestore: prepare event insert")
	}
	defer stmt.Close()

	for _, ev := range events {
		payload, err := json.Marshal(ev.Payload)
		if err != nil {
			return stackerr.Wrap(stackerr.Internal, err, "sqlitestore: marshal event payload")
		}
		if _, err := stmt.ExecContext(ctx, ev.ID, ev.FrameID, ev.Shard, ev.Seq, string(ev.Type), string(payload), ev.Timestamp); err != nil {
			return stackerr.Wrap(stackerr.StorageUnavailable, err, "sqlitestore: insert event")
		}
	}
	if err := tx.Commit(); err != nil {
		return stackerr.Wrap(stackerr.StorageUnavailable, err, "sqlitestore: commit events")
	}
	return nil
}

// LoadEventsOrdered returns every persisted event across all frames in
// (seq, shard) order, matching the in-memory eventlog's AllOrdered merge.
func (s *Store) LoadEventsOrdered(ctx context.Context) ([]eventlog.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, frame_id, shard, seq, type, payload, timestamp FROM events ORDER BY seq ASC, shard ASC`)
	if err != nil {
		return nil, stackerr.Wrap(stackerr.StorageUnavailable, err, "sqlitestore: load events")
	}
	defer rows.Close()

	var out []eventlog.Event
	for rows.Next() {
		var ev eventlog.Event
		var etype, payload string
		if err := rows.Scan(&ev.ID, &ev.FrameID, &ev.Shard, &ev.Seq, &etype, &payload, &ev.Timestamp); err != nil {
			return nil, stackerr.Wrap(stackerr.Internal, err, "sqlitestore: scan event")
		}
		ev.Type = eventlog.EventType(etype)
		_ = json.Unmarshal([]byte(payload), &ev.Payload)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// SaveAnchor upserts an anchor record.
func (s *Store) SaveAnchor(ctx context.Context, a *anchorindex.Anchor) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO anchors(id, frame_id, type, text, priority, supersedes, created_at, last_accessed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET text=excluded.text, priority=excluded.priority`,
		a.ID, a.FrameID, string(a.Type), a.Text, a.Priority, nullableString(a.Supersedes), a.CreatedAt, a.CreatedAt)
	if err != nil {
		return stackerr.Wrap(stackerr.StorageUnavailable, err, "sqlitestore: save anchor")
	}
	return nil
}

// LoadAnchors returns every persisted, non-archived anchor for a frame.
func (s *Store) LoadAnchors(ctx context.Context, frameID string) ([]*anchorindex.Anchor, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, frame_id, type, text, priority, supersedes, created_at
		FROM anchors WHERE frame_id = ? AND archived = 0 ORDER BY created_at ASC`, frameID)
	if err != nil {
		return nil, stackerr.Wrap(stackerr.StorageUnavailable, err, "sqlitestore: load anchors")
	}
	defer rows.Close()

	var out []*anchorindex.Anchor
	for rows.Next() {
		a := &anchorindex.Anchor{}
		var atype string
		var supersedes sql.NullString
		if err := rows.Scan(&a.ID, &a.FrameID, &atype, &a.Text, &a.Priority, &supersedes, &a.CreatedAt); err != nil {
			return nil, stackerr.Wrap(stackerr.Internal, err, "sqlitestore: scan anchor")
		}
		a.Type = anchorindex.Type(atype)
		if supersedes.Valid {
			a.Supersedes = supersedes.String
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// RecordAnchorAccess bumps an anchor's access counter and last-accessed
// timestamp, called whenever an anchor surfaces in an assembled bundle.
// Anchors that are never accessed are the ones MaintenanceCleanup archives.
func (s *Store) RecordAnchorAccess(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE anchors SET access_count = access_count + 1, last_accessed_at = ? WHERE id = ?`, at, id)
	if err != nil {
		return stackerr.Wrap(stackerr.StorageUnavailable, err, "sqlitestore: record anchor access")
	}
	return nil
}

// MaintenanceCleanup archives anchors created before olderThan that have
// never been accessed (access_count = 0), moving them out of LoadAnchors'
// default view without deleting them. Returns the number archived.
func (s *Store) MaintenanceCleanup(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE anchors SET archived = 1 WHERE archived = 0 AND access_count = 0 AND created_at < ?`, olderThan)
	if err != nil {
		return 0, stackerr.Wrap(stackerr.StorageUnavailable, err, "sqlitestore: maintenance cleanup")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, stackerr.Wrap(stackerr.Internal, err, "sqlitestore: maintenance cleanup rows affected")
	}
	return n, nil
}

// RestoreArchivedAnchor moves a single anchor back out of the archived
// tier, resetting its access counter so it isn't immediately re-archived
// by the next MaintenanceCleanup pass.
func (s *Store) RestoreArchivedAnchor(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE anchors SET archived = 0, access_count = 0 WHERE id = ?`, id)
	if err != nil {
		return stackerr.Wrap(stackerr.StorageUnavailable, err, "sqlitestore: restore archived anchor")
	}
	return nil
}

// Stats reports per-table row counts for operability.
type Stats struct {
	Runs            int64
	Frames          int64
	Events          int64
	Anchors         int64
	ArchivedAnchors int64
	Traces          int64
}

// GetStats returns row counts across every table, for CLI/operator
// introspection.
func (s *Store) GetStats(ctx context.Context) (Stats, error) {
	var st Stats
	queries := []struct {
		dest  *int64
		query string
	}{
		{&st.Runs, `SELECT COUNT(*) FROM runs`},
		{&st.Frames, `SELECT COUNT(*) FROM frames`},
		{&st.Events, `SELECT COUNT(*) FROM events`},
		{&st.Anchors, `SELECT COUNT(*) FROM anchors WHERE archived = 0`},
		{&st.ArchivedAnchors, `SELECT COUNT(*) FROM anchors WHERE archived = 1`},
		{&st.Traces, `SELECT COUNT(*) FROM traces`},
	}
	for _, q := range queries {
		if err := s.db.QueryRowContext(ctx, q.query).Scan(q.dest); err != nil {
			return Stats{}, stackerr.Wrap(stackerr.StorageUnavailable, err, "sqlitestore: get stats")
		}
	}
	return st, nil
}

// SaveTrace upserts a closed trace record.
func (s *Store) SaveTrace(ctx context.Context, t *tracedetect.Trace) error {
	eventIDs, err := json.Marshal(t.EventIDs)
	if err != nil {
		return stackerr.Wrap(stackerr.Internal, err, "sqlitestore: marshal trace event ids")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO traces(id, type, started_at, ended_at, event_ids, importance, summary, descriptor_hash, closed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET event_ids=excluded.event_ids, summary=excluded.summary`,
		t.ID, string(t.Type), t.StartedAt, t.EndedAt, string(eventIDs), t.Importance, t.Summary, t.DescriptorHash, t.Closed)
	if err != nil {
		return stackerr.Wrap(stackerr.StorageUnavailable, err, "sqlitestore: save trace")
	}
	return nil
}

// LoadTraces returns every persisted trace ordered by closure time.
func (s *Store) LoadTraces(ctx context.Context) ([]tracedetect.Trace, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, started_at, ended_at, event_ids, importance, summary, descriptor_hash, closed
		FROM traces ORDER BY ended_at ASC`)
	if err != nil {
		return nil, stackerr.Wrap(stackerr.StorageUnavailable, err, "sqlitestore: load traces")
	}
	defer rows.Close()

	var out []tracedetect.Trace
	for rows.Next() {
		var t tracedetect.Trace
		var ttype, eventIDs string
		var summary sql.NullString
		if err := rows.Scan(&t.ID, &ttype, &t.StartedAt, &t.EndedAt, &eventIDs, &t.Importance, &summary, &t.DescriptorHash, &t.Closed); err != nil {
			return nil, stackerr.Wrap(stackerr.Internal, err, "sqlitestore: scan trace")
		}
		t.Type = tracedetect.Type(ttype)
		if summary.Valid {
			t.Summary = summary.String
		}
		_ = json.Unmarshal([]byte(eventIDs), &t.EventIDs)
		out = append(out, t)
	}
	return out, rows.Err()
}

// NearestDigests returns up to k frame ids whose indexed digest embedding is
// closest (cosine) to query, using the vec0 compat table when available.
// Returns an empty slice, not an error, when vec0 compat is unavailable —
// callers fall back to the in-memory embedding engine's FindTopK.
func (s *Store) NearestDigests(ctx context.Context, query []float32, k int) ([]string, error) {
	if !s.vecExt {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT frame_id, vector_distance_cos(embedding, ?) AS dist
		FROM digest_vectors WHERE kind = 'digest'
		ORDER BY dist ASC LIMIT ?`, EncodeEmbedding(query), k)
	if err != nil {
		return nil, stackerr.Wrap(stackerr.StorageUnavailable, err, "sqlitestore: nearest digests")
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var frameID string
		var dist float64
		if err := rows.Scan(&frameID, &dist); err != nil {
			return nil, stackerr.Wrap(stackerr.Internal, err, "sqlitestore: scan nearest digest")
		}
		out = append(out, frameID)
	}
	return out, rows.Err()
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullableBytes(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func nullableTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}
