package sqlitestore

const schemaVersion = 1

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		root_frame_id TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);`,

	`CREATE TABLE IF NOT EXISTS frames (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		parent_id TEXT,
		depth INTEGER NOT NULL,
		type TEXT NOT NULL,
		name TEXT NOT NULL,
		state TEXT NOT NULL,
		inputs TEXT,
		outputs TEXT,
		digest TEXT,
		created_at DATETIME NOT NULL,
		closed_at DATETIME,
		last_event_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_frames_run ON frames(run_id);
	CREATE INDEX IF NOT EXISTS idx_frames_parent ON frames(parent_id);
	CREATE INDEX IF NOT EXISTS idx_frames_state ON frames(state);
	`,

	`CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		frame_id TEXT NOT NULL,
		shard INTEGER NOT NULL,
		seq INTEGER NOT NULL,
		type TEXT NOT NULL,
		payload TEXT,
		timestamp DATETIME NOT NULL,
		UNIQUE(shard, seq)
	);
	CREATE INDEX IF NOT EXISTS idx_events_frame ON events(frame_id);
	CREATE INDEX IF NOT EXISTS idx_events_shard_seq ON events(shard, seq);
	`,

	`CREATE TABLE IF NOT EXISTS anchors (
		id TEXT PRIMARY KEY,
		frame_id TEXT NOT NULL,
		type TEXT NOT NULL,
		text TEXT NOT NULL,
		priority INTEGER NOT NULL,
		supersedes TEXT,
		created_at DATETIME NOT NULL,
		archived BOOLEAN NOT NULL DEFAULT 0,
		access_count INTEGER NOT NULL DEFAULT 0,
		last_accessed_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_anchors_frame ON anchors(frame_id);
	CREATE INDEX IF NOT EXISTS idx_anchors_type ON anchors(type);
	CREATE INDEX IF NOT EXISTS idx_anchors_archived ON anchors(archived);
	`,

	`CREATE TABLE IF NOT EXISTS traces (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		started_at DATETIME NOT NULL,
		ended_at DATETIME NOT NULL,
		event_ids TEXT NOT NULL,
		importance REAL NOT NULL,
		summary TEXT,
		descriptor_hash TEXT NOT NULL,
		closed BOOLEAN NOT NULL DEFAULT 1
	);
	CREATE INDEX IF NOT EXISTS idx_traces_descriptor ON traces(descriptor_hash);
	`,

	`CREATE TABLE IF NOT EXISTS schema_meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);`,
}

// digestVectorsDDL is applied separately from schemaStatements because the
// vec0 virtual table syntax ("USING vec0(...)") cannot be mixed with plain
// CREATE TABLE IF NOT EXISTS semantics the way modernc's driver parses
// multi-statement Exec batches; see initSchema.
const digestVectorsDDL = `CREATE VIRTUAL TABLE IF NOT EXISTS digest_vectors USING vec0(embedding, frame_id, kind);`
