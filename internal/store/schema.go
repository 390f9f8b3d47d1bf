package store

// Schema creates every table the coordinator persists to. Record bodies are
// JSON documents; the extra columns exist for filtering and ordering only.
const Schema = `
CREATE TABLE IF NOT EXISTS agents (
	id TEXT PRIMARY KEY,
	state TEXT NOT NULL DEFAULT '',
	data TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_agents_state ON agents(state);

CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	state TEXT NOT NULL DEFAULT '',
	data TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_state ON tasks(state);

CREATE TABLE IF NOT EXISTS conflicts (
	id TEXT PRIMARY KEY,
	state TEXT NOT NULL DEFAULT '',
	data TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_conflicts_state ON conflicts(state);

CREATE TABLE IF NOT EXISTS decisions (
	id TEXT PRIMARY KEY,
	state TEXT NOT NULL DEFAULT '',
	data TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS escalations (
	id TEXT PRIMARY KEY,
	state TEXT NOT NULL DEFAULT '',
	data TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_escalations_state ON escalations(state);

CREATE TABLE IF NOT EXISTS knowledge_items (
	id TEXT PRIMARY KEY,
	lineage_id TEXT NOT NULL,
	topic TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'active',
	version INTEGER NOT NULL DEFAULT 1,
	embedding BLOB,
	data TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_knowledge_lineage ON knowledge_items(lineage_id, version);
CREATE INDEX IF NOT EXISTS idx_knowledge_topic ON knowledge_items(topic);

CREATE TABLE IF NOT EXISTS feedback (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	decision_id TEXT NOT NULL,
	outcome TEXT NOT NULL DEFAULT '',
	quality REAL NOT NULL DEFAULT 0,
	data TEXT NOT NULL DEFAULT '{}',
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_feedback_decision ON feedback(decision_id);

CREATE TABLE IF NOT EXISTS learning_weights (
	version INTEGER PRIMARY KEY,
	data TEXT NOT NULL,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS events (
	id TEXT PRIMARY KEY,
	event_type TEXT NOT NULL,
	entity_id TEXT NOT NULL DEFAULT '',
	payload TEXT NOT NULL DEFAULT '{}',
	timestamp TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_entity ON events(entity_id);
CREATE INDEX IF NOT EXISTS idx_events_type ON events(event_type);

CREATE TABLE IF NOT EXISTS settings (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`
