package state

const schemaSQL = `
CREATE TABLE IF NOT EXISTS history_items (
  id TEXT PRIMARY KEY,
  root_id TEXT,
  parent_id TEXT,
  mode TEXT,
  status TEXT NOT NULL,
  child_ids TEXT,
  awaiting_child_id TEXT,
  delegated_to_id TEXT,
  completed_by_child_id TEXT,
  completion_result TEXT,
  completion_result_summary TEXT,
  tokens_in INTEGER NOT NULL DEFAULT 0,
  tokens_out INTEGER NOT NULL DEFAULT 0,
  cost REAL NOT NULL DEFAULT 0,
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_history_items_parent ON history_items(parent_id);

CREATE TABLE IF NOT EXISTS message_logs (
  task_id TEXT NOT NULL,
  kind TEXT NOT NULL,
  payload TEXT NOT NULL,
  updated_at TEXT NOT NULL,
  PRIMARY KEY (task_id, kind)
);

CREATE TABLE IF NOT EXISTS events (
  id TEXT PRIMARY KEY,
  stream TEXT NOT NULL,
  task_id TEXT,
  subject TEXT,
  body TEXT NOT NULL,
  metadata TEXT,
  created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_stream_created ON events(stream, created_at);
`
