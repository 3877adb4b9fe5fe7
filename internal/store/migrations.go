package store

// migration represents a single schema migration.
type migration struct {
	Version int
	Name    string
	SQL     string
}

// migrations is the ordered list of all schema migrations.
var migrations = []migration{
	{
		Version: 1,
		Name:    "create calls, transcript and actions",
		SQL: `
			CREATE TABLE calls (
				call_id        TEXT PRIMARY KEY,
				session_id     TEXT NOT NULL,
				tenant_id      TEXT NOT NULL,
				store_id       TEXT NOT NULL,
				did            TEXT NOT NULL DEFAULT '',
				caller_number  TEXT NOT NULL DEFAULT '',
				agent_ref      TEXT NOT NULL DEFAULT '',
				transport      TEXT NOT NULL DEFAULT '',
				status         TEXT NOT NULL,
				reason         TEXT NOT NULL DEFAULT '',
				created_at     TEXT NOT NULL,
				ended_at       TEXT NOT NULL,
				duration_ms    INTEGER NOT NULL DEFAULT 0,
				inbound_bytes  INTEGER NOT NULL DEFAULT 0,
				outbound_bytes INTEGER NOT NULL DEFAULT 0,
				fallback       TEXT
			);

			CREATE INDEX idx_calls_tenant ON calls (tenant_id, store_id);
			CREATE INDEX idx_calls_ended ON calls (ended_at);

			CREATE TABLE call_transcript (
				id         INTEGER PRIMARY KEY AUTOINCREMENT,
				call_id    TEXT NOT NULL REFERENCES calls(call_id) ON DELETE CASCADE,
				seq        INTEGER NOT NULL,
				role       TEXT NOT NULL,
				text       TEXT NOT NULL,
				timestamp  TEXT NOT NULL
			);

			CREATE INDEX idx_transcript_call ON call_transcript (call_id, seq);

			CREATE TABLE call_actions (
				id         INTEGER PRIMARY KEY AUTOINCREMENT,
				call_id    TEXT NOT NULL REFERENCES calls(call_id) ON DELETE CASCADE,
				seq        INTEGER NOT NULL,
				function   TEXT NOT NULL,
				args       TEXT NOT NULL,
				result     TEXT NOT NULL,
				failed     INTEGER NOT NULL DEFAULT 0,
				timestamp  TEXT NOT NULL
			);

			CREATE INDEX idx_actions_call ON call_actions (call_id, seq);
		`,
	},
	{
		Version: 2,
		Name:    "create transcript FTS5 index",
		SQL: `
			CREATE VIRTUAL TABLE transcript_fts USING fts5(
				text,
				role,
				content='call_transcript',
				content_rowid='id'
			);

			CREATE TRIGGER transcript_ai AFTER INSERT ON call_transcript BEGIN
				INSERT INTO transcript_fts(rowid, text, role)
				VALUES (new.id, new.text, new.role);
			END;

			CREATE TRIGGER transcript_ad AFTER DELETE ON call_transcript BEGIN
				INSERT INTO transcript_fts(transcript_fts, rowid, text, role)
				VALUES ('delete', old.id, old.text, old.role);
			END;
		`,
	},
}
