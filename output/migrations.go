package output

// migration holds a single schema migration with its target version and SQL.
type migration struct {
	version int
	sql     string
}

// migrations must be numbered sequentially from 1.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	started_at  DATETIME NOT NULL,
	finished_at DATETIME,
	messages    INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS messages (
	key          TEXT PRIMARY KEY,
	run_id       TEXT NOT NULL REFERENCES runs(id),
	source       TEXT NOT NULL,
	mailbox      TEXT NOT NULL DEFAULT '',
	uid          INTEGER NOT NULL DEFAULT 0,
	message_id   TEXT NOT NULL DEFAULT '',
	date         DATETIME,
	sender       TEXT NOT NULL DEFAULT '',
	recipient    TEXT NOT NULL DEFAULT '',
	subject      TEXT NOT NULL DEFAULT '',
	body         TEXT NOT NULL DEFAULT '',
	defects      INTEGER NOT NULL DEFAULT 0,
	skipped      TEXT NOT NULL DEFAULT '',
	extracted_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_message_id ON messages(message_id);

CREATE TABLE IF NOT EXISTS links (
	message_key TEXT NOT NULL REFERENCES messages(key) ON DELETE CASCADE,
	position    INTEGER NOT NULL,
	url         TEXT NOT NULL,
	host        TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (message_key, position)
);

CREATE INDEX IF NOT EXISTS idx_links_host ON links(host);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
}
