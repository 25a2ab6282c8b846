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
		Name:    "create channels",
		SQL: `
			CREATE TABLE channels (
				id          TEXT PRIMARY KEY,
				name        TEXT NOT NULL,
				type        TEXT NOT NULL,
				created_at  TEXT NOT NULL DEFAULT (datetime('now')),
				updated_at  TEXT NOT NULL DEFAULT (datetime('now'))
			);

			CREATE UNIQUE INDEX idx_channels_name ON channels (name);
			CREATE INDEX idx_channels_type ON channels (type);
		`,
	},
	{
		Version: 2,
		Name:    "add channel connection state",
		SQL: `
			ALTER TABLE channels ADD COLUMN state TEXT NOT NULL DEFAULT 'disconnected';
			ALTER TABLE channels ADD COLUMN connected INTEGER NOT NULL DEFAULT 0;
			ALTER TABLE channels ADD COLUMN last_error TEXT NOT NULL DEFAULT '';
			ALTER TABLE channels ADD COLUMN last_synced_at TEXT NOT NULL DEFAULT '';
		`,
	},
}
