package backends

// migration is one versioned schema step with a script per dialect.
type migration struct {
	Version  int
	Name     string
	SQLite   string
	Postgres string
}

func (m migration) script(d Dialect) string {
	if d == DialectPostgres {
		return m.Postgres
	}
	return m.SQLite
}

var migrations = []migration{
	{Version: 1, Name: "bridge settings, entities and message log", SQLite: sqliteBridgeSchema, Postgres: postgresBridgeSchema},
	{Version: 2, Name: "credential store", SQLite: sqliteCredentialSchema, Postgres: postgresCredentialSchema},
}

// LatestVersion returns the highest known schema version.
func LatestVersion() int {
	return migrations[len(migrations)-1].Version
}

const sqliteBridgeSchema = `
-- Global automation settings (singleton row).
CREATE TABLE IF NOT EXISTS bridge_settings (
    id                  INTEGER PRIMARY KEY CHECK (id = 1),
    ignore_from_self    INTEGER NOT NULL DEFAULT 1,
    contacts_mode       TEXT NOT NULL DEFAULT 'allowlist',
    groups_default_rule TEXT NOT NULL DEFAULT 'disabled',
    reply_destination   TEXT NOT NULL DEFAULT 'sameChat',
    reply_prefix        TEXT NOT NULL DEFAULT '',
    updated_at          DATETIME DEFAULT CURRENT_TIMESTAMP
);
INSERT OR IGNORE INTO bridge_settings (id) VALUES (1);

-- Known contacts and groups.
CREATE TABLE IF NOT EXISTS entities (
    id           TEXT PRIMARY KEY,
    kind         TEXT NOT NULL CHECK (kind IN ('contact', 'group')),
    display_name TEXT NOT NULL DEFAULT '',
    created_at   DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- Per-entity automation overrides.
CREATE TABLE IF NOT EXISTS entity_rules (
    entity_id  TEXT PRIMARY KEY REFERENCES entities(id) ON DELETE CASCADE,
    rule       TEXT NOT NULL DEFAULT 'default',
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE VIEW IF NOT EXISTS entity_rules_view AS
SELECT e.id AS identifier,
       e.kind AS kind,
       e.display_name AS display_name,
       COALESCE(r.rule, 'default') AS rule
FROM entities e
LEFT JOIN entity_rules r ON r.entity_id = e.id;

-- Append-only audit trail.
CREATE TABLE IF NOT EXISTS message_logs (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    direction       TEXT NOT NULL CHECK (direction IN ('inbound', 'outbound')),
    chat_id         TEXT NOT NULL,
    sender_id       TEXT,
    message_id      TEXT,
    text            TEXT,
    automated       INTEGER NOT NULL DEFAULT 0,
    request_id      TEXT,
    response_status INTEGER,
    error_detail    TEXT,
    created_at      DATETIME DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_message_logs_chat ON message_logs(chat_id, created_at);
CREATE INDEX IF NOT EXISTS idx_message_logs_request ON message_logs(request_id);
`

const sqliteCredentialSchema = `
CREATE TABLE IF NOT EXISTS wa_credentials (
    instance_id TEXT PRIMARY KEY,
    data        TEXT NOT NULL,
    updated_at  DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS wa_keys (
    instance_id TEXT NOT NULL,
    category    TEXT NOT NULL,
    key_id      TEXT NOT NULL,
    value       TEXT NOT NULL,
    updated_at  DATETIME DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (instance_id, category, key_id)
);
`

const postgresBridgeSchema = `
CREATE TABLE IF NOT EXISTS bridge_settings (
    id                  INTEGER PRIMARY KEY CHECK (id = 1),
    ignore_from_self    BOOLEAN NOT NULL DEFAULT TRUE,
    contacts_mode       TEXT NOT NULL DEFAULT 'allowlist',
    groups_default_rule TEXT NOT NULL DEFAULT 'disabled',
    reply_destination   TEXT NOT NULL DEFAULT 'sameChat',
    reply_prefix        TEXT NOT NULL DEFAULT '',
    updated_at          TIMESTAMPTZ DEFAULT NOW()
);
INSERT INTO bridge_settings (id) VALUES (1) ON CONFLICT (id) DO NOTHING;

CREATE TABLE IF NOT EXISTS entities (
    id           TEXT PRIMARY KEY,
    kind         TEXT NOT NULL CHECK (kind IN ('contact', 'group')),
    display_name TEXT NOT NULL DEFAULT '',
    created_at   TIMESTAMPTZ DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS entity_rules (
    entity_id  TEXT PRIMARY KEY REFERENCES entities(id) ON DELETE CASCADE,
    rule       TEXT NOT NULL DEFAULT 'default',
    updated_at TIMESTAMPTZ DEFAULT NOW()
);

CREATE OR REPLACE VIEW entity_rules_view AS
SELECT e.id AS identifier,
       e.kind AS kind,
       e.display_name AS display_name,
       COALESCE(r.rule, 'default') AS rule
FROM entities e
LEFT JOIN entity_rules r ON r.entity_id = e.id;

CREATE TABLE IF NOT EXISTS message_logs (
    id              BIGSERIAL PRIMARY KEY,
    direction       TEXT NOT NULL CHECK (direction IN ('inbound', 'outbound')),
    chat_id         TEXT NOT NULL,
    sender_id       TEXT,
    message_id      TEXT,
    text            TEXT,
    automated       BOOLEAN NOT NULL DEFAULT FALSE,
    request_id      TEXT,
    response_status INTEGER,
    error_detail    TEXT,
    created_at      TIMESTAMPTZ DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_message_logs_chat ON message_logs(chat_id, created_at);
CREATE INDEX IF NOT EXISTS idx_message_logs_request ON message_logs(request_id);
`

const postgresCredentialSchema = `
CREATE TABLE IF NOT EXISTS wa_credentials (
    instance_id TEXT PRIMARY KEY,
    data        TEXT NOT NULL,
    updated_at  TIMESTAMPTZ DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS wa_keys (
    instance_id TEXT NOT NULL,
    category    TEXT NOT NULL,
    key_id      TEXT NOT NULL,
    value       TEXT NOT NULL,
    updated_at  TIMESTAMPTZ DEFAULT NOW(),
    PRIMARY KEY (instance_id, category, key_id)
);
`
