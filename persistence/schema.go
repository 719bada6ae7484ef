package persistence

// Remote schema: eight tables, all timestamps INTEGER Unix seconds.
// history_user(request_id) is UNIQUE; history_global/history_machine are not.
//
// The local SQLite cache runs the same schema plus two local-only tables:
// sync_queue (outbound writes awaiting remote apply) and sync_state (the
// pull watermark). Both sides run these as "CREATE TABLE IF
// NOT EXISTS" migrations at open time, matching the teacher's
// config.EnsureDirs "create what's missing, don't fail if present" idiom.

const remoteSchema = `
CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	username TEXT UNIQUE NOT NULL,
	display_name TEXT,
	email TEXT,
	created_at INTEGER NOT NULL,
	active BOOLEAN NOT NULL DEFAULT true
);

CREATE TABLE IF NOT EXISTS machines (
	machine_id TEXT PRIMARY KEY,
	hostname TEXT NOT NULL,
	ip TEXT,
	os_info TEXT,
	first_seen INTEGER NOT NULL,
	last_seen INTEGER NOT NULL,
	total_commands INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	machine_id TEXT NOT NULL,
	user_id TEXT,
	started_at INTEGER NOT NULL,
	ended_at INTEGER,
	command_count INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS history_global (
	id TEXT PRIMARY KEY,
	command TEXT NOT NULL,
	response TEXT,
	user_id TEXT,
	machine_id TEXT NOT NULL,
	session_id TEXT,
	timestamp INTEGER NOT NULL,
	status TEXT NOT NULL,
	request_id TEXT NOT NULL,
	updated_at INTEGER,
	completed_at INTEGER,
	tokens_used INTEGER,
	execution_time_ms INTEGER,
	error_code TEXT,
	context TEXT
);
CREATE INDEX IF NOT EXISTS idx_history_global_timestamp ON history_global(timestamp);

CREATE TABLE IF NOT EXISTS history_user (
	id TEXT PRIMARY KEY,
	command TEXT NOT NULL,
	response TEXT,
	user_id TEXT NOT NULL,
	machine_id TEXT NOT NULL,
	session_id TEXT,
	timestamp INTEGER NOT NULL,
	status TEXT NOT NULL,
	request_id TEXT NOT NULL,
	updated_at INTEGER,
	completed_at INTEGER,
	tokens_used INTEGER,
	execution_time_ms INTEGER,
	error_code TEXT,
	context TEXT,
	UNIQUE(request_id)
);
CREATE INDEX IF NOT EXISTS idx_history_user_lookup ON history_user(user_id, timestamp);

CREATE TABLE IF NOT EXISTS history_machine (
	id TEXT PRIMARY KEY,
	command TEXT NOT NULL,
	response TEXT,
	user_id TEXT,
	machine_id TEXT NOT NULL,
	session_id TEXT,
	timestamp INTEGER NOT NULL,
	status TEXT NOT NULL,
	request_id TEXT NOT NULL,
	updated_at INTEGER,
	completed_at INTEGER,
	tokens_used INTEGER,
	execution_time_ms INTEGER,
	error_code TEXT,
	context TEXT
);
CREATE INDEX IF NOT EXISTS idx_history_machine_lookup ON history_machine(machine_id, timestamp);

CREATE TABLE IF NOT EXISTS conversation_summaries (
	-- user_id is '' (not NULL) for the anonymous/global conversation, so
	-- SQLite's NULL-is-distinct UNIQUE semantics don't defeat the upsert
	-- below on the (user_id, machine_id) primary key.
	user_id TEXT NOT NULL DEFAULT '',
	machine_id TEXT NOT NULL,
	summary TEXT NOT NULL,
	summarized_up_to_message_id TEXT NOT NULL,
	message_count INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (user_id, machine_id)
);

CREATE TABLE IF NOT EXISTS command_cache (
	hash TEXT PRIMARY KEY,
	command TEXT NOT NULL,
	output TEXT NOT NULL,
	machine_id TEXT,
	last_executed INTEGER NOT NULL,
	execution_count INTEGER NOT NULL DEFAULT 1,
	avg_execution_time_ms INTEGER NOT NULL DEFAULT 0
);
`

// localSchema additionally carries the outbound sync queue and the
// sync_state key/value table; the three
// history partitions and command_cache are otherwise identical to the
// remote side so rows can be copied across verbatim.
const localSchema = remoteSchema + `
CREATE TABLE IF NOT EXISTS sync_queue (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	record_id TEXT NOT NULL,
	partition TEXT NOT NULL,
	op TEXT NOT NULL,
	payload TEXT NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	next_attempt_at INTEGER NOT NULL DEFAULT 0,
	last_error TEXT,
	dead_letter BOOLEAN NOT NULL DEFAULT false
);
CREATE INDEX IF NOT EXISTS idx_sync_queue_pending ON sync_queue(dead_letter, next_attempt_at);

CREATE TABLE IF NOT EXISTS sync_state (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// partitionTable maps a logical partition name to its table, used by both
// Local and Remote.
func partitionTable(partition string) string {
	switch partition {
	case "user":
		return "history_user"
	case "machine":
		return "history_machine"
	default:
		return "history_global"
	}
}
