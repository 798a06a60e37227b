package sqlite

const schemaSQL = `
-- Users (multi-tenant accounts)
CREATE TABLE IF NOT EXISTS users (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	username TEXT NOT NULL UNIQUE,
	email TEXT NOT NULL UNIQUE,
	hashed_password TEXT NOT NULL,
	language TEXT DEFAULT 'fr',
	timezone TEXT DEFAULT 'Europe/Paris',
	role TEXT DEFAULT 'user' CHECK (role IN ('admin', 'user')),
	active INTEGER DEFAULT 1,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

-- Automations (unit of configuration binding sources and exports)
CREATE TABLE IF NOT EXISTS automations (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	name TEXT NOT NULL,
	description TEXT,
	schedule TEXT,
	from_date_rule TEXT,
	active INTEGER DEFAULT 1,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	UNIQUE (user_id, name)
);
CREATE INDEX IF NOT EXISTS idx_automations_user ON automations(user_id);

-- Sources (provider-fetch definitions)
CREATE TABLE IF NOT EXISTS sources (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	automation_id INTEGER NOT NULL REFERENCES automations(id) ON DELETE CASCADE,
	name TEXT NOT NULL,
	type TEXT NOT NULL CHECK (type IN ('FreeInvoice', 'FreeMobileInvoice', 'Mailbox')),
	email_sender_from TEXT,
	email_subject_contains TEXT,
	extraction_params TEXT,
	max_results INTEGER DEFAULT 30,
	active INTEGER DEFAULT 1,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sources_automation ON sources(automation_id);

-- Exports (delivery-target definitions)
CREATE TABLE IF NOT EXISTS exports (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	automation_id INTEGER NOT NULL REFERENCES automations(id) ON DELETE CASCADE,
	name TEXT NOT NULL,
	type TEXT NOT NULL CHECK (type IN ('Paheko', 'LocalStorage', 'GoogleDrive')),
	configuration TEXT NOT NULL,
	active INTEGER DEFAULT 1,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_exports_automation ON exports(automation_id);

-- Source -> export routing
CREATE TABLE IF NOT EXISTS source_export_mappings (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	source_id INTEGER NOT NULL REFERENCES sources(id) ON DELETE CASCADE,
	export_id INTEGER NOT NULL REFERENCES exports(id) ON DELETE CASCADE,
	priority INTEGER DEFAULT 1,
	conditions TEXT,
	created_at INTEGER NOT NULL,
	UNIQUE (source_id, export_id)
);
CREATE INDEX IF NOT EXISTS idx_mappings_source ON source_export_mappings(source_id);
CREATE INDEX IF NOT EXISTS idx_mappings_export ON source_export_mappings(export_id);

-- Jobs (one run of an automation)
CREATE TABLE IF NOT EXISTS jobs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	automation_id INTEGER NOT NULL REFERENCES automations(id) ON DELETE CASCADE,
	status TEXT NOT NULL DEFAULT 'pending'
		CHECK (status IN ('pending', 'running', 'completed', 'failed', 'cancelled')),
	from_date TEXT,
	max_results INTEGER,
	started_at INTEGER,
	completed_at INTEGER,
	error_message TEXT,
	stats TEXT,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_automation ON jobs(automation_id);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);

-- Export audit trail (append-only, one row per handler invocation)
CREATE TABLE IF NOT EXISTS export_history (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id INTEGER NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
	export_id INTEGER REFERENCES exports(id) ON DELETE SET NULL,
	export_type TEXT NOT NULL,
	status TEXT NOT NULL CHECK (status IN ('success', 'failed', 'duplicate_skipped')),
	exported_at INTEGER NOT NULL,
	external_reference TEXT,
	error_message TEXT,
	context TEXT
);
CREATE INDEX IF NOT EXISTS idx_export_history_job ON export_history(job_id);
CREATE INDEX IF NOT EXISTS idx_export_history_export ON export_history(export_id);
CREATE INDEX IF NOT EXISTS idx_export_history_status ON export_history(status);

-- Audit log (append-only)
CREATE TABLE IF NOT EXISTS audit_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id INTEGER REFERENCES users(id) ON DELETE SET NULL,
	action TEXT NOT NULL,
	resource_type TEXT,
	resource_id INTEGER,
	timestamp INTEGER NOT NULL,
	ip_address TEXT,
	user_agent TEXT,
	details TEXT
);
CREATE INDEX IF NOT EXISTS idx_audit_log_user ON audit_log(user_id);
CREATE INDEX IF NOT EXISTS idx_audit_log_timestamp ON audit_log(timestamp);
CREATE INDEX IF NOT EXISTS idx_audit_log_resource ON audit_log(resource_type, resource_id);
`
