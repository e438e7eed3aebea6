package sqlstore

// schema is shared by every dialect. {{serial}} is replaced by Dialect.Serial.
// Each table carries seq so listings can fall back to insertion order.
const schema = `
-- Stage graph nodes, key unique per site (case-sensitive)
CREATE TABLE IF NOT EXISTS stages (
	seq                      {{serial}},
	id                       TEXT NOT NULL UNIQUE,
	site_id                  TEXT NOT NULL,
	stage_key                TEXT NOT NULL,
	display_name             TEXT NOT NULL,
	sequence_order           INTEGER NOT NULL,
	is_terminal              BOOLEAN NOT NULL,
	requires_harvest_metrics BOOLEAN NOT NULL,
	created_at               TEXT NOT NULL,
	UNIQUE (site_id, stage_key)
);

-- Directed edges, at most one per (from, to) pair
CREATE TABLE IF NOT EXISTS transitions (
	seq               {{serial}},
	id                TEXT NOT NULL UNIQUE,
	site_id           TEXT NOT NULL,
	from_stage_id     TEXT NOT NULL,
	to_stage_id       TEXT NOT NULL,
	auto_advance      BOOLEAN NOT NULL,
	requires_approval BOOLEAN NOT NULL,
	approval_role     TEXT NOT NULL,
	created_at        TEXT NOT NULL,
	UNIQUE (site_id, from_stage_id, to_stage_id)
);

-- Batches. harvest_dates and metadata are JSON text.
CREATE TABLE IF NOT EXISTS batches (
	seq                 {{serial}},
	id                  TEXT NOT NULL UNIQUE,
	site_id             TEXT NOT NULL,
	strain_id           TEXT NOT NULL,
	code                TEXT NOT NULL,
	name                TEXT NOT NULL,
	batch_type          TEXT NOT NULL,
	source_type         TEXT NOT NULL,
	parent_batch_id     TEXT,
	generation          INTEGER NOT NULL,
	plant_count         INTEGER NOT NULL,
	target_plant_count  INTEGER NOT NULL,
	current_stage_id    TEXT NOT NULL,
	stage_started_at    TEXT NOT NULL,
	harvest_dates       TEXT NOT NULL,
	wet_weight_grams    TEXT,
	dry_weight_grams    TEXT,
	waste_weight_grams  TEXT,
	harvest_recorded_by TEXT,
	harvest_recorded_at TEXT,
	location            TEXT NOT NULL,
	status              TEXT NOT NULL,
	metadata            TEXT NOT NULL,
	created_at          TEXT NOT NULL,
	created_by          TEXT NOT NULL,
	updated_at          TEXT NOT NULL,
	updated_by          TEXT NOT NULL,
	UNIQUE (site_id, code)
);

CREATE INDEX IF NOT EXISTS idx_batches_parent ON batches(site_id, parent_batch_id);

-- Append-only. No UPDATE or DELETE is ever issued against this table.
CREATE TABLE IF NOT EXISTS stage_history (
	seq           {{serial}},
	id            TEXT NOT NULL UNIQUE,
	batch_id      TEXT NOT NULL REFERENCES batches(id),
	from_stage_id TEXT,
	to_stage_id   TEXT NOT NULL,
	changed_by    TEXT NOT NULL,
	changed_at    TEXT NOT NULL,
	notes         TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_stage_history_batch ON stage_history(batch_id, changed_at);

CREATE TABLE IF NOT EXISTS batch_relationships (
	seq                     {{serial}},
	id                      TEXT NOT NULL UNIQUE,
	site_id                 TEXT NOT NULL,
	parent_batch_id         TEXT NOT NULL,
	child_batch_id          TEXT NOT NULL,
	relationship_type       TEXT NOT NULL,
	plant_count_transferred INTEGER,
	transfer_date           TEXT NOT NULL,
	notes                   TEXT NOT NULL,
	created_by              TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS mother_plants (
	seq                   {{serial}},
	id                    TEXT NOT NULL UNIQUE,
	site_id               TEXT NOT NULL,
	batch_id              TEXT NOT NULL REFERENCES batches(id),
	strain_id             TEXT NOT NULL,
	plant_tag             TEXT NOT NULL,
	status                TEXT NOT NULL,
	propagation_count     INTEGER NOT NULL,
	max_propagation_count INTEGER,
	last_propagation_date TEXT,
	created_at            TEXT NOT NULL,
	updated_at            TEXT NOT NULL,
	UNIQUE (site_id, plant_tag)
);

-- Append-only propagation ledger. Window sums are computed from it.
CREATE TABLE IF NOT EXISTS propagation_events (
	seq              {{serial}},
	id               TEXT NOT NULL UNIQUE,
	site_id          TEXT NOT NULL,
	mother_plant_id  TEXT NOT NULL,
	propagated_count INTEGER NOT NULL,
	recorded_on      TEXT NOT NULL,
	recorded_by      TEXT NOT NULL,
	notes            TEXT NOT NULL,
	override_id      TEXT,
	bypassed         BOOLEAN NOT NULL,
	created_at       TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_propagation_events_window ON propagation_events(site_id, recorded_on);

CREATE TABLE IF NOT EXISTS propagation_settings (
	site_id                    TEXT PRIMARY KEY,
	daily_limit                INTEGER,
	weekly_limit               INTEGER,
	mother_propagation_limit   INTEGER,
	requires_override_approval BOOLEAN NOT NULL,
	approver_role              TEXT NOT NULL,
	timezone                   TEXT NOT NULL,
	updated_at                 TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS override_requests (
	seq                {{serial}},
	id                 TEXT NOT NULL UNIQUE,
	site_id            TEXT NOT NULL,
	requested_by       TEXT NOT NULL,
	mother_plant_id    TEXT,
	batch_id           TEXT,
	requested_quantity INTEGER NOT NULL,
	reason             TEXT NOT NULL,
	status             TEXT NOT NULL,
	requested_on       TEXT NOT NULL,
	approved_by        TEXT,
	resolved_on        TEXT,
	decision_notes     TEXT NOT NULL,
	consumed_on        TEXT
);

CREATE INDEX IF NOT EXISTS idx_override_requests_status ON override_requests(site_id, status);
`
