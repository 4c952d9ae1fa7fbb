package store

// SchemaVersion is the current store schema version.
const SchemaVersion = 1

// CreateOIDsTableSQL allocates object ids for containers and buckets.
const CreateOIDsTableSQL = `
CREATE TABLE IF NOT EXISTS oids (
    oid INTEGER PRIMARY KEY AUTOINCREMENT
);`

// CreateContainersTableSQL stores one header row per container.
// first_bucket is 0 for an empty container.
const CreateContainersTableSQL = `
CREATE TABLE IF NOT EXISTS containers (
    oid          INTEGER PRIMARY KEY,
    type_name    TEXT NOT NULL,
    serial       INTEGER NOT NULL,
    first_bucket INTEGER NOT NULL DEFAULT 0,
    length       INTEGER NOT NULL DEFAULT 0
);`

// CreateBucketsTableSQL stores leaf buckets as independently versioned
// objects. payload is snappy-compressed msgpack; checksum is murmur3 of
// the payload. next_oid is 0 for the last bucket of a chain.
const CreateBucketsTableSQL = `
CREATE TABLE IF NOT EXISTS buckets (
    oid           INTEGER PRIMARY KEY,
    container_oid INTEGER NOT NULL,
    serial        INTEGER NOT NULL,
    next_oid      INTEGER NOT NULL DEFAULT 0,
    checksum      INTEGER NOT NULL,
    payload       BLOB NOT NULL
);`

// CreateHoldersTableSQL stores the objects that own containers through
// named slots: catalogs, lexicons and indexes.
const CreateHoldersTableSQL = `
CREATE TABLE IF NOT EXISTS holders (
    holder_id  INTEGER PRIMARY KEY AUTOINCREMENT,
    site_id    TEXT NOT NULL,
    catalog_id TEXT NOT NULL,
    kind       TEXT NOT NULL CHECK (kind IN ('catalog', 'lexicon', 'index')),
    name       TEXT NOT NULL,
    UNIQUE (site_id, catalog_id, kind, name)
);`

// CreateSlotsTableSQL maps holder attributes to the containers they own.
const CreateSlotsTableSQL = `
CREATE TABLE IF NOT EXISTS slots (
    holder_id     INTEGER NOT NULL,
    name          TEXT NOT NULL,
    container_oid INTEGER NOT NULL,
    PRIMARY KEY (holder_id, name)
);`

// CreateRunsTableSQL records optimization runs.
const CreateRunsTableSQL = `
CREATE TABLE IF NOT EXISTS optimize_runs (
    run_id        TEXT PRIMARY KEY,
    filter        TEXT NOT NULL,
    started_at    INTEGER NOT NULL,
    finished_at   INTEGER NOT NULL,
    containers    INTEGER NOT NULL,
    swapped       INTEGER NOT NULL,
    buckets_saved INTEGER NOT NULL,
    status        TEXT NOT NULL
);`

// CreateSchemaVersionTableSQL tracks the schema version.
const CreateSchemaVersionTableSQL = `
CREATE TABLE IF NOT EXISTS schema_version (
    version INTEGER PRIMARY KEY
);`

// IndexSQL contains the secondary indexes.
var IndexSQL = []string{
	`CREATE INDEX IF NOT EXISTS idx_buckets_container ON buckets(container_oid);`,
	`CREATE INDEX IF NOT EXISTS idx_holders_site_catalog ON holders(site_id, catalog_id);`,
	`CREATE INDEX IF NOT EXISTS idx_slots_container ON slots(container_oid);`,
	`CREATE INDEX IF NOT EXISTS idx_runs_started ON optimize_runs(started_at);`,
}

// AllSchemaSQL returns all schema creation statements in order.
func AllSchemaSQL() []string {
	stmts := []string{
		CreateOIDsTableSQL,
		CreateContainersTableSQL,
		CreateBucketsTableSQL,
		CreateHoldersTableSQL,
		CreateSlotsTableSQL,
		CreateRunsTableSQL,
		CreateSchemaVersionTableSQL,
	}
	stmts = append(stmts, IndexSQL...)
	stmts = append(stmts, `INSERT OR IGNORE INTO schema_version (version) VALUES (1);`)
	return stmts
}
