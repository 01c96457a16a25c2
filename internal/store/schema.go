package store

// SQL schema constants for every durable table the pipeline owns.

const schemaCacheEntries = `
CREATE TABLE IF NOT EXISTS cache_entries (
    content_hash TEXT PRIMARY KEY,
    partition_key TEXT NOT NULL,
    result_blob BLOB NOT NULL,
    format_version INTEGER NOT NULL DEFAULT 1,
    validator_version INTEGER NOT NULL,
    created_at TEXT NOT NULL,
    last_verified_at TEXT NOT NULL,
    revocation_bit INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_cache_entries_partition ON cache_entries(partition_key);
CREATE INDEX IF NOT EXISTS idx_cache_entries_last_verified ON cache_entries(last_verified_at);
`

const schemaVectorFingerprints = `
CREATE TABLE IF NOT EXISTS vector_fingerprints (
    content_hash TEXT PRIMARY KEY,
    partition_key TEXT NOT NULL,
    embedding BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_vector_fingerprints_partition ON vector_fingerprints(partition_key);
`

const schemaCalibrationSamples = `
CREATE TABLE IF NOT EXISTS calibration_samples (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    partition_key TEXT NOT NULL,
    nonconformity_score REAL NOT NULL,
    label TEXT NOT NULL,
    timestamp TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_calibration_partition_time ON calibration_samples(partition_key, timestamp);
`

const schemaMigrations = `
CREATE TABLE IF NOT EXISTS migrations (
    version INTEGER PRIMARY KEY,
    applied_at TEXT NOT NULL
);
`

var allSchemas = []string{
	schemaCacheEntries,
	schemaVectorFingerprints,
	schemaCalibrationSamples,
	schemaMigrations,
}
