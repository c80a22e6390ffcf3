package privstore

// SchemaVersion is bumped on any change to the tables below. Import refuses
// files written under a different version.
const SchemaVersion = "1"

// Hash-only: no table holds a plaintext value. Timestamps are unix ms.
// indicators.categories is a bitmask over detect.Categories.
const schema = `
CREATE TABLE IF NOT EXISTS meta (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS indicators (
    hash        TEXT PRIMARY KEY,
    domain      TEXT NOT NULL,
    first_seen  INTEGER NOT NULL,
    last_seen   INTEGER NOT NULL,
    count       INTEGER NOT NULL DEFAULT 1 CHECK (count >= 1),
    categories  INTEGER NOT NULL DEFAULT 0,
    breached    INTEGER NOT NULL DEFAULT 0,
    peer_known  INTEGER NOT NULL DEFAULT 0
) WITHOUT ROWID;
CREATE INDEX IF NOT EXISTS idx_indicators_last_seen ON indicators(last_seen);
CREATE INDEX IF NOT EXISTS idx_indicators_domain ON indicators(domain);

CREATE TABLE IF NOT EXISTS aliases (
    variant_hash    TEXT NOT NULL,
    canonical_hash  TEXT NOT NULL REFERENCES indicators(hash) ON DELETE CASCADE,
    type            TEXT NOT NULL,
    confidence      INTEGER NOT NULL CHECK (confidence BETWEEN 0 AND 100),
    created_at      INTEGER NOT NULL,
    PRIMARY KEY (variant_hash, canonical_hash),
    CHECK (variant_hash <> canonical_hash)
) WITHOUT ROWID;
CREATE INDEX IF NOT EXISTS idx_aliases_canonical ON aliases(canonical_hash);

CREATE TABLE IF NOT EXISTS cooccurrences (
    hash_1      TEXT NOT NULL REFERENCES indicators(hash) ON DELETE CASCADE,
    hash_2      TEXT NOT NULL REFERENCES indicators(hash) ON DELETE CASCADE,
    count       INTEGER NOT NULL DEFAULT 1,
    first_seen  INTEGER NOT NULL,
    last_seen   INTEGER NOT NULL,
    PRIMARY KEY (hash_1, hash_2),
    CHECK (hash_1 < hash_2)
) WITHOUT ROWID;
CREATE INDEX IF NOT EXISTS idx_cooccurrences_hash_2 ON cooccurrences(hash_2);

CREATE TABLE IF NOT EXISTS anomalies (
    id            TEXT PRIMARY KEY,
    run_id        TEXT NOT NULL,
    row_num       INTEGER NOT NULL,
    subject       TEXT NOT NULL,
    type          TEXT NOT NULL,
    contribution  INTEGER NOT NULL CHECK (contribution BETWEEN 0 AND 100),
    metric        REAL NOT NULL,
    resolved      INTEGER NOT NULL DEFAULT 0,
    created_at    INTEGER NOT NULL,
    resolved_at   INTEGER
);
CREATE INDEX IF NOT EXISTS idx_anomalies_subject ON anomalies(subject);
CREATE INDEX IF NOT EXISTS idx_anomalies_run ON anomalies(run_id);

CREATE TABLE IF NOT EXISTS embeddings (
    hash        TEXT PRIMARY KEY REFERENCES indicators(hash) ON DELETE CASCADE,
    domain      TEXT NOT NULL,
    model       TEXT NOT NULL,
    dim         INTEGER NOT NULL,
    vector      BLOB NOT NULL,
    created_at  INTEGER NOT NULL
) WITHOUT ROWID;
CREATE INDEX IF NOT EXISTS idx_embeddings_domain ON embeddings(domain, model, created_at);

CREATE TABLE IF NOT EXISTS baseline (
    kind   TEXT NOT NULL,
    key    TEXT NOT NULL,
    count  INTEGER NOT NULL,
    mean   REAL NOT NULL DEFAULT 0,
    m2     REAL NOT NULL DEFAULT 0,
    PRIMARY KEY (kind, key)
) WITHOUT ROWID;

CREATE TABLE IF NOT EXISTS runs (
    id               TEXT PRIMARY KEY,
    source           TEXT NOT NULL,
    rules_version    TEXT NOT NULL,
    key_fingerprint  TEXT NOT NULL,
    status           TEXT NOT NULL,
    reason           TEXT NOT NULL DEFAULT '',
    started_at       INTEGER NOT NULL,
    finished_at      INTEGER,
    rows_total       INTEGER NOT NULL DEFAULT 0,
    rows_malformed   INTEGER NOT NULL DEFAULT 0,
    new_count        INTEGER NOT NULL DEFAULT 0,
    duplicate_count  INTEGER NOT NULL DEFAULT 0,
    similar_count    INTEGER NOT NULL DEFAULT 0,
    anomaly_count    INTEGER NOT NULL DEFAULT 0
);

INSERT OR IGNORE INTO meta (key, value) VALUES ('schema_version', '` + SchemaVersion + `');
`
