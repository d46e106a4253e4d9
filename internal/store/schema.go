package store

// Schema contains the SQL statements for the four ingest tables. All
// tables are keyed by CID (DID for users); ingest is idempotent by
// primary key, so re-observing a record is a no-op.
//
// The activity tables deliberately carry no foreign key on did: user
// rows are inserted best-effort and asynchronously relative to the
// activity referencing them.
const Schema = `
CREATE TABLE IF NOT EXISTS users (
    did TEXT PRIMARY KEY,
    first_known_as TEXT,
    also_known_as_full TEXT ARRAY
);

CREATE TABLE IF NOT EXISTS posts (
    cid TEXT PRIMARY KEY,
    created_at TIMESTAMP WITH TIME ZONE,
    did TEXT,
    commit TEXT,
    text TEXT,
    langs TEXT ARRAY,
    facets JSONB,
    has_embed BOOLEAN,
    embed_type TEXT,
    embed_refs TEXT ARRAY,
    external_uri TEXT,
    has_record BOOLEAN,
    record_cid TEXT,
    record_uri TEXT,
    is_reply BOOLEAN,
    reply_root_cid TEXT,
    reply_root_uri TEXT,
    reply_parent_cid TEXT,
    reply_parent_uri TEXT
);

CREATE TABLE IF NOT EXISTS reposts (
    cid TEXT PRIMARY KEY,
    created_at TIMESTAMP WITH TIME ZONE,
    did TEXT,
    commit TEXT,
    subject_cid TEXT,
    subject_uri TEXT
);

CREATE TABLE IF NOT EXISTS likes (
    cid TEXT PRIMARY KEY,
    created_at TIMESTAMP WITH TIME ZONE,
    did TEXT,
    commit TEXT,
    subject_cid TEXT,
    subject_uri TEXT
);
`

// DropSchema removes all four tables. Guarded by the WIDESKY_RESET_DB
// switch; development only.
const DropSchema = `
DROP TABLE IF EXISTS users;
DROP TABLE IF EXISTS posts;
DROP TABLE IF EXISTS reposts;
DROP TABLE IF EXISTS likes;
`
