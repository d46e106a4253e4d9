package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	insertUserSQL = `
		INSERT INTO users (did, first_known_as, also_known_as_full)
		VALUES ($1, $2, $3)
		ON CONFLICT (did) DO UPDATE
		    SET also_known_as_full = CASE
		        WHEN cardinality(EXCLUDED.also_known_as_full) > cardinality(users.also_known_as_full)
		        THEN EXCLUDED.also_known_as_full
		        ELSE users.also_known_as_full
		    END`

	// created_at goes through NULLIF so the upstream empty-string
	// sentinel lands as NULL instead of failing the cast.
	insertPostSQL = `
		INSERT INTO posts (
		    cid, created_at, did, commit, text, langs, facets,
		    has_embed, embed_type, embed_refs, external_uri,
		    has_record, record_cid, record_uri, is_reply,
		    reply_root_cid, reply_root_uri, reply_parent_cid, reply_parent_uri
		)
		VALUES (
		    $1, NULLIF($2, '')::timestamptz, $3, $4, $5, $6, $7,
		    $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19
		)
		ON CONFLICT DO NOTHING`

	insertRepostSQL = `
		INSERT INTO reposts (cid, created_at, did, commit, subject_cid, subject_uri)
		VALUES ($1, NULLIF($2, '')::timestamptz, $3, $4, $5, $6)
		ON CONFLICT DO NOTHING`

	insertLikeSQL = `
		INSERT INTO likes (cid, created_at, did, commit, subject_cid, subject_uri)
		VALUES ($1, NULLIF($2, '')::timestamptz, $3, $4, $5, $6)
		ON CONFLICT DO NOTHING`
)

// PG is the PostgreSQL backend for the persistence stage.
type PG struct {
	pool *pgxpool.Pool
}

// Open connects to PostgreSQL, verifies the connection, and ensures the
// ingest schema exists. maxConns should be the persistence worker count
// plus one, leaving a connection free for schema work. When reset is
// true all four tables are dropped first.
func Open(ctx context.Context, connString string, maxConns int, reset bool) (*PG, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("store: parse config: %w", err)
	}

	cfg.MaxConns = int32(maxConns)
	cfg.MinConns = 1
	cfg.MaxConnLifetime = 30 * time.Minute
	cfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	if reset {
		if _, err := pool.Exec(ctx, DropSchema); err != nil {
			pool.Close()
			return nil, fmt.Errorf("store: drop schema: %w", err)
		}
	}
	if _, err := pool.Exec(ctx, Schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: bootstrap schema: %w", err)
	}

	return &PG{pool: pool}, nil
}

// Close shuts down the connection pool. Call only after the persistence
// workers have drained, or in-flight batches are lost.
func (p *PG) Close() {
	p.pool.Close()
}

// UserExists reports whether a users row for did is already present.
func (p *PG) UserExists(ctx context.Context, did string) (bool, error) {
	var one int
	err := p.pool.QueryRow(ctx, `SELECT 1 FROM users WHERE did = $1 LIMIT 1`, did).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: check user %s: %w", did, err)
	}
	return true, nil
}

// FlushUsers upserts a batch of enriched user rows. On conflict the
// handle list is widened only when the new list is strictly larger;
// first_known_as is never overwritten.
func (p *PG) FlushUsers(ctx context.Context, batch []UserRow) error {
	b := &pgx.Batch{}
	for _, u := range batch {
		b.Queue(insertUserSQL, u.DID, u.FirstKnownAs, u.AlsoKnownAs)
	}
	return p.sendBatch(ctx, b, "users")
}

// FlushPosts inserts a batch of posts, skipping CIDs already stored.
func (p *PG) FlushPosts(ctx context.Context, batch []*Post) error {
	b := &pgx.Batch{}
	for _, r := range batch {
		b.Queue(insertPostSQL,
			r.CID, r.CreatedAt, r.DID, r.Commit, r.Text, r.Langs, r.Facets,
			r.HasEmbed, r.EmbedType, r.EmbedRefs, r.ExternalURI,
			r.HasRecord, r.RecordCID, r.RecordURI, r.IsReply,
			r.ReplyRootCID, r.ReplyRootURI, r.ReplyParentCID, r.ReplyParentURI,
		)
	}
	return p.sendBatch(ctx, b, "posts")
}

// FlushReposts inserts a batch of reposts, skipping CIDs already stored.
func (p *PG) FlushReposts(ctx context.Context, batch []*Activity) error {
	b := &pgx.Batch{}
	for _, r := range batch {
		b.Queue(insertRepostSQL, r.CID, r.CreatedAt, r.DID, r.Commit, r.SubjectCID, r.SubjectURI)
	}
	return p.sendBatch(ctx, b, "reposts")
}

// FlushLikes inserts a batch of likes, skipping CIDs already stored.
func (p *PG) FlushLikes(ctx context.Context, batch []*Activity) error {
	b := &pgx.Batch{}
	for _, r := range batch {
		b.Queue(insertLikeSQL, r.CID, r.CreatedAt, r.DID, r.Commit, r.SubjectCID, r.SubjectURI)
	}
	return p.sendBatch(ctx, b, "likes")
}

// sendBatch runs all queued statements on one connection inside a
// single transaction and commits.
func (p *PG) sendBatch(ctx context.Context, b *pgx.Batch, table string) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store: begin %s batch: %w", table, err)
	}
	defer tx.Rollback(ctx)

	if err := tx.SendBatch(ctx, b).Close(); err != nil {
		return fmt.Errorf("store: flush %s batch: %w", table, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("store: commit %s batch: %w", table, err)
	}
	return nil
}
