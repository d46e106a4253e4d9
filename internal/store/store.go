// Package store is the persistence stage of the pipeline: a bounded
// queue of tagged requests drained by a pool of workers that batch rows
// per kind and upsert them idempotently into PostgreSQL.
package store

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/primal-host/widesky/internal/directory"
)

// Backend is the database side of the persistence stage. *PG is the
// production implementation.
type Backend interface {
	UserExists(ctx context.Context, did string) (bool, error)
	FlushUsers(ctx context.Context, batch []UserRow) error
	FlushPosts(ctx context.Context, batch []*Post) error
	FlushReposts(ctx context.Context, batch []*Activity) error
	FlushLikes(ctx context.Context, batch []*Activity) error
}

// Resolver looks up a DID's handles. *directory.Client is the
// production implementation.
type Resolver interface {
	Lookup(ctx context.Context, did string) (directory.Handles, error)
}

// Store runs the persistence worker pool. Each worker keeps four
// independent per-kind batches and flushes on a dual trigger: a batch
// reaching batchSize, or batchTimeout elapsing with the batch non-empty.
type Store struct {
	backend  Backend
	resolver Resolver
	log      *zap.SugaredLogger

	queue        chan Request
	workers      int
	batchSize    int
	batchTimeout time.Duration

	wg sync.WaitGroup

	enqueued      atomic.Int64
	rowsFlushed   atomic.Int64
	batchesFailed atomic.Int64
	usersDropped  atomic.Int64
}

// New creates the persistence stage. Call Start to spawn the workers.
func New(backend Backend, resolver Resolver, log *zap.Logger, queueSize, workers, batchSize int, batchTimeout time.Duration) *Store {
	return &Store{
		backend:      backend,
		resolver:     resolver,
		log:          log.Sugar(),
		queue:        make(chan Request, queueSize),
		workers:      workers,
		batchSize:    batchSize,
		batchTimeout: batchTimeout,
	}
}

// Start spawns the worker pool. ctx is the pipeline lifetime: directory
// lookups run under it, so cancelling it abandons an in-flight retry
// loop and lets Close drain even during a directory outage.
func (s *Store) Start(ctx context.Context) {
	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx, fmt.Sprintf("store-%d", i))
	}
}

// Enqueue puts a request on the persistence queue, blocking when the
// queue is full so back-pressure propagates to the processing stage.
func (s *Store) Enqueue(req Request) {
	s.queue <- req
	s.enqueued.Add(1)
}

// Close terminates the stage: the queue is closed, workers drain what
// is buffered, flush their final batches, and exit. Blocks until every
// worker has returned.
func (s *Store) Close() {
	close(s.queue)
	s.wg.Wait()
}

// QueueDepth returns the number of requests currently buffered.
func (s *Store) QueueDepth() int { return len(s.queue) }

// Enqueued returns the total number of requests accepted.
func (s *Store) Enqueued() int64 { return s.enqueued.Load() }

// RowsFlushed returns the total number of rows handed to the backend.
func (s *Store) RowsFlushed() int64 { return s.rowsFlushed.Load() }

// BatchesFailed returns the number of batches discarded after a flush error.
func (s *Store) BatchesFailed() int64 { return s.batchesFailed.Load() }

// batches is one worker's in-memory state, one slice per kind.
type batches struct {
	users   []string // raw DIDs; enrichment happens at flush
	posts   []*Post
	reposts []*Activity
	likes   []*Activity
}

func (s *Store) worker(ctx context.Context, name string) {
	defer s.wg.Done()

	var b batches
	lastFlush := time.Now()
	timer := time.NewTimer(s.batchTimeout)
	defer timer.Stop()

	for {
		timeout := s.batchTimeout - time.Since(lastFlush)
		if timeout < 0 {
			timeout = 0
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(timeout)

		var (
			req      Request
			open     bool
			timedOut bool
		)
		select {
		case req, open = <-s.queue:
			if !open {
				// Terminal event: flush whatever is left and exit.
				s.flushReady(ctx, name, &b, true)
				return
			}
			switch req.Kind {
			case KindUser:
				b.users = append(b.users, req.DID)
			case KindPost:
				b.posts = append(b.posts, req.Post)
			case KindRepost:
				b.reposts = append(b.reposts, req.Repost)
			case KindLike:
				b.likes = append(b.likes, req.Like)
			}
		case <-timer.C:
			timedOut = true
		}

		// A timeout tick advances the baseline even when every batch
		// is empty, so an idle worker parks for a full interval
		// instead of spinning on a zero timeout.
		if s.flushReady(ctx, name, &b, timedOut) || timedOut {
			lastFlush = time.Now()
		}
	}
}

// flushReady flushes each batch that hit the size threshold, or any
// non-empty batch when onTimeout is set. Returns whether anything
// flushed. Flush failures discard the batch; the worker carries on.
//
// Database writes run on a background context so the final drain after
// Close still lands; only the directory lookups inside flushUsers are
// bound to the pipeline context.
func (s *Store) flushReady(lookupCtx context.Context, name string, b *batches, onTimeout bool) bool {
	ctx := context.Background()
	flushed := false

	if len(b.users) >= s.batchSize || (onTimeout && len(b.users) > 0) {
		s.flushUsers(lookupCtx, name, b.users)
		b.users = nil
		flushed = true
	}
	if len(b.posts) >= s.batchSize || (onTimeout && len(b.posts) > 0) {
		if err := s.backend.FlushPosts(ctx, b.posts); err != nil {
			s.flushFailed(name, "posts", err, len(b.posts), sample(b.posts))
		} else {
			s.rowsFlushed.Add(int64(len(b.posts)))
			s.log.Infof("%s: added %d posts to Postgres", name, len(b.posts))
		}
		b.posts = nil
		flushed = true
	}
	if len(b.reposts) >= s.batchSize || (onTimeout && len(b.reposts) > 0) {
		if err := s.backend.FlushReposts(ctx, b.reposts); err != nil {
			s.flushFailed(name, "reposts", err, len(b.reposts), sample(b.reposts))
		} else {
			s.rowsFlushed.Add(int64(len(b.reposts)))
			s.log.Infof("%s: added %d reposts to Postgres", name, len(b.reposts))
		}
		b.reposts = nil
		flushed = true
	}
	if len(b.likes) >= s.batchSize || (onTimeout && len(b.likes) > 0) {
		if err := s.backend.FlushLikes(ctx, b.likes); err != nil {
			s.flushFailed(name, "likes", err, len(b.likes), sample(b.likes))
		} else {
			s.rowsFlushed.Add(int64(len(b.likes)))
			s.log.Infof("%s: added %d likes to Postgres", name, len(b.likes))
		}
		b.likes = nil
		flushed = true
	}
	return flushed
}

// flushUsers enriches then upserts a batch of DID sightings. Each DID
// is checked against the database first; known DIDs are dropped without
// a directory call, deliberately shifting load from the directory to
// the local database. A lookup that fails permanently drops that one
// DID only. Lookups run under the pipeline context: the retry inside
// the resolver is unbounded, and binding it here is what keeps a
// directory outage from pinning the worker past shutdown.
func (s *Store) flushUsers(lookupCtx context.Context, name string, dids []string) {
	ctx := context.Background()
	rows := make([]UserRow, 0, len(dids))
	for _, did := range dids {
		exists, err := s.backend.UserExists(ctx, did)
		if err != nil {
			s.log.Warnf("%s: user existence check for %s: %v", name, did, err)
			s.usersDropped.Add(1)
			continue
		}
		if exists {
			continue
		}
		h, err := s.resolver.Lookup(lookupCtx, did)
		if err != nil {
			s.log.Warnf("%s: directory lookup for %s: %v", name, did, err)
			s.usersDropped.Add(1)
			continue
		}
		rows = append(rows, UserRow{DID: did, FirstKnownAs: h.Primary, AlsoKnownAs: h.All})
	}
	if len(rows) == 0 {
		return
	}
	if err := s.backend.FlushUsers(ctx, rows); err != nil {
		s.flushFailed(name, "users", err, len(rows), sample(rows))
		return
	}
	s.rowsFlushed.Add(int64(len(rows)))
	s.log.Infof("%s: added %d users to Postgres", name, len(rows))
}

func (s *Store) flushFailed(name, table string, err error, size int, sample any) {
	s.batchesFailed.Add(1)
	s.log.Errorw("batch flush failed, discarding",
		"worker", name, "table", table, "size", size, "sample", sample, "error", err)
}

// sample returns the first items of a batch for failure logging.
func sample[T any](batch []T) []T {
	if len(batch) > 3 {
		return batch[:3]
	}
	return batch
}
