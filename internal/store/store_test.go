package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/primal-host/widesky/internal/directory"
)

// fakeBackend records every flush it receives.
type fakeBackend struct {
	mu       sync.Mutex
	existing map[string]bool
	users    [][]UserRow
	posts    [][]*Post
	reposts  [][]*Activity
	likes    [][]*Activity
	failNext error
}

func (f *fakeBackend) UserExists(_ context.Context, did string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.existing[did], nil
}

func (f *fakeBackend) FlushUsers(_ context.Context, batch []UserRow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users = append(f.users, batch)
	for _, u := range batch {
		if f.existing == nil {
			f.existing = map[string]bool{}
		}
		f.existing[u.DID] = true
	}
	return nil
}

func (f *fakeBackend) FlushPosts(_ context.Context, batch []*Post) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext != nil {
		err := f.failNext
		f.failNext = nil
		return err
	}
	f.posts = append(f.posts, batch)
	return nil
}

func (f *fakeBackend) FlushReposts(_ context.Context, batch []*Activity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reposts = append(f.reposts, batch)
	return nil
}

func (f *fakeBackend) FlushLikes(_ context.Context, batch []*Activity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.likes = append(f.likes, batch)
	return nil
}

func (f *fakeBackend) postBatches() [][]*Post {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]*Post(nil), f.posts...)
}

func (f *fakeBackend) userBatches() [][]UserRow {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]UserRow(nil), f.users...)
}

// fakeResolver maps DIDs to handle lists.
type fakeResolver struct {
	mu      sync.Mutex
	handles map[string][]string
	lookups int
}

func (f *fakeResolver) Lookup(_ context.Context, did string) (directory.Handles, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups++
	aka, ok := f.handles[did]
	if !ok {
		return directory.Handles{}, errors.New("unknown did")
	}
	return directory.Handles{Primary: aka[0], All: aka}, nil
}

func newTestStore(backend Backend, resolver Resolver, batchSize int, timeout time.Duration) *Store {
	return New(backend, resolver, zap.NewNop(), 64, 1, batchSize, timeout)
}

func post(cid string) *Post { return &Post{CID: cid, DID: "did:plc:a"} }

func TestSizeTriggeredFlush(t *testing.T) {
	backend := &fakeBackend{}
	s := newTestStore(backend, &fakeResolver{}, 3, time.Hour)
	s.Start(context.Background())

	for i := 0; i < 3; i++ {
		s.Enqueue(Request{Kind: KindPost, Post: post(fmt.Sprintf("cid%d", i))})
	}

	require.Eventually(t, func() bool {
		return len(backend.postBatches()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// The batch fired on size, exactly BATCH_SIZE records, no timeout
	// was anywhere near elapsing.
	assert.Len(t, backend.postBatches()[0], 3)

	s.Close()
}

func TestTimeoutTriggeredFlush(t *testing.T) {
	backend := &fakeBackend{}
	s := newTestStore(backend, &fakeResolver{}, 100, 50*time.Millisecond)
	s.Start(context.Background())

	s.Enqueue(Request{Kind: KindPost, Post: post("solo")})

	require.Eventually(t, func() bool {
		return len(backend.postBatches()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Len(t, backend.postBatches()[0], 1)

	s.Close()
}

func TestCloseDrainsAndFlushes(t *testing.T) {
	backend := &fakeBackend{}
	s := newTestStore(backend, &fakeResolver{}, 100, time.Hour)
	s.Start(context.Background())

	for i := 0; i < 7; i++ {
		s.Enqueue(Request{Kind: KindPost, Post: post(fmt.Sprintf("cid%d", i))})
	}
	s.Close()

	total := 0
	for _, b := range backend.postBatches() {
		total += len(b)
	}
	assert.Equal(t, 7, total, "every enqueued record flushed exactly once")
}

func TestFailedBatchIsDiscarded(t *testing.T) {
	backend := &fakeBackend{failNext: errors.New("connection refused")}
	s := newTestStore(backend, &fakeResolver{}, 2, time.Hour)
	s.Start(context.Background())

	s.Enqueue(Request{Kind: KindPost, Post: post("lost1")})
	s.Enqueue(Request{Kind: KindPost, Post: post("lost2")})
	// The worker must survive the failure and keep flushing.
	s.Enqueue(Request{Kind: KindPost, Post: post("kept1")})
	s.Enqueue(Request{Kind: KindPost, Post: post("kept2")})

	require.Eventually(t, func() bool {
		return len(backend.postBatches()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, int64(1), s.BatchesFailed())
	assert.Equal(t, "kept1", backend.postBatches()[0][0].CID)

	s.Close()
}

func TestUserEnrichment(t *testing.T) {
	backend := &fakeBackend{existing: map[string]bool{"did:plc:known": true}}
	resolver := &fakeResolver{handles: map[string][]string{
		"did:plc:new": {"at://new.bsky.social"},
	}}
	s := newTestStore(backend, resolver, 100, 50*time.Millisecond)
	s.Start(context.Background())

	s.Enqueue(Request{Kind: KindUser, DID: "did:plc:known"})   // exists: dropped, no lookup
	s.Enqueue(Request{Kind: KindUser, DID: "did:plc:new"})     // resolved and inserted
	s.Enqueue(Request{Kind: KindUser, DID: "did:plc:missing"}) // lookup fails: dropped

	s.Close()

	batches := backend.userBatches()
	require.Len(t, batches, 1)
	require.Len(t, batches[0], 1)
	assert.Equal(t, "did:plc:new", batches[0][0].DID)
	assert.Equal(t, "at://new.bsky.social", batches[0][0].FirstKnownAs)

	resolver.mu.Lock()
	defer resolver.mu.Unlock()
	assert.Equal(t, 2, resolver.lookups, "known DID must not hit the directory")
}

// blockingResolver parks every lookup until its context is cancelled,
// the shape of a directory outage under unbounded retry.
type blockingResolver struct {
	started chan struct{}
}

func (b *blockingResolver) Lookup(ctx context.Context, _ string) (directory.Handles, error) {
	b.started <- struct{}{}
	<-ctx.Done()
	return directory.Handles{}, ctx.Err()
}

func TestShutdownAbandonsStuckLookup(t *testing.T) {
	backend := &fakeBackend{}
	resolver := &blockingResolver{started: make(chan struct{}, 1)}
	s := newTestStore(backend, resolver, 100, 20*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)

	s.Enqueue(Request{Kind: KindUser, DID: "did:plc:stuck"})
	<-resolver.started // the worker is now pinned inside the lookup

	// Shutdown order as in main: cancel the pipeline context, then
	// drain. Without the cancellation the lookup would never return
	// and Close would block forever.
	cancel()

	done := make(chan struct{})
	go func() {
		s.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return after the lookup context was cancelled")
	}

	assert.Empty(t, backend.userBatches(), "the abandoned DID is dropped, not flushed")
}

func TestMixedKindsBatchIndependently(t *testing.T) {
	backend := &fakeBackend{}
	s := newTestStore(backend, &fakeResolver{}, 2, time.Hour)
	s.Start(context.Background())

	s.Enqueue(Request{Kind: KindPost, Post: post("p1")})
	s.Enqueue(Request{Kind: KindRepost, Repost: &Activity{CID: "r1"}})
	s.Enqueue(Request{Kind: KindLike, Like: &Activity{CID: "l1"}})
	s.Enqueue(Request{Kind: KindPost, Post: post("p2")})

	// Only the post batch hit the size threshold.
	require.Eventually(t, func() bool {
		return len(backend.postBatches()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	backend.mu.Lock()
	assert.Empty(t, backend.reposts)
	assert.Empty(t, backend.likes)
	backend.mu.Unlock()

	s.Close()

	backend.mu.Lock()
	defer backend.mu.Unlock()
	require.Len(t, backend.reposts, 1)
	require.Len(t, backend.likes, 1)
}
