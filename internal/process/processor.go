// Package process is the decode/extraction stage: a bounded queue of
// raw firehose payloads drained by workers that decode each frame,
// classify its commit operations, and hand typed records to the
// persistence stage.
package process

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/primal-host/widesky/internal/firehose"
	"github.com/primal-host/widesky/internal/store"
)

const (
	postPathInfix   = "app.bsky.feed.post"
	repostPathInfix = "app.bsky.feed.repost"
	likePathInfix   = "app.bsky.feed.like"
)

// Sink receives the typed records the workers assemble. *store.Store is
// the production implementation.
type Sink interface {
	Enqueue(req store.Request)
}

// Processor runs the frame-processing worker pool.
type Processor struct {
	sink Sink
	log  *zap.SugaredLogger

	queue   chan []byte
	workers int
	wg      sync.WaitGroup

	framesProcessed atomic.Int64
	commitsSeen     atomic.Int64
}

// New creates the processing stage. Call Start to spawn the workers.
func New(sink Sink, log *zap.Logger, queueSize, workers int) *Processor {
	return &Processor{
		sink:    sink,
		log:     log.Sugar(),
		queue:   make(chan []byte, queueSize),
		workers: workers,
	}
}

// Start spawns the worker pool.
func (p *Processor) Start() {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(fmt.Sprintf("process-%d", i))
	}
}

// Enqueue puts a raw payload on the frame queue, blocking when the
// queue is full. The supervisor calls this, so back-pressure reaches
// the socket. Cancellation aborts a blocked enqueue, dropping the
// payload, so shutdown never wedges on a full queue.
func (p *Processor) Enqueue(ctx context.Context, msg []byte) {
	select {
	case p.queue <- msg:
	case <-ctx.Done():
	}
}

// Close terminates the stage: the queue is closed, workers drain what
// is buffered and exit. Blocks until every worker has returned.
func (p *Processor) Close() {
	close(p.queue)
	p.wg.Wait()
}

// QueueDepth returns the number of frames currently buffered.
func (p *Processor) QueueDepth() int { return len(p.queue) }

// FramesProcessed returns the total number of frames handled.
func (p *Processor) FramesProcessed() int64 { return p.framesProcessed.Load() }

// CommitsSeen returns the number of #commit frames classified.
func (p *Processor) CommitsSeen() int64 { return p.commitsSeen.Load() }

func (p *Processor) worker(name string) {
	defer p.wg.Done()
	for msg := range p.queue {
		p.handle(name, msg)
		p.framesProcessed.Add(1)
	}
}

// handle processes one frame. Errors and panics are confined to the
// frame: the offending message is dropped and the worker continues.
func (p *Processor) handle(name string, msg []byte) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Errorf("%s: panic processing frame: %v", name, r)
		}
	}()

	frame, err := firehose.DecodeFrame(msg)
	if err != nil {
		p.log.Warnf("%s: decode frame: %v", name, err)
		return
	}
	if frame == nil {
		// Not a #commit event.
		return
	}
	p.commitsSeen.Add(1)
	p.handleCommit(frame)
}

// handleCommit classifies the commit's create ops by path infix and
// assembles a record for each collected CID. The author DID is captured
// once per commit for enrichment regardless of what the ops contain.
func (p *Processor) handleCommit(f *firehose.Frame) {
	p.sink.Enqueue(store.Request{Kind: store.KindUser, DID: f.Repo})

	var postCIDs, repostCIDs, likeCIDs []string
	for _, op := range f.Ops {
		if op.Action != "create" {
			continue
		}
		if strings.Contains(op.Path, postPathInfix) {
			postCIDs = append(postCIDs, op.CID)
		}
		if strings.Contains(op.Path, repostPathInfix) {
			repostCIDs = append(repostCIDs, op.CID)
		}
		if strings.Contains(op.Path, likePathInfix) {
			likeCIDs = append(likeCIDs, op.CID)
		}
	}

	for _, cid := range postCIDs {
		if rec := findBlock(f, cid); rec != nil {
			post := extractPost(cid, f.Repo, f.Commit, rec, p.log)
			p.sink.Enqueue(store.Request{Kind: store.KindPost, Post: post})
		}
	}
	for _, cid := range repostCIDs {
		if rec := findBlock(f, cid); rec != nil {
			p.sink.Enqueue(store.Request{Kind: store.KindRepost, Repost: extractActivity(cid, f.Repo, f.Commit, rec)})
		}
	}
	for _, cid := range likeCIDs {
		if rec := findBlock(f, cid); rec != nil {
			p.sink.Enqueue(store.Request{Kind: store.KindLike, Like: extractActivity(cid, f.Repo, f.Commit, rec)})
		}
	}
}

// findBlock returns the data map of the block matching cid, or nil.
// A missing block is common (commit metadata without the payload) and
// the CID is silently dropped; opaque non-record blocks are skipped.
func findBlock(f *firehose.Frame, cid string) map[string]any {
	for _, b := range f.Blocks {
		if b.Data != nil && b.CID == cid {
			return b.Data
		}
	}
	return nil
}
