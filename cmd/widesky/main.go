// widesky ingests the Bluesky firehose into PostgreSQL.
//
// It holds one websocket connection to the subscribeRepos endpoint,
// decodes commit frames in a worker pool, and batch-upserts posts,
// reposts, likes, and author records. Authors are enriched with their
// handles via the PLC directory. Configuration comes from environment
// variables (see internal/config); SIGINT or SIGTERM drains the
// pipeline and exits 0.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/primal-host/widesky/internal/config"
	"github.com/primal-host/widesky/internal/directory"
	"github.com/primal-host/widesky/internal/firehose"
	"github.com/primal-host/widesky/internal/logging"
	"github.com/primal-host/widesky/internal/ops"
	"github.com/primal-host/widesky/internal/process"
	"github.com/primal-host/widesky/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "widesky: %v\n", err)
		os.Exit(1)
	}

	logger, cleanup, err := logging.New(cfg.LogDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "widesky: %v\n", err)
		os.Exit(1)
	}
	defer cleanup()

	if err := run(cfg, logger); err != nil {
		logger.Sugar().Errorf("widesky: %v", err)
		cleanup()
		os.Exit(1)
	}
	logger.Info("widesky stopped cleanly")
}

func run(cfg *config.Config, logger *zap.Logger) error {
	log := logger.Sugar()
	log.Info("widesky starting...")

	// Root context cancelled on SIGINT or SIGTERM.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Infof("received %v, shutting down...", sig)
		cancel()
	}()

	// Pool size is workers+1: one connection stays free for the
	// schema bootstrap and existence checks.
	pg, err := store.Open(ctx, cfg.ConnString(), cfg.StoreWorkers+1, cfg.ResetDB)
	if err != nil {
		return err
	}
	log.Info("database connected, schema ensured")

	dir := directory.New()

	st := store.New(pg, dir, logger, cfg.QueueSize, cfg.StoreWorkers, cfg.BatchSize, cfg.BatchTimeout)
	st.Start(ctx)

	proc := process.New(st, logger, cfg.QueueSize, cfg.ProcessWorkers)
	proc.Start()

	sup := firehose.NewSupervisor(cfg.FirehoseURL, proc, logger)
	supDone := make(chan struct{})
	go func() {
		defer close(supDone)
		_ = sup.Run(ctx) // returns only on cancellation
	}()

	var opsSrv *ops.Server
	if cfg.OpsAddr != "" {
		opsSrv = ops.New(cfg.OpsAddr, func() ops.Stats {
			return ops.Stats{
				FramesReceived:  sup.FramesReceived(),
				FramesProcessed: proc.FramesProcessed(),
				CommitsSeen:     proc.CommitsSeen(),
				FrameQueueDepth: proc.QueueDepth(),
				StoreQueueDepth: st.QueueDepth(),
				RecordsEnqueued: st.Enqueued(),
				RowsFlushed:     st.RowsFlushed(),
				BatchesFailed:   st.BatchesFailed(),
			}
		}, logger)
		opsSrv.Start()
	}

	<-ctx.Done()

	// Drain order matters: stop the intake first, then let each stage
	// finish its buffered work before its downstream resources close.
	<-supDone
	log.Info("firehose supervisor stopped")

	proc.Close()
	log.Info("processing stage drained")

	st.Close()
	log.Info("persistence stage drained")

	if opsSrv != nil {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		opsSrv.Shutdown(sctx)
		scancel()
	}

	pg.Close()
	dir.Close()
	return nil
}
