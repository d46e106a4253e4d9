// Package ops serves the operational HTTP surface: a liveness check
// and a pipeline stats snapshot.
package ops

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
)

// Stats is one point-in-time snapshot of the pipeline.
type Stats struct {
	FramesReceived  int64 `json:"framesReceived"`
	FramesProcessed int64 `json:"framesProcessed"`
	CommitsSeen     int64 `json:"commitsSeen"`
	FrameQueueDepth int   `json:"frameQueueDepth"`
	StoreQueueDepth int   `json:"storeQueueDepth"`
	RecordsEnqueued int64 `json:"recordsEnqueued"`
	RowsFlushed     int64 `json:"rowsFlushed"`
	BatchesFailed   int64 `json:"batchesFailed"`
}

// Server hosts the ops endpoints on a dedicated listener.
type Server struct {
	echo  *echo.Echo
	addr  string
	stats func() Stats
	log   *zap.SugaredLogger
}

// New creates the ops server. stats is called per request.
func New(addr string, stats func() Stats, log *zap.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{echo: e, addr: addr, stats: stats, log: log.Sugar()}
	e.GET("/healthz", s.handleHealthz)
	e.GET("/stats", s.handleStats)
	return s
}

// Start begins serving in the background.
func (s *Server) Start() {
	go func() {
		s.log.Infof("ops server listening on %s", s.addr)
		if err := s.echo.Start(s.addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Errorf("ops server: %v", err)
		}
	}()
}

// Shutdown stops the listener.
func (s *Server) Shutdown(ctx context.Context) {
	if err := s.echo.Shutdown(ctx); err != nil {
		s.log.Warnf("ops server shutdown: %v", err)
	}
}

func (s *Server) handleHealthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStats(c echo.Context) error {
	return c.JSON(http.StatusOK, s.stats())
}
