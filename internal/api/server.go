// Package api serves a read-only localhost status API over the selector's
// last pass, the lock directory, and the cooldown file.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	log "github.com/nghyane/pi-model-selector/internal/logging"
	"github.com/nghyane/pi-model-selector/internal/selector"
)

// DefaultAddr binds loopback only; the API carries account identifiers.
const DefaultAddr = "127.0.0.1:8791"

// Server exposes selector state. It never mutates anything.
type Server struct {
	runner       *selector.Runner
	locks        *selector.Coordinator
	cooldownPath string
	httpSrv      *http.Server
}

func NewServer(runner *selector.Runner, locks *selector.Coordinator, cooldownPath string) *Server {
	return &Server{runner: runner, locks: locks, cooldownPath: cooldownPath}
}

func (s *Server) routes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/v0/usage", s.handleUsage)
	r.GET("/v0/locks", s.handleLocks)
	r.GET("/v0/cooldowns", s.handleCooldowns)
	return r
}

func (s *Server) handleUsage(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"snapshots":  s.runner.LastSnapshots(),
		"candidates": s.runner.LastRanked(),
	})
}

func (s *Server) handleLocks(c *gin.Context) {
	type lockView struct {
		Key string `json:"key"`
		selector.LockRecord
		Age string `json:"age"`
	}
	now := time.Now()
	records := s.locks.List()
	out := make([]lockView, 0, len(records))
	for key, rec := range records {
		out = append(out, lockView{
			Key:        key,
			LockRecord: rec,
			Age:        now.Sub(time.UnixMilli(rec.HeartbeatAt)).Round(time.Second).String(),
		})
	}
	c.JSON(http.StatusOK, gin.H{"locks": out})
}

func (s *Server) handleCooldowns(c *gin.Context) {
	state := selector.LoadCooldowns(s.cooldownPath)
	type cooldownView struct {
		Key       string    `json:"key"`
		ExpiresAt time.Time `json:"expiresAt"`
		Active    bool      `json:"active"`
	}
	now := time.Now()
	entries := state.Snapshot()
	out := make([]cooldownView, 0, len(entries))
	for key, expiresMs := range entries {
		out = append(out, cooldownView{
			Key:       key,
			ExpiresAt: time.UnixMilli(expiresMs).UTC(),
			Active:    expiresMs > now.UnixMilli(),
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"cooldowns":    out,
		"lastSelected": state.LastSelected(),
	})
}

// Run serves until the context is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	if addr == "" {
		addr = DefaultAddr
	}
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("status api listening on %s", addr)
		errCh <- s.httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
