package dashboard

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"marketsync/config"
	"marketsync/internal/metrics"
	"marketsync/internal/queue"
	"marketsync/internal/synchronizer"
	"marketsync/logger"
)

// ChannelBoard reports synchronizer states.
type ChannelBoard interface {
	Channels() []synchronizer.ChannelStatus
	Healthy() bool
}

// QueueStats reports output queue traffic.
type QueueStats interface {
	GetStats() queue.Stats
}

// Server is the status HTTP surface: health, channel states, queue stats, recent
// metrics and logs, host resources and the Prometheus scrape endpoint.
type Server struct {
	addr    string
	board   ChannelBoard
	queue   QueueStats
	log     *logger.Log
	logs    *logStore
	sampler *resourceSampler
	started time.Time
}

// NewServer returns nil when the dashboard is disabled.
func NewServer(cfg config.DashboardConfig, board ChannelBoard, q QueueStats, log *logger.Log) *Server {
	if !cfg.Enabled {
		return nil
	}
	if log == nil {
		log = logger.GetLogger()
	}
	history := cfg.History
	if history <= 0 {
		history = 200
	}

	logs := newLogStore(history)
	log.AddHook(logs)

	return &Server{
		addr:    listenAddr(cfg.Addr),
		board:   board,
		queue:   q,
		log:     log,
		logs:    logs,
		sampler: newResourceSampler(history, cfg.SampleInterval, log),
		started: time.Now(),
	}
}

func (s *Server) Address() string {
	if s == nil {
		return ""
	}
	return s.addr
}

// Run serves until ctx ends, then shuts the listener down.
func (s *Server) Run(ctx context.Context) error {
	if s == nil {
		return nil
	}
	defer s.logs.close()

	s.sampler.start(ctx)
	defer s.sampler.stop()

	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.log.WithComponent("dashboard").WithFields(logger.Fields{"addr": s.addr}).Info("dashboard listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", s.handleHealth)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	api := router.Group("/api")
	api.GET("/channels", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"channels": s.board.Channels()})
	})
	api.GET("/queue", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.queue.GetStats())
	})
	api.GET("/metrics", s.handleMetrics)
	api.GET("/logs", s.handleLogs)
	api.GET("/resources", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"resources": s.sampler.snapshot()})
	})
	return router
}

func (s *Server) handleHealth(c *gin.Context) {
	status, code := "ok", http.StatusOK
	if s.board != nil && !s.board.Healthy() {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":         status,
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
	})
}

// handleMetrics accepts ?component= and ?name= filters.
func (s *Server) handleMetrics(c *gin.Context) {
	component := c.Query("component")
	name := c.Query("name")
	out := make([]metrics.Metric, 0)
	for _, m := range metrics.Recent() {
		if component != "" && m.Component != component {
			continue
		}
		if name != "" && m.Name != name {
			continue
		}
		out = append(out, m)
	}
	c.JSON(http.StatusOK, gin.H{"metrics": out})
}

// handleLogs accepts ?level= (minimum severity), ?component= and ?limit=.
func (s *Server) handleLogs(c *gin.Context) {
	min := logrus.TraceLevel
	if lvl := c.Query("level"); lvl != "" {
		parsed, err := logrus.ParseLevel(lvl)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		min = parsed
	}
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		limit = n
	}
	c.JSON(http.StatusOK, gin.H{"logs": s.logs.snapshot(c.Query("component"), min, limit)})
}

// listenAddr accepts host:port, :port, a bare host or a URL.
func listenAddr(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return ":8080"
	}
	if strings.Contains(addr, "://") {
		if parsed, err := url.Parse(addr); err == nil && parsed.Host != "" {
			addr = parsed.Host
		}
	}
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	if ip := net.ParseIP(addr); ip != nil || !strings.Contains(addr, ":") {
		return net.JoinHostPort(addr, "8080")
	}
	return addr
}
