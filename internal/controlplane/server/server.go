package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/betbot/p2prelease/internal/metrics"
	"github.com/betbot/p2prelease/internal/store"
	"github.com/betbot/p2prelease/pkg/logger"
)

type Config struct {
	Listen string
	// Location interprets date-only query parameters. Defaults to time.Local.
	Location *time.Location
}

// Switch is the auto-purchase on/off control.
type Switch interface {
	IsRunning() bool
	Start()
	Stop()
}

// Server is the local control API: purchase switch, order reports and metrics.
type Server struct {
	cfg     Config
	sw      Switch
	reports store.Reporter
	metrics *metrics.Metrics
	log     *logrus.Entry

	http *http.Server
	ln   net.Listener
}

func New(cfg Config, sw Switch, reports store.Reporter, m *metrics.Metrics, log *logrus.Entry) *Server {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	return &Server{cfg: cfg, sw: sw, reports: reports, metrics: m, log: logger.OrDefault(log, "control")}
}

func (s *Server) Router() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), s.accessLog())

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/metrics", gin.WrapH(s.metrics.Handler()))

	api := r.Group("/api")

	om := api.Group("/order-management")
	om.GET("", s.handleSwitchStatus)
	om.POST("/start", s.handleSwitchStart)
	om.POST("/stop", s.handleSwitchStop)

	orders := api.Group("/orders")
	orders.GET("/average-price", s.handleAveragePrice)
	orders.GET("/completed", s.handleCompleted)

	return r
}

// Start binds Listen and serves in the background. Bind errors are returned.
func (s *Server) Start() error {
	if s.cfg.Listen == "" {
		return errors.New("control listen address is required")
	}
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return err
	}
	s.ln = ln
	s.http = &http.Server{Handler: s.Router(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.WithError(err).Error("control server stopped")
		}
	}()
	s.log.WithField("addr", ln.Addr().String()).Info("control server listening")
	return nil
}

// Addr is the bound address, empty before Start.
func (s *Server) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func (s *Server) Close(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.WithFields(logrus.Fields{
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"status":  c.Writer.Status(),
			"latency": time.Since(start),
		}).Debug("control request")
	}
}
