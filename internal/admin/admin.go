package admin

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/danmuck/phinix/internal/auth"
	"github.com/danmuck/phinix/internal/observability"
	"github.com/danmuck/phinix/internal/transport"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const version = "0.1.0"

type Config struct {
	Addr        string
	Component   string
	CORSOrigins []string
}

// Server is the read-mostly HTTP view over a running phinix server.
type Server struct {
	cfg       Config
	router    *gin.Engine
	transport *transport.Server
	auth      *auth.Server
	appeared  time.Time
}

func New(cfg Config, ts *transport.Server, as *auth.Server) *Server {
	if strings.TrimSpace(cfg.Component) == "" {
		cfg.Component = "phinixd"
	}
	observability.RegisterMetrics()
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(observability.ComponentLogger(cfg.Component)))
	r.Use(observability.RequestMetricsMiddleware(cfg.Component))
	if origins := normalizeOrigins(cfg.CORSOrigins); len(origins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins: origins,
			AllowMethods: []string{"GET", "DELETE"},
			AllowHeaders: []string{"Origin", "Content-Type"},
			MaxAge:       12 * time.Hour,
		}))
	}
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		cfg:       cfg,
		router:    r,
		transport: ts,
		auth:      as,
		appeared:  time.Now(),
	}
	s.registerRoutes()
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

// Run serves until ctx ends, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Msgf("admin.Server.Run listening addr=%q", s.cfg.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		log.Info().Msgf("admin.Server.Run shutting down addr=%q", s.cfg.Addr)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		<-errCh
		return nil
	}
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"uptime":    time.Since(s.appeared).String(),
			"component": s.cfg.Component,
			"version":   version,
		})
	})

	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.router.GET("/ready", func(c *gin.Context) {
		listening := s.transport != nil && s.transport.Addr() != ""
		status := http.StatusOK
		if !listening {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"ready":     listening,
			"uptime":    time.Since(s.appeared).String(),
			"component": s.cfg.Component,
			"version":   version,
		})
	})

	s.router.GET("/modules", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"modules": s.transport.Registry().Modules(),
			"dropped": s.transport.DroppedPackets(),
		})
	})

	s.router.GET("/connections", func(c *gin.Context) {
		conns := s.transport.Connections()
		infos := make([]transport.ConnInfo, 0, len(conns))
		for _, conn := range conns {
			infos = append(infos, conn.Info())
		}
		c.JSON(http.StatusOK, gin.H{"connections": infos})
	})

	s.router.GET("/connections/:id", func(c *gin.Context) {
		conn, ok := s.transport.Connection(c.Param("id"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "connection not found"})
			return
		}
		resp := gin.H{"connection": conn.Info()}
		if sess, ok := s.auth.Session(conn.ID()); ok {
			resp["session"] = sess
		}
		c.JSON(http.StatusOK, resp)
	})

	s.router.GET("/sessions", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"sessions": s.auth.Sessions()})
	})

	// Logging out forces the connection to repeat the handshake.
	s.router.DELETE("/connections/:id/session", func(c *gin.Context) {
		conn, ok := s.transport.Connection(c.Param("id"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "connection not found"})
			return
		}
		if err := s.auth.Logout(conn); err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, auth.ErrNotAuthenticated) {
				status = http.StatusConflict
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
}

func normalizeOrigins(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		o = strings.TrimSpace(o)
		if o != "" {
			out = append(out, o)
		}
	}
	return out
}
