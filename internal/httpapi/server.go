// Package httpapi exposes the reminder system over REST: parent and class
// CRUD, the manual-trigger path, the inbound message webhook, the
// delivery log and a health snapshot.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"studysync/internal/engine"
	"studysync/internal/notifier"
	"studysync/internal/registry"
	"studysync/pkg/logx"
)

type Config struct {
	Addr           string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	AllowedOrigins []string
}

type Server struct {
	cfg   Config
	eng   *engine.Engine
	reg   *registry.Service
	notif *notifier.Service // nil disables webhook replies over the channel
	log   logx.Logger

	srv *http.Server
}

func NewServer(cfg Config, eng *engine.Engine, reg *registry.Service, notif *notifier.Service, log logx.Logger) *Server {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 15 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Server{cfg: cfg, eng: eng, reg: reg, notif: notif, log: log}
	s.srv = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.Router(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Router builds the gin engine. Exposed separately so tests can drive the
// handlers without binding a socket.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(s.requestLogger())

	if len(s.cfg.AllowedOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins:     s.cfg.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Authorization", "Content-Type"},
			ExposeHeaders:    []string{"Content-Length"},
			AllowCredentials: true,
		}))
	}

	parents := r.Group("/parents")
	{
		parents.POST("", s.createParent)
		parents.GET("", s.listParents)
		parents.GET("/:phone", s.getParent)
	}

	classes := r.Group("/classes")
	{
		classes.POST("", s.createClass)
		classes.GET("", s.listClasses)
		classes.GET("/parent/:phone", s.classesForParent)
		classes.PUT("/:id", s.updateClass)
		classes.DELETE("/:id", s.deleteClass)
		classes.POST("/:id/deactivate", s.deactivateClass)
		classes.POST("/:id/activate", s.activateClass)
	}

	r.POST("/reminders/send/:id", s.sendReminder)
	r.GET("/messages/:phone", s.listMessages)
	r.POST("/webhook/inbound", s.inboundWebhook)
	r.GET("/health", s.health)

	return r
}

func (s *Server) Start() error {
	s.log.Info("http server listening", logx.String("addr", s.cfg.Addr))
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("http request",
			logx.String("method", c.Request.Method),
			logx.String("path", c.Request.URL.Path),
			logx.Int("status", c.Writer.Status()),
			logx.Duration("took", time.Since(start)),
		)
	}
}
