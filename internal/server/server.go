// Package server exposes the engine over HTTP: task creation and inspection,
// branch management, plan updates, namespace CRUD, health and metrics.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"stackvm/internal/config"
	"stackvm/internal/engine"
	"stackvm/internal/logging"
	"stackvm/internal/store"
)

// Server wires the HTTP surface. Task execution is asynchronous: POST /tasks
// enqueues the task and returns immediately; progress is observed through
// the commit history.
type Server struct {
	engine  *engine.Engine
	store   store.Store
	queue   *engine.Queue
	cfg     *config.Config
	logger  logging.Logger
	router  *gin.Engine
	metrics *prometheus.Registry
}

// Options wires the server's collaborators. Metrics may be nil; a private
// registry is created then.
type Options struct {
	Engine  *engine.Engine
	Store   store.Store
	Queue   *engine.Queue
	Config  *config.Config
	Logger  logging.Logger
	Metrics *prometheus.Registry
}

func New(opts Options) *Server {
	metrics := opts.Metrics
	if metrics == nil {
		metrics = prometheus.NewRegistry()
		metrics.MustRegister(collectors.NewGoCollector())
	}
	s := &Server{
		engine:  opts.Engine,
		store:   opts.Store,
		queue:   opts.Queue,
		cfg:     opts.Config,
		logger:  logging.OrNop(opts.Logger),
		metrics: metrics,
	}
	s.router = s.buildRouter()
	return s
}

func (s *Server) buildRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	if len(s.cfg.CORSOrigins) > 0 {
		corsConfig.AllowOrigins = s.cfg.CORSOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowHeaders = append(corsConfig.AllowHeaders, "Authorization")
	router.Use(cors.New(corsConfig))

	router.GET("/healthz", s.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.metrics, promhttp.HandlerOpts{})))

	tasks := router.Group("/tasks")
	{
		tasks.POST("", s.handleCreateTask)
		tasks.GET("", s.handleListTasks)
		tasks.GET("/:id/branches", s.handleListBranches)
		tasks.GET("/:id/branches/:branch/details", s.handleBranchDetails)
		tasks.DELETE("/:id/branches/:branch", s.handleDeleteBranch)
		tasks.GET("/:id/commits/:hash/detail", s.handleCommitDetail)
		tasks.GET("/:id/commits/:hash/diff", s.handleCommitDiff)
		tasks.POST("/:id/set_branch", s.handleSetBranch)
		tasks.POST("/:id/dynamic_update", s.handleDynamicUpdate)
		tasks.POST("/:id/optimize_step", s.handleOptimizeStep)
		tasks.GET("/:id/labels", s.handleListLabels)
		tasks.POST("/:id/labels", s.handleAddLabel)
	}

	namespaces := router.Group("/namespaces")
	{
		namespaces.GET("", s.handleListNamespaces)
		namespaces.POST("", s.handleSaveNamespace)
		namespaces.GET("/:name", s.handleGetNamespace)
		namespaces.DELETE("/:name", s.handleDeleteNamespace)
	}

	return router
}

// Router exposes the gin engine, mainly for tests.
func (s *Server) Router() *gin.Engine { return s.router }

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening on %s", addr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
