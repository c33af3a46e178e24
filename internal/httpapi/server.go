package httpapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"finbench/internal/config"
	"finbench/internal/gather"
	"finbench/internal/metrics"
	"finbench/internal/store"
	"finbench/internal/symbol"
)

// Deps are the components the API reads from and drives.
type Deps struct {
	Config  *config.Config
	Store   *store.SQLiteStore
	Service *gather.Service
	Symbols *symbol.Canonicalizer
	// Stream serves /ws/snapshots when set.
	Stream  http.Handler
	Metrics *metrics.Recorder
	Logger  *slog.Logger
}

// Server serves the JSON API.
type Server struct {
	cfg   *config.Config
	db    *store.SQLiteStore
	svc   *gather.Service
	canon *symbol.Canonicalizer
	now   func() time.Time
	log   *slog.Logger
	echo  *echo.Echo
}

type requestValidator struct{ v *validator.Validate }

func (r requestValidator) Validate(i any) error {
	if err := r.v.Struct(i); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return nil
}

// New builds the server and registers every route.
func New(d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:   d.Config,
		db:    d.Store,
		svc:   d.Service,
		canon: d.Symbols,
		now:   time.Now,
		log:   logger.With("component", "httpapi"),
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = requestValidator{v: validator.New()}
	e.HTTPErrorHandler = s.handleError

	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:   true,
		LogURI:      true,
		LogMethod:   true,
		LogLatency:  true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			level := slog.LevelDebug
			if v.Status >= http.StatusInternalServerError {
				level = slog.LevelWarn
			}
			s.log.Log(c.Request().Context(), level, "request", "method", v.Method, "uri", v.URI,
				"status", v.Status, "latency", v.Latency)
			return nil
		},
	}))
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept},
	}))

	s.echo = e
	s.registerRoutes(d)
	return s
}

func (s *Server) registerRoutes(d Deps) {
	e := s.echo
	e.GET("/healthz", s.handleHealth)
	if d.Metrics != nil {
		e.GET("/metrics", echo.WrapHandler(d.Metrics.Handler()))
	}
	if d.Stream != nil {
		e.GET("/ws/snapshots", echo.WrapHandler(d.Stream))
	}

	g := e.Group("/api/v1")
	g.GET("/snapshots/:id", s.handleSnapshot)
	g.GET("/daily/:id", s.handleDaily)
	g.GET("/fundamentals/:id", s.handleFundamentals)
	g.POST("/fundamentals/:id/sync", s.handleSyncFundamentals)
	g.POST("/sync", s.handleSync)
	g.GET("/jobs/:id", s.handleJob)
	g.POST("/backfill", s.handleBackfill)
	g.POST("/raw/:id/process", s.handleProcessRaw)
	g.POST("/assets", s.handleRegisterAsset)
	g.GET("/assets", s.handleListAssets)
	g.GET("/canonicalize", s.handleCanonicalize)
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.echo }

// Run serves on the configured address until ctx is cancelled, then shuts
// down gracefully.
func (s *Server) Run(ctx context.Context) error {
	sc := s.cfg.Server
	srv := &http.Server{
		Addr:         net.JoinHostPort(sc.Host, strconv.Itoa(sc.Port)),
		ReadTimeout:  sc.ReadTimeout,
		WriteTimeout: sc.WriteTimeout,
	}
	errc := make(chan error, 1)
	go func() {
		s.log.Info("http server listening", "addr", srv.Addr)
		errc <- s.echo.StartServer(srv)
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sc.ShutdownTimeout)
	defer cancel()
	if err := s.echo.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	s.log.Info("http server stopped")
	return nil
}
