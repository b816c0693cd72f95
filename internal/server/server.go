package server

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/prospecthq/prospect/config"
	core "github.com/prospecthq/prospect/internal/agent/core"
	"github.com/prospecthq/prospect/internal/agent/telemetry"
	"github.com/prospecthq/prospect/internal/runtime"
	"github.com/prospecthq/prospect/internal/store"
	"github.com/prospecthq/prospect/session"
	"github.com/prospecthq/prospect/session/inmemory"
	redissession "github.com/prospecthq/prospect/session/redis"
)

// Run wires the HTTP surface, storage and the agent, then serves until the
// listener fails.
func Run(cfg *config.Config, addr string) error {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())

	baseLogger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		baseLogger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, HTTPError{Error: msg})
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Cookie", "Authorization"},
		AllowCredentials: true,
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	ctx := context.Background()
	dsn := cfg.Storage.Postgres.DSN()
	if err := Migrate("file://migrations", dsn, "up", 0); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	st, err := store.NewWithDSN(ctx, dsn)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}

	tele := telemetry.NewTelemetry(cfg.Telemetry)
	orchLogger := log.New(log.Writer(), "[ORCH] ", log.LstdFlags)
	orch, err := core.NewOrchestrator(cfg, orchLogger, tele)
	if err != nil {
		return err
	}

	sessions, rdb, err := buildSessionStore(cfg)
	if err != nil {
		return err
	}

	secret, err := runtime.LoadJWTSecret(cfg)
	if err != nil {
		return err
	}

	api := e.Group("/api")
	auth := &AuthHandler{Store: st, Secret: secret}
	auth.Register(api.Group("/auth"))

	sh := &SessionsHandler{
		Sessions: sessions,
		Store:    st,
		Agent:    orch,
		TTL:      cfg.Storage.SessionTTL,
		Logger:   log.New(log.Writer(), "[SESSIONS] ", log.LstdFlags),
	}
	sh.Register(api.Group("/sessions"), secret)

	wh := &WatchesHandler{Store: st}
	wh.Register(api.Group("/watches"), secret)

	api.GET("/status", func(c echo.Context) error {
		return c.JSON(http.StatusOK, orch.Metrics())
	}, runtime.EchoAuthMiddleware(secret))

	sched := &Scheduler{
		Store:    st,
		Sessions: sessions,
		Rdb:      rdb,
		Agent:    orch,
		Logger:   log.New(log.Writer(), "[SCHED] ", log.LstdFlags),
		Stop:     make(chan struct{}),
	}
	sched.Start()
	defer sched.Shutdown()

	if addr == "" {
		addr = cfg.Server.Address
		if addr == "" {
			addr = ":10001"
		}
	}
	log.Printf("listening on %s", addr)
	return e.Start(addr)
}

// buildSessionStore selects the conversation backend. Redis keeps state
// across restarts and replicas; inmemory suits single-node and dev runs.
func buildSessionStore(cfg *config.Config) (session.Store, *redis.Client, error) {
	if cfg.Storage.SessionBackend != "redis" {
		return inmemory.NewInMemorySessionStore(), nil, nil
	}
	if err := cfg.Storage.Redis.Validate(); err != nil {
		return nil, nil, err
	}
	addr := fmt.Sprintf("%s:%s", cfg.Storage.Redis.Host, cfg.Storage.Redis.Port)
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Storage.Redis.Password, DB: cfg.Storage.Redis.DB})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, nil, fmt.Errorf("redis connection failed (%s): %w", addr, err)
	}
	return redissession.NewRedisSessionStore(addr, cfg.Storage.Redis.Password, cfg.Storage.Redis.DB), rdb, nil
}
