package server

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	appconfig "github.com/ugcreach/engage/config"
	"github.com/ugcreach/engage/internal/agent"
	"github.com/ugcreach/engage/internal/gateway"
	"github.com/ugcreach/engage/internal/index"
	"github.com/ugcreach/engage/internal/queue/streams"
	"github.com/ugcreach/engage/internal/runtime"
	"github.com/ugcreach/engage/internal/scoring"
	"github.com/ugcreach/engage/internal/store"
	"github.com/ugcreach/engage/internal/telemetry"
	"github.com/ugcreach/engage/internal/workflow"
)

// Run wires every collaborator and serves the API until the listener stops.
func Run(configPath, addr string) error {
	cfg, err := appconfig.LoadConfig(configPath)
	if err != nil {
		return err
	}

	e := newEcho()
	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	ctx := context.Background()
	dsn := cfg.Storage.Postgres.DSN()
	if err := Migrate("file://migrations", dsn, "up", 0); err != nil {
		log.Printf("[MIGRATE] warning: %v", err)
	}
	st, err := store.NewWithDSN(ctx, dsn)
	if err != nil {
		return err
	}

	tele := telemetry.New(log.New(log.Writer(), "[TELEMETRY] ", log.LstdFlags), prometheus.DefaultRegisterer)
	gw, err := gateway.New(cfg.LLM, log.New(log.Writer(), "[GATEWAY] ", log.LstdFlags), tele)
	if err != nil {
		return err
	}

	ix := index.New(cfg.Index, gw, gw, st, log.New(log.Writer(), "[INDEX] ", log.LstdFlags), tele)
	if err := ix.Load(ctx); err != nil {
		return fmt.Errorf("load index: %w", err)
	}

	scorer := scoring.New(cfg.Scoring)
	pool := workflow.NewPool(cfg.Workflow.BatchWorkers)
	deps := agent.Deps{
		LLM:       gw,
		Retriever: ix,
		Scorer:    scorer,
		Source:    st,
		Sink:      st,
		Pool:      pool,
		Logger:    log.New(log.Writer(), "[AGENT] ", log.LstdFlags),
	}

	engineOpts := []workflow.Option{
		workflow.WithRunStore(st),
		workflow.WithTelemetry(tele),
	}

	var rdb *redis.Client
	if cfg.Storage.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Storage.Redis.Addr,
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis connection failed (%s): %w", cfg.Storage.Redis.Addr, err)
		}
		if cfg.Events.Enabled {
			pub := streams.NewPublisher(rdb, cfg.Events.Stream, cfg.Events.MaxLength)
			engineOpts = append(engineOpts, workflow.WithEvents(pub))
		}
	}

	engine, err := workflow.NewEngine(cfg.Workflow, agent.Graph(deps), log.New(log.Writer(), "[ENGINE] ", log.LstdFlags), engineOpts...)
	if err != nil {
		return err
	}

	secret, err := runtime.LoadJWTSecret(cfg)
	if err != nil {
		return err
	}
	authMW := runtime.EchoAuthMiddleware(secret)

	api := e.Group("/api")
	auth := &AuthHandler{Store: st, Secret: secret}
	auth.Register(api.Group("/auth"))

	rh := &RunsHandler{Engine: engine, Archive: st}
	rh.Register(api.Group("/workflows"), authMW)

	reh := &RetrievalHandler{Index: ix, Gateway: gw}
	reh.Register(api.Group("/index"), authMW)

	uh := &UsersHandler{Store: st, Scorer: scorer}
	uh.Register(api.Group("/users"), authMW)

	if cfg.Index.RebuildCron != "" && rdb != nil {
		sched := &index.Scheduler{
			Index:  ix,
			Cron:   cfg.Index.RebuildCron,
			Rdb:    rdb,
			Logger: log.New(log.Writer(), "[SCHED] ", log.LstdFlags),
			Stop:   make(chan struct{}),
		}
		sched.Start()
	}

	if addr == "" {
		addr = cfg.Server.Address
	}
	return e.Start(addr)
}

// newEcho builds the echo instance with the shared middleware stack.
func newEcho() *echo.Echo {
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
	return e
}
