package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"telephony-gateway/internal/agent"
	"telephony-gateway/internal/auth"
	"telephony-gateway/internal/bridge"
	"telephony-gateway/internal/calls"
	"telephony-gateway/internal/config"
	"telephony-gateway/internal/httpapi"
	"telephony-gateway/internal/lifecycle"
	"telephony-gateway/internal/media"
	"telephony-gateway/internal/routing"
	"telephony-gateway/internal/signaling"
	"telephony-gateway/pkg/logger"
	"telephony-gateway/pkg/utils"

	"github.com/gin-gonic/gin"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.NewWithOptions(logger.Options{Env: cfg.App.Env, File: cfg.App.LogFile})
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	db, err := utils.OpenPostgres(rootCtx, cfg.PostgresDSN(), utils.PostgresPoolConfig{MaxOpenConns: cfg.DB.MaxConns})
	if err != nil {
		log.Error("postgres init failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	repo := lifecycle.NewPostgresRepo(db)
	if err := repo.EnsureSchema(rootCtx); err != nil {
		log.Error("lifecycle schema failed", "err", err)
		os.Exit(1)
	}

	rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr(), Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	if err != nil {
		log.Error("redis init failed", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	// The in-process tunnel serves before the router exists and answers 503
	// until it is installed.
	var engine atomic.Pointer[gin.Engine]
	front := http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if e := engine.Load(); e != nil {
			e.ServeHTTP(w, req)
			return
		}
		http.Error(w, "starting", http.StatusServiceUnavailable)
	})

	// Nothing can call us back until the tunnel is up.
	tunnels, err := newTunnel(cfg.Tunnel, front, log)
	if err != nil {
		log.Error("tunnel init failed", "err", err)
		os.Exit(1)
	}
	if _, err := tunnels.Start(rootCtx); err != nil {
		log.Error("tunnel unavailable", "err", err)
		os.Exit(1)
	}

	hub := media.NewHub(cfg.Auth.MediaTokenTTL)
	providers, err := newProviders(cfg, tunnels.LastURL, authManager, hub, log)
	if err != nil {
		log.Error("provider init failed", "err", err)
		os.Exit(1)
	}

	agents, err := agent.NewConnector(agent.Config{URL: cfg.Agent.WSURL, Token: cfg.Agent.Token}, log)
	if err != nil {
		log.Error("agent connector init failed", "err", err)
		os.Exit(1)
	}

	rules, err := routing.ParseRules(cfg.Agent.InboundRoutes)
	if err != nil {
		log.Error("inbound routes invalid", "err", err)
		os.Exit(1)
	}
	overrides := routing.NewOverrideEngine(routing.NewRedisOverrides(rdb), log)
	router, err := routing.NewEngine(rules, overrides, nil, log)
	if err != nil {
		log.Error("inbound routing init failed", "err", err)
		os.Exit(1)
	}

	recorder := lifecycle.NewRecorder(repo, log)
	manager, err := calls.NewManager(providers, calls.Options{
		SetupTimeout:       cfg.Calls.SetupTimeout,
		GraceWindow:        cfg.Calls.GraceWindow,
		GCInterval:         cfg.Calls.GCInterval,
		StallWindow:        cfg.Calls.StallWindow,
		ProviderRPCTimeout: cfg.Calls.ProviderRPCTimeout,
		Agents:             agents,
		Router:             router,
		Bridge:             bridge.New(log),
		Limiter:            calls.NewRedisLimiter(rdb, cfg.Calls.OutboundCap),
		Sink:               recorder,
		Logger:             log,
	})
	if err != nil {
		log.Error("call manager init failed", "err", err)
		os.Exit(1)
	}
	go manager.Run(rootCtx)

	sig, err := signaling.NewServer(signaling.Options{
		Providers:   providers,
		Calls:       manager,
		Dedup:       signaling.NewRedisDedup(rdb, cfg.Calls.DedupTTL),
		PublicURL:   tunnels.LastURL,
		AckTimeout:  cfg.Calls.WebhookAckTimeout,
		MediaTokens: authManager,
		Media:       hub,
		Health:      tunnels.Err,
		Status:      func() any { return tunnels.Status() },
		Logger:      log,
	})
	if err != nil {
		log.Error("signaling init failed", "err", err)
		os.Exit(1)
	}

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	registerRoutes(r, sig, httpapi.Handlers{Calls: manager, History: recorder, Overrides: overrides}, auth.RequireAccessToken(authManager))
	engine.Store(r)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// No WriteTimeout: media websockets are long-lived.
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		log.Info("gateway listening", "addr", srv.Addr, "env", cfg.App.Env, "providers", providers.Variants())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated", "calls", manager.Counts())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}
	// Tears down every bridge and agent link before the tunnel goes away.
	manager.Close()
	if err := tunnels.Close(shutdownCtx); err != nil {
		log.Error("tunnel shutdown failed", "err", err)
	}

	_ = logger.ShutdownFlush(shutdownCtx, 2*time.Second)
}
