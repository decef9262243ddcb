package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"collections-dialer/internal/audit"
	"collections-dialer/internal/auth"
	"collections-dialer/internal/calls"
	"collections-dialer/internal/config"
	"collections-dialer/internal/credential"
	"collections-dialer/internal/dispatch"
	"collections-dialer/internal/telephony"
	"collections-dialer/pkg/clock"
	"collections-dialer/pkg/logger"
	"collections-dialer/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
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

	log := logger.New(cfg.App.Env, cfg.App.LogLevel)
	slog.SetDefault(log)

	if err := run(rootCtx, cfg, log); err != nil {
		log.Error("dialer stopped with error", "err", err)
		os.Exit(1)
	}
	log.Info("shutdown complete")
}

func run(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		return fmt.Errorf("auth init: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	var rdb *redis.Client
	if cfg.RedisEnabled() {
		rdb, err = utils.OpenRedis(ctx, utils.RedisConfig{
			Addr:     cfg.RedisAddr(),
			Username: cfg.Redis.Username,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return fmt.Errorf("redis init: %w", err)
		}
		defer rdb.Close()
	} else {
		log.Warn("REDIS_HOST not set; credential and line lock are process-local")
	}

	var db *sql.DB
	if cfg.DBEnabled() {
		db, err = utils.OpenPostgres(ctx, cfg.PostgresDSN(), utils.PostgresPoolConfig{})
		if err != nil {
			return fmt.Errorf("postgres init: %w", err)
		}
		defer db.Close()
	}

	records, auditRepo, err := openRepositories(ctx, db)
	if err != nil {
		return err
	}

	clk := clock.Real()
	dispatcher := dispatch.New(log)

	transport, creds, err := buildTransport(ctx, cfg, rdb, dispatcher, clk, reg, log)
	if err != nil {
		return err
	}

	var lineLock calls.LineLock = calls.NewMemoryLineLock()
	if rdb != nil && cfg.Dialer.LineID != "" {
		lineLock, err = calls.NewRedisLineLock(rdb, cfg.Dialer.LineID, cfg.Dialer.LineLockTTL)
		if err != nil {
			return err
		}
	}

	ctrl, err := calls.NewController(transport, calls.Options{
		Credentials:      creds,
		Sink:             dispatcher,
		LineLock:         lineLock,
		Clock:            clk,
		Logger:           log,
		Metrics:          calls.NewMetrics(reg),
		CountryCode:      cfg.Dialer.CountryCode,
		PollInitialDelay: cfg.Dialer.PollInitialDelay,
		PollInterval:     cfg.Dialer.PollInterval,
		RingTimeout:      cfg.Dialer.RingTimeout,
	})
	if err != nil {
		return err
	}

	recorder, err := calls.NewRecorder(records, cfg.Dialer.LineID, log)
	if err != nil {
		return err
	}
	recordSub := ctrl.Subscribe()

	if err := ctrl.Start(ctx); err != nil {
		return err
	}

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log, "/healthz", "/metrics"))

	registerRoutes(r, routeDeps{
		cfg:        cfg,
		auth:       authManager,
		controller: ctrl,
		records:    records,
		audit:      audit.NewService(auditRepo, cfg.Dialer.LineID),
		dispatcher: dispatcher,
		registry:   reg,
		db:         db,
		rdb:        rdb,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// No WriteTimeout: /v1/calls/events is a long-lived stream.
		IdleTimeout: 60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return ignoreCanceled(dispatcher.Run(gctx, ctrl))
	})
	g.Go(func() error {
		return ignoreCanceled(recorder.Run(gctx, recordSub))
	})
	g.Go(func() error {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env, "transport", ctrl.TransportName())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutdown initiated")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("http shutdown failed", "err", err)
		}
		closeController(shutdownCtx, ctrl, log)
		return nil
	})

	return g.Wait()
}

// buildTransport selects the call-control adapter. Only the rest transport
// needs the PBX credential; the others return nil Credentials.
func buildTransport(
	ctx context.Context,
	cfg config.Config,
	rdb *redis.Client,
	sink dispatch.Sink,
	clk clock.Clock,
	reg prometheus.Registerer,
	log *slog.Logger,
) (telephony.Transport, calls.Credentials, error) {
	switch cfg.Dialer.Transport {
	case config.TransportSIP:
		t, err := telephony.NewSIPTransport(telephony.SIPOptions{
			Domain:       cfg.SIP.Domain,
			Username:     cfg.SIP.Username,
			Password:     cfg.SIP.Password,
			DisplayName:  cfg.SIP.DisplayName,
			Transport:    cfg.SIP.Transport,
			ListenAddr:   cfg.SIP.ListenAddr,
			ExternalHost: cfg.SIP.ExternalHost,
			UserAgent:    cfg.SIP.UserAgent,
			TLSCertFile:  cfg.SIP.TLSCertFile,
			TLSKeyFile:   cfg.SIP.TLSKeyFile,
		}, sink, log)
		return t, nil, err

	case config.TransportExternal:
		t, err := telephony.NewExternalTransport(telephony.NewCommandLauncher(), sink, clk, cfg.Dialer.ExternalConnectDelay, log)
		return t, nil, err
	}

	var store credential.Store = credential.NewMemoryStore()
	if rdb != nil {
		rs, err := credential.NewRedisStore(rdb, cfg.PBX.CredentialKey)
		if err != nil {
			return nil, nil, err
		}
		store = rs
	}

	login := credential.NewHTTPLoginClient(cfg.PBX.BaseURL, cfg.PBX.Identity, cfg.PBX.Password, cfg.PBX.RequestTimeout)
	mgr, err := credential.NewManager(login, credential.Options{
		Store:             store,
		Clock:             clk,
		Logger:            log,
		Metrics:           credential.NewMetrics(reg),
		MaxForcedRenewals: cfg.Dialer.MaxForcedRenewals,
		LoginTimeout:      cfg.PBX.RequestTimeout,
	})
	if err != nil {
		return nil, nil, err
	}
	if restored, err := mgr.Restore(ctx); err != nil {
		log.Warn("stored pbx credential not restored", "err", err)
	} else if restored {
		log.Info("restored pbx credential")
	}

	t, err := telephony.NewPBXTransport(telephony.PBXOptions{
		BaseURL:    cfg.PBX.BaseURL,
		CallerID:   cfg.PBX.CallerID,
		WebhookURL: cfg.PBX.WebhookURL,
		Timeout:    cfg.PBX.RequestTimeout,
	}, mgr, log)
	if err != nil {
		return nil, nil, err
	}
	return t, mgr, nil
}

func openRepositories(ctx context.Context, db *sql.DB) (recordStore, audit.Repository, error) {
	if db == nil {
		return calls.NewMemoryRepo(), audit.NewMemoryRepo(), nil
	}

	records, err := calls.NewPostgresRepo(db)
	if err != nil {
		return nil, nil, err
	}
	if err := records.EnsureSchema(ctx); err != nil {
		return nil, nil, fmt.Errorf("call_records schema: %w", err)
	}

	events, err := audit.NewPostgresRepo(db)
	if err != nil {
		return nil, nil, err
	}
	if err := events.EnsureSchema(ctx); err != nil {
		return nil, nil, fmt.Errorf("audit_events schema: %w", err)
	}
	return records, events, nil
}

// closeController hangs up a live call before stopping the transport, since
// Close is refused while a session exists.
func closeController(ctx context.Context, ctrl *calls.Controller, log *slog.Logger) {
	if _, live := ctrl.Current(); live {
		if err := ctrl.Hangup(ctx); err != nil && !errors.Is(err, calls.ErrNoActiveCall) {
			log.Warn("hangup on shutdown failed", "err", err)
		}
	}
	if err := ctrl.Close(ctx); err != nil {
		log.Error("controller close failed", "err", err)
	}
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
