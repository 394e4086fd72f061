package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/thejerf/suture/v4"

	"crewtrack/internal/api"
	"crewtrack/internal/auth"
	"crewtrack/internal/authz"
	"crewtrack/internal/buildinfo"
	"crewtrack/internal/config"
	"crewtrack/internal/directions"
	"crewtrack/internal/identity"
	"crewtrack/internal/logging"
	"crewtrack/internal/metrics"
	"crewtrack/internal/model"
	"crewtrack/internal/realtime"
	"crewtrack/internal/session"
	"crewtrack/internal/store"
	"crewtrack/internal/tracking"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("load config")
	}
	logging.Init(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, Caller: cfg.Log.Caller})
	metrics.RegisterDefault()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		logging.Fatal().Err(err).Msg("server stopped")
	}
	logging.Info().Msg("shutdown complete")
}

func run(ctx context.Context, cfg *config.Config) error {
	broker, closeBroker, err := newBroker(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	defer closeBroker()
	mgr := realtime.NewManager(broker)

	var st store.Store
	var pg *store.Postgres
	if cfg.Database.URL == "" {
		mem := store.NewMemory()
		mem.OnChange(mgr.Publish)
		st = mem
		logging.Warn().Msg("DATABASE_URL not set, using in-memory store")
	} else {
		pg, err = store.NewPostgres(cfg.Database.URL)
		if err != nil {
			return fmt.Errorf("open postgres: %w", err)
		}
		defer pg.Close()
		if cfg.Database.Migrate {
			if err := pg.Migrate(); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
		}
		st = pg
	}

	if b := cfg.Bootstrap; b.AdminUserID != "" {
		admin, created, err := store.Bootstrap(ctx, st, b.OrganizationName, model.CrewMember{UserID: b.AdminUserID, Name: b.AdminName, Email: b.AdminEmail})
		if err != nil {
			return err
		}
		if created {
			logging.Info().Str("crew_member_id", admin.ID).Str("organization_id", admin.OrganizationID).Msg("bootstrapped organization admin")
		}
	}

	enforcer, err := authz.NewEnforcer()
	if err != nil {
		return err
	}

	var ids identity.Admin = identity.NewLocalAdmin()
	if cfg.Identity.Provider == "gotrue" {
		ids = identity.NewGoTrueAdmin(cfg.Identity.URL, cfg.Identity.ServiceRoleKey, nil)
	}

	var dirs directions.Service = directions.NewLocalPlanner(cfg.Directions.SpeedKph)
	if cfg.Directions.Provider == "google" {
		dirs = directions.NewGoogleClient(directions.GoogleOptions{
			BaseURL: cfg.Directions.BaseURL,
			APIKey:  cfg.Directions.APIKey,
			Timeout: cfg.Directions.Timeout,
		})
	}

	srv := &api.Server{
		Store:               st,
		Broker:              broker,
		Realtime:            mgr,
		Tracking:            tracking.NewService(st, mgr, dirs, cfg.Tracking.MinPositionInterval, cfg.Tracking.PositionBurst),
		Sessions:            session.NewResolver(auth.NewVerifier(cfg.Auth.Mode, cfg.Auth.JWTSecret), st, cfg.Auth.CacheTTL),
		Authz:               enforcer,
		Identity:            ids,
		Config:              cfg.Server,
		IdentityRedirectURL: cfg.Identity.RedirectURL,
	}

	addr := ":" + strconv.Itoa(cfg.Server.Port)
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}

	sup := suture.New("crewtrack", suture.Spec{
		EventHook: func(e suture.Event) {
			logging.Warn().Fields(e.Map()).Msg(e.String())
		},
		FailureThreshold: 5,
		FailureDecay:     30,
		FailureBackoff:   15 * time.Second,
		Timeout:          cfg.Server.ShutdownTimeout,
	})
	sup.Add(&api.HTTPService{Server: httpSrv, ShutdownTimeout: cfg.Server.ShutdownTimeout})
	if pg != nil && cfg.Database.Listen {
		sup.Add(realtime.NewPGListener(cfg.Database.URL, broker))
	}

	logging.Info().
		Str("addr", addr).
		Str("version", buildinfo.Version).
		Str("directions", cfg.Directions.Provider).
		Str("identity", cfg.Identity.Provider).
		Msg("API listening")
	return sup.Serve(ctx)
}

func newBroker(ctx context.Context, cfg config.RedisConfig) (realtime.Broker, func(), error) {
	if cfg.URL == "" {
		return realtime.NewMemoryBroker(), func() {}, nil
	}
	rb, err := realtime.NewRedisBroker(cfg.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("redis broker: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := rb.Ping(pingCtx); err != nil {
		_ = rb.Close()
		return nil, nil, fmt.Errorf("redis ping: %w", err)
	}
	return rb, func() { _ = rb.Close() }, nil
}
