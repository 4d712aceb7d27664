package main

import (
	"context"
	"crypto/ed25519"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"tessera.dev/internal/auth"
	"tessera.dev/internal/captoken"
	"tessera.dev/internal/config"
	dl "tessera.dev/internal/datalog"
	"tessera.dev/internal/httpapi"
	"tessera.dev/internal/mail"
	"tessera.dev/internal/migrate"
	"tessera.dev/internal/obs"
	"tessera.dev/internal/store/pg"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

// announceGeneratedKey prints a generated signing key once to w so it can be
// configured for the next start. The key never reaches the log.
func announceGeneratedKey(w io.Writer, log zerolog.Logger, key ed25519.PrivateKey) {
	log.Warn().Msg("no private key configured, generated a new one; tokens die with the process")
	fmt.Fprintf(w, "generated signing key, set TESSERA_PRIVATE_KEY to keep it:\n%s\n", captoken.PrivateKeyHex(key))
}

func main() {
	cfg, err := config.Load(os.Args[1:], os.Getenv)
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}

	obs.Configure(obs.LogConfig{Level: cfg.LogLevel, Development: cfg.Development()})
	obs.Init()
	obs.InitBuildInfo(version, commit)
	log := obs.Module("main")

	if cfg.KeyGenerated {
		announceGeneratedKey(os.Stderr, log, cfg.SigningKey)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		db    *sql.DB
		store auth.Store
	)
	if cfg.DatabaseURL != "" {
		db, err = pg.Open(ctx, pg.Config{URL: cfg.DatabaseURL, MaxConns: cfg.MaxConns})
		if err != nil {
			log.Fatal().Err(err).Msg("open database")
		}
		defer db.Close()
		if cfg.AutoMigrate {
			if err := migrate.NewManager(db, nil, migrate.WithLogger(obs.Module("migrate"))).Up(ctx); err != nil {
				log.Fatal().Err(err).Msg("apply migrations")
			}
		}
		store = auth.NewPGStore(db)
	} else {
		log.Warn().Msg("no database configured, users and tokens are kept in memory")
		store = auth.NewMemoryStore(nil)
	}

	svc, err := auth.NewService(store,
		auth.WithSigningKey(cfg.SigningKey),
		auth.WithEvaluationLimits(dl.Limits{MaxTime: cfg.EvaluationBudget}),
		auth.WithMailer(mail.LogMailer{From: cfg.MailSender, Log: obs.Module("mail")}),
		auth.WithAppURL(cfg.AppURL),
		auth.WithPasswordMinLength(cfg.PasswordMinLen),
	)
	if err != nil {
		log.Fatal().Err(err).Msg("build auth service")
	}

	probe := httpapi.ReadyProbe{DB: db}
	api := httpapi.New(svc, probe, version, httpapi.WithAppOrigin(cfg.AppURL))
	go api.Limiter().Run(ctx)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	grpcSrv := httpapi.NewGRPCServer(svc, probe)

	errCh := make(chan error, 2)
	go func() {
		log.Info().Str("addr", srv.Addr).Str("version", version).Msg("http listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http: %w", err)
		}
	}()
	if cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			log.Fatal().Err(err).Str("addr", cfg.GRPCAddr).Msg("grpc listen")
		}
		go func() {
			log.Info().Str("addr", cfg.GRPCAddr).Msg("grpc listening")
			if err := grpcSrv.Serve(lis); err != nil {
				errCh <- fmt.Errorf("grpc: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
	case err := <-errCh:
		log.Error().Err(err).Msg("server failed")
	}
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	grpcSrv.GracefulStop()
	log.Info().Msg("stopped")
}
