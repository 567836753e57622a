package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"pocketclaw/internal/app"
	"pocketclaw/internal/config"
	"pocketclaw/internal/credits"
	"pocketclaw/internal/machine"
	"pocketclaw/internal/registry"
	"pocketclaw/internal/server"
	"pocketclaw/internal/usertoken"
	"pocketclaw/internal/util"
	"pocketclaw/pkg/agent"
	"pocketclaw/pkg/fly"
	"pocketclaw/pkg/storage"
	"pocketclaw/pkg/store"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := util.InitLogger(cfg.LogLevel)

	jwtLeeway, err := config.ParseJWTLeeway(cfg.JWTLeeway)
	if err != nil {
		fatal("failed to parse jwt leeway", err)
	}
	readyDelay, err := config.ParseReadyDelay(cfg.MachineReadyDelay)
	if err != nil {
		fatal("failed to parse machine ready delay", err)
	}

	tokenVerifier, err := usertoken.NewVerifier(usertoken.Config{
		JWKSURL:    cfg.AuthJWKSURL,
		Issuer:     cfg.JWTIssuer,
		Audience:   cfg.JWTAudience,
		Leeway:     jwtLeeway,
		HTTPClient: &http.Client{Timeout: 5 * time.Second},
	})
	if err != nil {
		fatal("failed to init jwks verifier", err)
	}

	db, err := store.NewGormStore(cfg.DatabaseURL)
	if err != nil {
		fatal("failed to init store", err)
	}

	flyClient, err := fly.NewClient(cfg.FlyAPIToken, cfg.FlyAppName)
	if err != nil {
		fatal("failed to init fly client", err)
	}
	if cfg.FlyAPIBaseURL != "" {
		flyClient.SetBaseURL(cfg.FlyAPIBaseURL)
	}

	machines, err := machine.NewController(machine.Config{
		Store:      db,
		Fly:        flyClient,
		Image:      cfg.MachineImage,
		BackendURL: cfg.BackendURL,
	})
	if err != nil {
		fatal("failed to init machine controller", err)
	}

	ledger := credits.NewLedger(db)

	var archive storage.ObjectStore
	if cfg.MinioEndpoint != "" {
		minioStore, err := storage.NewMinioStore(
			cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey,
			cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			fatal("failed to init transcript archive", err)
		}
		archive = minioStore
	}

	agentClient := agent.NewClient(
		fmt.Sprintf("http://%s.flycast", cfg.FlyAppName),
		cfg.MachineSecret, "")

	appCore, err := app.New(app.Config{
		Store:        db,
		Machines:     machines,
		Ledger:       ledger,
		Agent:        agentClient,
		Archive:      archive,
		HistoryLimit: cfg.MessageHistoryLimit,
		ReadyRetries: cfg.MachineReadyRetries,
		ReadyDelay:   readyDelay,
	})
	if err != nil {
		fatal("failed to init app", err)
	}

	httpServer, err := server.New(server.Config{
		App:                       appCore,
		Machines:                  machines,
		Ledger:                    ledger,
		Registry:                  registry.New(),
		TokenVerifier:             tokenVerifier,
		MachineSecret:             cfg.MachineSecret,
		RedisAddr:                 cfg.RedisAddr,
		RedisPassword:             cfg.RedisPassword,
		MessageRateLimitPerMinute: cfg.MessageRateLimitPerMin,
		SignupBonusCredits:        cfg.SignupBonusCredits,
	})
	if err != nil {
		fatal("failed to init server", err)
	}

	trustedProxies, err := util.NewTrustedProxies(cfg.TrustedProxyCIDRs)
	if err != nil {
		fatal("failed to parse trusted proxy cidrs", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      util.WithRequestLog("relay", trustedProxies, util.WithRequestID(httpServer.Router())),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // websocket sessions hold the connection open
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		slog.Info("relay listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if err := group.Wait(); err != nil {
		logger.Error("server error", "err", err)
		os.Exit(1)
	}
}

func fatal(msg string, err error) {
	slog.Error(msg, "err", err)
	os.Exit(1)
}
