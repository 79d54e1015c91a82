// Command phazeid runs the identity provider HTTP server.
//
// Configuration is read from the environment, after loading an optional
// .env file from the working directory. The main settings are:
//
//	PORT                     listen port (default 8080)
//	MONGO_URI, MONGO_DATABASE
//	REDIS_ADDRS              comma separated redis addresses
//	PHAZEID_SESSION_BACKEND  redis (default) or mongo
//	TURNSTILE_SECRET         captcha secret, required unless PHAZEID_DEV
//	SMTP_ADDR, SMTP_USERNAME, SMTP_PASSWORD
//	VAULT_SECRET, VAULT_SALT enable linked secrets and sealed TOTP secrets
//	IPINFO_TOKEN             session geolocation
//	PHAZEID_AUDIT_SECURITY_FILE  JSON lines file for lockout, deletion and session events
//
// Run:
//
//	PHAZEID_DEV=1 go run ./cmd/phazeid
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

	"github.com/MrEthical07/phazeid"
	"github.com/MrEthical07/phazeid/challenge"
	"github.com/MrEthical07/phazeid/geo"
	"github.com/MrEthical07/phazeid/notify"
	"github.com/MrEthical07/phazeid/store/mongostore"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
		os.Exit(1)
	}

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := newLogger(cfg.Dev)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server stopped", zap.Error(err))
	}
}

func newLogger(dev bool) (*zap.Logger, error) {
	if dev {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// newAuditSink logs audit events through zap. With a security file set,
// lockout, deletion and session events are appended to it as JSON lines
// instead.
func newAuditSink(cfg serverConfig, logger *zap.Logger) (phazeid.AuditSink, func(), error) {
	zapSink := phazeid.NewZapSink(logger)
	if cfg.AuditSecurityFile == "" {
		return zapSink, func() {}, nil
	}
	f, err := os.OpenFile(cfg.AuditSecurityFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, nil, fmt.Errorf("open audit security file: %w", err)
	}
	security := phazeid.NewJSONWriterSink(f)
	router := phazeid.NewAuditRouter(zapSink).
		Route(phazeid.AuditLockout, security).
		Route(phazeid.AuditDeletion, security).
		Route(phazeid.AuditSession, security)
	return router, func() {
		if err := f.Close(); err != nil {
			logger.Warn("close audit security file", zap.Error(err))
		}
	}, nil
}

func run(cfg serverConfig, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---------- backends ----------
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	mongo, err := mongostore.Connect(connectCtx, cfg.Mongo.URI, cfg.Mongo.Database)
	if err != nil {
		return err
	}
	defer func() {
		if err := mongo.Disconnect(context.Background()); err != nil {
			logger.Warn("mongo disconnect", zap.Error(err))
		}
	}()
	if err := mongo.EnsureIndexes(connectCtx); err != nil {
		return err
	}

	rdb := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    cfg.Redis.Addrs,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer func() { _ = rdb.Close() }()
	if err := rdb.Ping(connectCtx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}

	// ---------- engine ----------
	sink, closeAudit, err := newAuditSink(cfg, logger)
	if err != nil {
		return err
	}
	defer closeAudit()

	builder := phazeid.New().
		WithConfig(cfg.engineConfig()).
		WithStore(mongo).
		WithRedis(rdb).
		WithLogger(logger).
		WithAuditSink(sink)

	if cfg.SessionBackend == "mongo" {
		builder.WithSessionStore(mongo)
	}

	if cfg.SMTP.Addr != "" {
		mailer, err := notify.NewSMTPMailer(notify.SMTPConfig{
			Addr:     cfg.SMTP.Addr,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
			From:     cfg.SMTP.From,
			FromName: cfg.SMTP.FromName,
		})
		if err != nil {
			return err
		}
		builder.WithMailer(mailer)
	} else {
		logger.Warn("SMTP_ADDR not set, mail is logged instead of sent")
		builder.WithMailer(notify.LogMailer{Logger: logger.Named("mail")})
	}

	if cfg.Turnstile.Secret != "" {
		verifier, err := challenge.NewTurnstile(challenge.TurnstileConfig{Secret: cfg.Turnstile.Secret})
		if err != nil {
			return err
		}
		builder.WithChallenge(verifier)
	} else {
		logger.Warn("TURNSTILE_SECRET not set, every captcha passes")
		builder.WithChallenge(challenge.Static(true))
	}

	if cfg.IPInfo.Token != "" {
		builder.WithLocator(geo.NewIPInfo(geo.IPInfoConfig{Token: cfg.IPInfo.Token}))
	}

	engine, err := builder.Build()
	if err != nil {
		return fmt.Errorf("engine build: %w", err)
	}
	defer engine.Close()

	// ---------- http ----------
	handler, err := newRouter(engine, routerOptions{
		AllowedOrigins: cfg.AllowedOrigins,
		SecureCookies:  !cfg.Dev,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", srv.Addr), zap.String("sessions", cfg.SessionBackend))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancelShutdown()
	return srv.Shutdown(shutdownCtx)
}
