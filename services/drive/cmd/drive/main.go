package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"storeit/internal/audit"
	"storeit/internal/metrics"
	"storeit/internal/ratelimit"
	"storeit/internal/util"
	"storeit/internal/viewcache"
	"storeit/pkg/identity"
	"storeit/pkg/notify"
	"storeit/pkg/queue"
	"storeit/pkg/storage"
	"storeit/pkg/store"
	"storeit/services/drive/internal/app"
	"storeit/services/drive/internal/config"
	"storeit/services/drive/internal/server"
)

func main() {
	cfgPath, err := config.ResolvePath(os.Args[1:])
	if err != nil {
		log.Fatalf("failed to parse flags: %v", err)
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	sessionTTL := mustDuration("sessionTTL", cfg.SessionTTL)
	jwtLeeway := mustDuration("jwtLeeway", cfg.JWTLeeway)
	presignExpiry := mustDuration("presignExpiry", cfg.PresignExpiry)
	viewCacheTTL := mustDuration("viewCacheTTL", cfg.ViewCacheTTL)

	logger := util.InitLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rows, err := store.NewGormStore(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to init metadata store: %v", err)
	}
	blobs, err := newBlobStore(ctx, cfg)
	if err != nil {
		log.Fatalf("failed to init blob store: %v", err)
	}

	otp, err := identity.NewOTPStore(identity.OTPStoreConfig{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	if err != nil {
		log.Fatalf("failed to init otp store: %v", err)
	}
	defer otp.Close()
	principals, err := identity.NewPrincipalRegistry(cfg.RedisAddr, cfg.RedisPassword, "")
	if err != nil {
		log.Fatalf("failed to init principal registry: %v", err)
	}
	defer principals.Close()
	revoker, err := identity.NewRedisTokenRevoker(cfg.RedisAddr, cfg.RedisPassword)
	if err != nil {
		log.Fatalf("failed to init token revoker: %v", err)
	}
	defer revoker.Close()
	sessions, err := identity.NewSessionStoreFromPEM(cfg.JWTPrivateKeyPath, sessionTTL, revoker, identity.JWTOptions{
		KeyID:    cfg.JWTKeyID,
		Issuer:   cfg.JWTIssuer,
		Audience: cfg.JWTAudience,
		Leeway:   jwtLeeway,
	})
	if err != nil {
		log.Fatalf("failed to init sessions: %v", err)
	}

	var mailer notify.Mailer = notify.LogMailer{Logger: logger}
	if cfg.AMQPURL != "" {
		amqpMailer, err := notify.NewAMQPMailer(cfg.AMQPURL, cfg.MailQueue)
		if err != nil {
			log.Fatalf("failed to init mailer: %v", err)
		}
		defer amqpMailer.Close()
		mailer = amqpMailer
	} else {
		logger.Warn("amqpURL not set; passcodes are written to the log")
	}

	orphans, err := queue.NewRedisJobQueue(queue.RedisQueueConfig{
		Addr:       cfg.RedisAddr,
		Password:   cfg.RedisPassword,
		Stream:     "storeit:orphans",
		MaxRetries: cfg.JanitorMaxRetries,
	})
	if err != nil {
		log.Fatalf("failed to init orphan queue: %v", err)
	}
	defer orphans.Close()

	m := metrics.New()
	appCore, err := app.New(app.Config{
		Store:                rows,
		Blobs:                blobs,
		Identity:             identity.NewProvider(otp, principals, sessions, mailer),
		Orphans:              app.QueueOrphans{Queue: orphans},
		Cache:                viewcache.New(cfg.ViewCacheMB, viewCacheTTL),
		Metrics:              m,
		PublicBaseURL:        cfg.PublicBaseURL,
		MaxUploadBytes:       cfg.MaxUploadBytes,
		StorageCapacityBytes: cfg.StorageCapacityBytes,
		PresignExpiry:        presignExpiry,
		UploadConcurrency:    cfg.UploadConcurrency,
	})
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}

	janitor := app.NewJanitor(blobs, m, orphans.MaxRetries())
	orphans.Start(ctx, cfg.JanitorConcurrency, janitor.Handle)

	trusted, err := util.NewTrustedProxies(cfg.TrustedProxyCIDRs)
	if err != nil {
		log.Fatalf("invalid trustedProxyCidrs: %v", err)
	}
	alerter, err := audit.NewAlerter(cfg.RedisAddr, cfg.RedisPassword, "")
	if err != nil {
		log.Fatalf("failed to init audit alerter: %v", err)
	}
	defer alerter.Close()
	serverCfg := server.Config{
		App:            appCore,
		Alerter:        alerter,
		Metrics:        m,
		TrustedProxies: trusted,
		CORSOrigins:    cfg.CORSOrigins,
	}
	if cfg.OTPRateLimitPerMinute > 0 {
		limiter, err := ratelimit.NewRedisFixedWindowLimiter(cfg.RedisAddr, cfg.RedisPassword, "storeit:ratelimit:otp", cfg.OTPRateLimitPerMinute, time.Minute)
		if err != nil {
			log.Fatalf("failed to init otp limiter: %v", err)
		}
		defer limiter.Close()
		serverCfg.OTPLimiter = limiter
	}
	httpServer, err := server.New(serverCfg)
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           httpServer.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       5 * time.Minute,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", "err", err)
		}
	}()

	slog.Info("drive server listening", "addr", addr, "blob_backend", cfg.BlobBackend)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "err", err)
	}
}

func newBlobStore(ctx context.Context, cfg config.FileConfig) (storage.BlobStore, error) {
	if cfg.BlobBackend == config.BlobBackendS3 {
		return storage.NewS3Store(ctx, storage.S3Config{
			Region:       cfg.S3Region,
			Endpoint:     cfg.S3Endpoint,
			AccessKey:    cfg.S3AccessKey,
			SecretKey:    cfg.S3SecretKey,
			Bucket:       cfg.S3Bucket,
			UsePathStyle: cfg.S3UsePathStyle,
		})
	}
	return storage.NewMinioStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
}

func mustDuration(field, raw string) time.Duration {
	d, err := config.ParseDuration(field, raw)
	if err != nil {
		log.Fatalf("failed to parse %s: %v", field, err)
	}
	return d
}
