package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"otpattend/internal/attendance"
	"otpattend/internal/auth"
	"otpattend/internal/clock"
	"otpattend/internal/config"
	"otpattend/internal/handler"
	"otpattend/internal/httpmiddleware"
	"otpattend/internal/log"
	"otpattend/internal/otp"
	"otpattend/internal/queue"
	"otpattend/internal/store"
)

func main() {
	cfg := config.Load()
	log.SetLevel(cfg.LogLevel)
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	// Set Gin mode based on environment
	if cfg.Production() {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := runHTTP(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("http server failed")
	}
}

type backends struct {
	db     *store.DB
	redis  *store.Redis
	store  store.CredentialStore
	queue  queue.Queue
	checks map[string]handler.HealthCheck
}

func (b *backends) Close() {
	_ = b.db.Close()
	_ = b.redis.Close()
}

func openBackends(ctx context.Context, cfg config.App) (*backends, error) {
	b := &backends{checks: map[string]handler.HealthCheck{}}

	if cfg.StoreBackend == config.BackendPostgres {
		db, err := store.NewDB(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := db.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
		b.db = db
		b.checks["db"] = func(ctx context.Context) bool { return db.Client.PingContext(ctx) == nil }
	}
	if cfg.StoreBackend == config.BackendRedis || cfg.QueueBackend == config.BackendRedis {
		b.redis = store.NewRedis(cfg.RedisAddr)
		b.checks["redis"] = b.redis.Healthy
	}

	switch cfg.StoreBackend {
	case config.BackendPostgres:
		b.store = store.NewPostgres(b.db.Client)
	case config.BackendRedis:
		b.store = store.NewRedisCredentials(b.redis.Client, "otp")
	default:
		b.store = store.NewMemory()
	}

	if cfg.QueueBackend == config.BackendRedis {
		b.queue = queue.NewRedisQueue(b.redis.Client, cfg.QueueKey)
	} else {
		b.queue = queue.NewInMemory(256)
	}
	return b, nil
}

func runHTTP(ctx context.Context, cfg config.App) error {
	b, err := openBackends(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.Close()

	svc, err := attendance.NewService(b.store, clock.System{}, attendance.NewQueueLedger(b.queue), attendance.Options{
		TTL:           cfg.OTPTTL,
		Digits:        cfg.OTPDigits,
		MaxInvalid:    cfg.OTPMaxInvalid,
		LockoutWindow: cfg.OTPLockoutWindow,
		StoreTimeout:  cfg.StoreTimeout,
	})
	if err != nil {
		return err
	}

	h := handler.New(svc, b.checks)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(httpmiddleware.CORS(cfg.CORSOrigins))
	r.Use(securityHeaders())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/healthz", h.Healthz)
	h.Mount(r, auth.Authenticate(cfg.JWTSigningKey, cfg.JWTIssuer), httpmiddleware.NewLimiter(cfg.RateLimitPerMin).GinMiddleware())

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Str("store", cfg.StoreBackend).Str("queue", cfg.QueueBackend).Msg("starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down server")
		// Give outstanding requests 10 seconds to complete
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if cfg.QueueBackend == config.BackendMemory {
		// no separate worker can read an in-process queue
		g.Go(func() error {
			msgs, err := b.queue.Consume(gctx)
			if err != nil {
				return err
			}
			n := attendance.Drain(gctx, msgs, inProcessLedger(b))
			log.Info().Int("processed", n).Msg("in-process ledger stopped")
			return nil
		})
	}

	err = g.Wait()
	log.Info().Msg("server exited")
	return err
}

func inProcessLedger(b *backends) attendance.Ledger {
	if b.db != nil {
		return attendance.MultiLedger{attendance.NewRepository(b.db.Client), logLedger{}}
	}
	return logLedger{}
}

// logLedger stands in for the attendance table when no database is configured.
type logLedger struct{}

func (logLedger) RecordRedemption(ctx context.Context, rec otp.RedemptionRecord) error {
	log.Ctx(ctx).Info().
		Str("session_id", rec.SessionID).
		Str("subject_id", rec.SubjectID).
		Uint64("generation", rec.Generation).
		Time("redeemed_at", rec.RedeemedAt).
		Msg("attendance recorded")
	return nil
}

func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Header("Cache-Control", "no-store")

		// Only add HSTS in production
		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		c.Next()
	}
}
