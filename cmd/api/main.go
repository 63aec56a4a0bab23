package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"offerflow/accesscode"
	"offerflow/agency"
	"offerflow/auth"
	"offerflow/authz"
	"offerflow/config"
	"offerflow/db"
	"offerflow/email"
	"offerflow/listing"
	"offerflow/logging"
	"offerflow/negotiation"
	"offerflow/notify"
	"offerflow/ratelimit"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("build logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("offerflow stopped", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	if !cfg.RunsAPI() && !cfg.RunsWorker() {
		return fmt.Errorf("run mode %q has nothing to run (the worker needs REDIS_ADDR)", cfg.RunMode)
	}
	if cfg.RunMigrations {
		if err := db.Migrate(cfg.DatabaseURL, logger); err != nil {
			return err
		}
	}

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("bootstrap database pool: %w", err)
	}
	defer pool.Close()

	renderer, err := notify.NewRenderer(cfg.MailFrom, cfg.AppBaseURL)
	if err != nil {
		return err
	}
	sender := email.NewSender(email.SMTPConfig{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.MailFrom,
	}, logger)

	var (
		transport notify.Transport = notify.NewDirectTransport(renderer, sender)
		limiter   ratelimit.Limiter
		redisOpt  = asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB}
	)
	if cfg.RedisAddr != "" {
		queue := asynq.NewClient(redisOpt)
		defer queue.Close()
		transport = notify.NewQueueTransport(queue)

		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		defer rdb.Close()
		limiter = ratelimit.NewRedisLimiter(rdb, cfg.CodeLookupLimit, cfg.CodeLookupWindow)
		logger.Info("redis configured", zap.String("addr", cfg.RedisAddr))
	} else {
		limiter = ratelimit.NewLocalLimiter(cfg.CodeLookupLimit, cfg.CodeLookupWindow)
	}
	notifier := notify.NewDispatcher(transport, logger)

	authService := auth.NewService(auth.NewRepository(pool), cfg.JWTSecret).
		WithTokenTTL(cfg.JWTTTL).
		WithDefaultMaxListings(cfg.DefaultMaxListings)
	if cfg.AdminEmail != "" {
		created, err := authService.EnsureSystemAdmin(ctx, cfg.AdminEmail, cfg.AdminPassword)
		if err != nil {
			return fmt.Errorf("bootstrap system admin: %w", err)
		}
		if created {
			logger.Info("system admin created", zap.String("email", cfg.AdminEmail))
		}
	}

	listingRepo := listing.NewRepository(pool)
	agencyService := agency.NewService(agency.NewRepository(pool))
	codeService := accesscode.NewService(pool, accesscode.NewRepository(pool), notifier, logger).
		WithTTL(cfg.BuyerCodeTTL)
	guard := authz.NewGuard(agencyService, codeService)

	server := NewServer(
		authService,
		listing.NewService(pool, listingRepo, notifier, logger),
		negotiation.NewEngine(pool, listingRepo, guard, notifier, logger),
		codeService,
		agencyService,
		guard,
		limiter,
		logger,
	).WithClientResolver(ratelimit.NewClientResolver(cfg.TrustedProxies))

	g, gctx := errgroup.WithContext(ctx)

	if cfg.RunsAPI() {
		httpServer := &http.Server{
			Addr:              ":" + cfg.APIPort,
			Handler:           server.routes(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			logger.Info("http server listening", zap.String("addr", httpServer.Addr))
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
			defer cancel()
			return httpServer.Shutdown(shutdownCtx)
		})
	}

	if cfg.RunsWorker() {
		worker, mux := notify.NewServer(redisOpt, notify.NewProcessor(renderer, sender, logger), logger)
		if err := worker.Start(mux); err != nil {
			return fmt.Errorf("start email worker: %w", err)
		}
		logger.Info("email worker started")
		g.Go(func() error {
			<-gctx.Done()
			worker.Shutdown()
			return nil
		})
	}

	return g.Wait()
}
