package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"posledger/backend/internal/cache"
	"posledger/backend/internal/config"
	"posledger/backend/internal/httpapi"
	"posledger/backend/internal/logging"
	"posledger/backend/internal/outbox"
	"posledger/backend/internal/service"
	"posledger/backend/internal/store"
	"posledger/backend/internal/store/memory"
	pgstore "posledger/backend/internal/store/postgres"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "server",
		Short:         "POS ledger backend: sales, refunds, drawers and stock",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, true, false)
		},
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the accounting outbox dispatcher",
		RunE: func(cmd *cobra.Command, args []string) error {
			withDispatcher, _ := cmd.Flags().GetBool("dispatcher")
			migrate, _ := cmd.Flags().GetBool("migrate")
			return runServe(cmd, withDispatcher, migrate)
		},
	}
	serveCmd.Flags().Bool("dispatcher", true, "Run the accounting outbox dispatcher in this process")
	serveCmd.Flags().Bool("migrate", false, "Apply pending schema migrations before serving")

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations to DATABASE_URL",
		RunE:  runMigrate,
	}

	dispatchCmd := &cobra.Command{
		Use:   "dispatch-outbox",
		Short: "Relay pending sales to the accounting topic",
		RunE:  runDispatch,
	}
	dispatchCmd.Flags().Bool("once", false, "Process one batch and exit")

	root.AddCommand(serveCmd, migrateCmd, dispatchCmd)
	return root
}

// app holds what every command needs once configuration is loaded.
type app struct {
	cfg     config.Config
	logger  *logrus.Logger
	repo    store.Repository
	pg      *pgstore.Store
	redis   *cache.RedisClient
	closers []func() error
}

func (rt *app) close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			rt.logger.WithError(err).Warn("close error")
		}
	}
}

func bootstrap(ctx context.Context) (*app, error) {
	cfg := config.Load()
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	rt := &app{cfg: cfg, logger: logger}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(connectCtx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("postgres unavailable and DATABASE_URL is set, refusing to fall back to memory: %w", err)
		}
		pg.SetLockTimeout(cfg.LockTimeout)
		rt.repo = pg
		rt.pg = pg
		rt.closers = append(rt.closers, pg.Close)
		logger.Info("repository: postgres")
	} else {
		mem := memory.NewSeeded(logger)
		mem.SetLockTimeout(cfg.LockTimeout)
		rt.repo = mem
		logger.Info("repository: in-memory")
	}

	if cfg.RedisAddr != "" {
		client := cache.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := client.Ping(connectCtx); err != nil {
			logger.WithError(err).Warn("redis unavailable, using noop cache and lock")
			_ = client.Close()
		} else {
			rt.redis = client
			rt.closers = append(rt.closers, client.Close)
			logger.Info("cache: redis")
		}
	} else {
		logger.Info("cache: noop")
	}

	return rt, nil
}

func (rt *app) productCache() cache.ProductCache {
	if rt.redis == nil {
		return cache.NoopProductCache{}
	}
	return rt.redis.ProductCache()
}

func (rt *app) locker() cache.Locker {
	if rt.redis == nil {
		return cache.NoopLocker{}
	}
	return rt.redis.Locker()
}

func (rt *app) newDispatcher(ctx context.Context) (*outbox.Dispatcher, error) {
	var publisher outbox.Publisher = outbox.LogPublisher{Logger: rt.logger}
	if rt.cfg.PubSubProjectID != "" {
		pub, err := outbox.NewPubSubPublisher(ctx, rt.cfg.PubSubProjectID, rt.cfg.PubSubTopic, rt.cfg.PubSubCredentialsJSON)
		if err != nil {
			return nil, fmt.Errorf("pubsub publisher: %w", err)
		}
		publisher = pub
		rt.closers = append(rt.closers, pub.Close)
		rt.logger.WithField("topic", rt.cfg.PubSubTopic).Info("outbox publisher: pubsub")
	} else {
		rt.logger.Info("outbox publisher: log")
	}

	d := outbox.NewDispatcher(rt.repo, publisher, rt.locker(), rt.logger)
	d.BatchSize = rt.cfg.OutboxBatchSize
	d.PollInterval = rt.cfg.OutboxPollInterval
	d.MaxAttempts = rt.cfg.OutboxMaxAttempts
	d.InitialBackoff = rt.cfg.OutboxInitialBackoff
	return d, nil
}

func runServe(cmd *cobra.Command, withDispatcher bool, migrate bool) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer rt.close()

	if err := validateSecurityConfig(rt.cfg); err != nil {
		return fmt.Errorf("invalid security configuration: %w", err)
	}
	if migrate && rt.pg != nil {
		if err := rt.pg.Migrate(ctx, rt.logger); err != nil {
			return err
		}
	}

	svc := service.New(rt.repo, service.Options{
		Logger:          rt.logger,
		ProductCache:    rt.productCache(),
		ProductCacheTTL: rt.cfg.ProductCacheTTL,
		RefundPolicy: service.RefundPolicy{
			ApprovalThreshold: rt.cfg.RefundApprovalThreshold,
			SensitiveReasons:  rt.cfg.RefundSensitiveReasons,
			WindowDays:        rt.cfg.RefundWindowDays,
			MakerChecker:      rt.cfg.RefundMakerChecker,
		},
	})
	auth := httpapi.NewAuthManager(rt.cfg.AuthSecret, time.Duration(rt.cfg.AccessTokenTTLMinutes)*time.Minute, rt.repo, rt.logger)
	api := httpapi.New(svc, auth, rt.cfg.AllowedOrigin, rt.logger)

	server := &http.Server{
		Addr:              rt.cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	var dispatcher *outbox.Dispatcher
	if withDispatcher {
		if dispatcher, err = rt.newDispatcher(ctx); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		rt.logger.WithField("addr", rt.cfg.Address()).Info("POS ledger backend listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if dispatcher != nil {
		g.Go(func() error {
			dispatcher.Run(gctx)
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 8*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	rt.logger.Info("server stopped")
	return nil
}

func runMigrate(cmd *cobra.Command, args []string) error {
	rt, err := bootstrap(cmd.Context())
	if err != nil {
		return err
	}
	defer rt.close()

	if rt.pg == nil {
		return errors.New("DATABASE_URL is required to run migrations")
	}
	if err := rt.pg.Migrate(cmd.Context(), rt.logger); err != nil {
		return err
	}
	rt.logger.Info("migrations up to date")
	return nil
}

func runDispatch(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer rt.close()

	if rt.pg == nil {
		rt.logger.Warn("dispatching from the in-memory store only sees sales made by this process")
	}
	dispatcher, err := rt.newDispatcher(ctx)
	if err != nil {
		return err
	}

	if once, _ := cmd.Flags().GetBool("once"); once {
		result, err := dispatcher.DispatchOnce(ctx)
		if err != nil {
			return err
		}
		rt.logger.WithFields(logrus.Fields{
			"claimed": result.Claimed,
			"synced":  result.Synced,
			"failed":  result.Failed,
			"dead":    result.Dead,
			"skipped": result.Skipped,
		}).Info("outbox batch done")
		return nil
	}

	dispatcher.Run(ctx)
	return nil
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if cfg.AllowedOrigin == "*" && cfg.DatabaseURL != "" {
		return fmt.Errorf("ALLOWED_ORIGIN must name an origin when DATABASE_URL is set")
	}
	return nil
}
