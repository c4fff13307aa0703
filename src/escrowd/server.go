package escrowd

import (
	"context"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/onemorebsmith/bounty-escrow/src/api"
	"github.com/onemorebsmith/bounty-escrow/src/common"
	"github.com/onemorebsmith/bounty-escrow/src/escrow"
	"github.com/onemorebsmith/bounty-escrow/src/eventbus"
	"github.com/onemorebsmith/bounty-escrow/src/journal"
	"github.com/onemorebsmith/bounty-escrow/src/metrics"
	"github.com/onemorebsmith/bounty-escrow/src/postgres"
	"github.com/onemorebsmith/bounty-escrow/src/replay"
	"github.com/onemorebsmith/bounty-escrow/src/settlement"
	"github.com/pkg/errors"
)

func configureRedis(path string) (*redis.Client, error) {
	rd := redis.NewClient(&redis.Options{
		Addr: path,
		DB:   0, // use default DB
	})
	if err := rd.Ping(context.Background()); err.Err() != nil {
		return nil, errors.Wrap(err.Err(), "failed to ping redis")
	}
	return rd, nil
}

func configureStore(ctx context.Context, cfg Config) (journal.Store, error) {
	if cfg.PostgresConfig == "" {
		return journal.NewMemoryStore(), nil
	}
	postgres.ConfigurePostgres(cfg.PostgresConfig)
	return postgres.NewStore(ctx)
}

func ListenAndServe(ctx context.Context, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	level, err := common.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger := common.ConfigureZap(level)
	if cfg.PromPort != "" {
		metrics.StartPromServer(logger, cfg.PromPort)
	}

	store, err := configureStore(ctx, cfg)
	if err != nil {
		return errors.Wrap(err, "failed configuring journal")
	}
	checks := map[string]api.HealthCheck{"journal": store.Ping}

	var guard replay.Guard = replay.NewMemoryGuard()
	var publisher eventbus.Publisher = eventbus.NewLogPublisher(logger)
	if cfg.RedisConfig != "" {
		rd, err := configureRedis(cfg.RedisConfig)
		if err != nil {
			return errors.Wrap(err, "failed connecting to redis")
		}
		guard = replay.NewRedisGuard(rd)
		publisher = eventbus.Multi(publisher, eventbus.NewRedisPublisher(rd))
		checks["redis"] = func(ctx context.Context) error {
			return rd.Ping(ctx).Err()
		}
	}

	router, err := settlement.NewStaticRouter(cfg.Router)
	if err != nil {
		return errors.Wrap(err, "failed configuring router")
	}
	directory, err := buildDirectory(cfg.Accounts)
	if err != nil {
		return err
	}
	svc, err := escrow.New(cfg.Config, escrow.Backends{
		Router:    router,
		Store:     store,
		Guard:     guard,
		Publisher: publisher,
		Directory: directory,
	}, logger)
	if err != nil {
		return err
	}
	if err := svc.Restore(ctx); err != nil {
		return errors.Wrap(err, "failed restoring state")
	}

	server := api.New(svc, checks, logger)
	if cfg.HealthCheckPort != "" {
		logger.Info("enabling health check on port " + cfg.HealthCheckPort)
		beginReadyzHandler(cfg, server)
	}
	if cfg.AuditInterval > 0 {
		go escrow.StartAuditor(ctx, cfg.AuditInterval, svc, logger)
	}

	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
	}()
	logger.Info("serving escrow api on " + cfg.ListenAddress)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return errors.Wrap(err, "api server stopped")
	}
	return nil
}

// beginReadyzHandler exposes /readyz on its own port for orchestrators that
// probe outside the api listener
func beginReadyzHandler(cfg Config, server *api.Server) {
	mux := http.NewServeMux()
	mux.HandleFunc("/readyz", server.Readyz)
	go http.ListenAndServe(cfg.HealthCheckPort, mux)
}
