package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"tournament-service/internal/backend"
	"tournament-service/internal/config"
	"tournament-service/internal/infra/memory"
	pgstore "tournament-service/internal/infra/postgres"
	redisinfra "tournament-service/internal/infra/redis"
	"tournament-service/internal/metrics"
	"tournament-service/internal/reconcile"
	transport "tournament-service/internal/transport/http"
)

// NewStartCmd builds the CLI subcommand to start the server.
func NewStartCmd(configPath, port *string) *cobra.Command {
	var seedPath string
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the tournament API and push channel",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), *configPath, *port, seedPath)
		},
	}
	cmd.Flags().StringVar(&seedPath, "seed", "", "YAML file of tournaments to load at startup")
	return cmd
}

// eventBus is both ends of the push channel.
type eventBus interface {
	backend.Publisher
	transport.Subscriber
}

// deps is the storage and messaging wiring picked from config: postgres or
// memory for the store, redis or memory for the cache and bus.
type deps struct {
	store   backend.Store
	cache   backend.TournamentCache
	bus     eventBus
	closers []func()
}

func (d *deps) Close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		d.closers[i]()
	}
}

func openDeps(ctx context.Context, cfg config.Config, log logrus.FieldLogger, migrate bool) (*deps, error) {
	d := &deps{}

	if cfg.Postgres.URL != "" {
		if migrate {
			if err := runMigrationsWithConfig(ctx, cfg, log); err != nil {
				return nil, err
			}
		}
		pool, err := pgxpool.Connect(ctx, cfg.Postgres.URL)
		if err != nil {
			return nil, err
		}
		d.closers = append(d.closers, pool.Close)
		d.store = pgstore.NewStore(pool)
		log.Info("using postgres store")
	} else {
		d.store = memory.NewStore()
		log.Warn("postgres url not configured, using in-memory store")
	}

	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			d.Close()
			_ = client.Close()
			return nil, err
		}
		d.closers = append(d.closers, func() { _ = client.Close() })
		channel := cfg.Redis.Channel
		if channel == "" {
			channel = redisinfra.DefaultChannel
		}
		d.cache = redisinfra.NewTournamentCache(client, d.store, cfg.CacheTTL(), log)
		d.bus = redisinfra.NewBus(client, channel, log)
		log.WithField("addr", cfg.Redis.Addr).Info("using redis cache and push channel")
	} else {
		d.cache = memory.NewTournamentCache(d.store, cfg.CacheTTL())
		d.bus = memory.NewBus()
	}
	return d, nil
}

func runServer(ctx context.Context, configPath, portFlag, seedPath string) error {
	cfg, log, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	finalPort := portFlag
	if finalPort == "" {
		finalPort = cfg.Server.Port
	}
	if finalPort == "" {
		finalPort = "8080"
	}

	d, err := openDeps(ctx, cfg, log, true)
	if err != nil {
		return err
	}
	defer d.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	service := backend.NewService(backend.Config{
		Store:        d.store,
		Cache:        d.cache,
		Publisher:    d.bus,
		Entitlements: backend.ContextEntitlements{},
		Logger:       log,
		Metrics:      m,
		SubmitGrace:  cfg.SubmitGrace(),
	})

	if seedPath != "" {
		n, err := seedFile(ctx, service, seedPath, log)
		if err != nil {
			return err
		}
		log.WithField("tournaments", n).Info("seed loaded")
	}

	ws := transport.NewWSHandler(transport.WSOptions{
		Events:       d.bus,
		Source:       service,
		PollInterval: cfg.PollInterval(),
		Logger:       log,
		Reconcile:    reconcile.Options{FetchTimeout: cfg.FetchTimeout(), Metrics: m},
	})

	mux := http.NewServeMux()
	transport.NewAPI(service, log, m).Register(mux)
	mux.HandleFunc("/ws/events", ws.ServeEvents)
	mux.HandleFunc("/ws/monitor", ws.ServeMonitor)
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	// No WriteTimeout: websocket streams stay open for the whole session.
	server := &http.Server{
		Addr:        ":" + finalPort,
		Handler:     mux,
		ReadTimeout: 15 * time.Second,
	}

	runCtx, stopJobs := context.WithCancel(ctx)
	defer stopJobs()
	go service.RunScheduler(runCtx, cfg.SchedulerInterval())

	go func() {
		log.WithField("port", finalPort).Info("starting tournament service")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("failed to start server")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-stop:
		log.Info("shutting down server...")
	case <-ctx.Done():
		log.Info("context canceled, shutting down server...")
	}
	stopJobs()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
