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

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vnmchuo/quota-gateway/config"
	"github.com/vnmchuo/quota-gateway/internal/auth"
	"github.com/vnmchuo/quota-gateway/internal/billing"
	"github.com/vnmchuo/quota-gateway/internal/gateway"
	"github.com/vnmchuo/quota-gateway/internal/ledger"
	"github.com/vnmchuo/quota-gateway/internal/logger"
	"github.com/vnmchuo/quota-gateway/internal/policy"
	"github.com/vnmchuo/quota-gateway/internal/provider"
	"github.com/vnmchuo/quota-gateway/internal/provider/claude"
	"github.com/vnmchuo/quota-gateway/internal/provider/gemini"
	"github.com/vnmchuo/quota-gateway/internal/provider/openai"
	"github.com/vnmchuo/quota-gateway/internal/proxy"
	"github.com/vnmchuo/quota-gateway/internal/seeder"
	"github.com/vnmchuo/quota-gateway/internal/stream"
	"github.com/vnmchuo/quota-gateway/internal/telemetry"
	"github.com/vnmchuo/quota-gateway/internal/tokencount"
	"github.com/vnmchuo/quota-gateway/internal/worker"
	"github.com/vnmchuo/quota-gateway/pkg/ratelimit"
)

const serviceName = "quota-gateway"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(cfg.LogEnv, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Fatal("gateway stopped", zap.Error(err))
	}
}

type backends struct {
	ledger  ledger.Store
	billing billing.Store
	keys    auth.Store
	rdb     *goredis.Client
	pool    *pgxpool.Pool
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := telemetry.InitTracer(serviceName, cfg, log)
	if err != nil {
		return fmt.Errorf("init tracer: %w", err)
	}
	defer shutdownTracer()

	b, closeBackends, err := connect(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeBackends()

	if cfg.RunSeed {
		if err := seeder.Run(ctx, b.ledger, b.keys, cfg.PlansFile, log); err != nil {
			return fmt.Errorf("seed: %w", err)
		}
	}

	var counter tokencount.Counter
	switch cfg.TokenCounter {
	case "tiktoken":
		counter = tokencount.NewTiktoken(cfg.TokenizerEncoding)
	default:
		counter = tokencount.NewHTTPCounter(cfg.TokenCounterURL, cfg.TokenCounterTimeout)
	}
	countRetry := tokencount.DefaultRetryConfig()
	countRetry.MaxAttempts = cfg.CountMaxAttempts

	var queue worker.Queue
	switch {
	case b.rdb != nil:
		queue = worker.NewRedisQueue(b.rdb, b.ledger, worker.DefaultReplayConfig(), log)
	case b.pool != nil:
		pq := worker.NewPostgresQueue(b.pool, b.ledger, worker.DefaultReplayConfig(), log)
		if err := pq.EnsureSchema(ctx); err != nil {
			return err
		}
		queue = pq
	default:
		log.Warn("no redis or postgres configured, pending commits are lost on restart")
		queue = worker.NewMemoryQueue(b.ledger, 1024, worker.DefaultReplayConfig(), log)
	}

	policyCfg := policy.DefaultConfig()
	policyCfg.Count = countRetry
	policyCfg.Commit.MaxAttempts = cfg.CommitMaxAttempts
	policyCfg.Commit.MaxElapsed = cfg.CommitMaxElapsed

	var openaiOpts []openai.Option
	if cfg.OpenAIBaseURL != "" {
		openaiOpts = append(openaiOpts, openai.WithBaseURL(cfg.OpenAIBaseURL))
	}
	providers := []provider.Provider{
		gemini.New(cfg.GeminiAPIKey),
		openai.New(cfg.OpenAIAPIKey, openaiOpts...),
		claude.New(cfg.AnthropicAPIKey),
	}

	gw := gateway.New(gateway.Deps{
		Router:      provider.NewRouter(providers),
		Policy:      policy.New(b.ledger, counter, queue, policyCfg, log),
		Accumulator: stream.NewAccumulator(counter, countRetry, log),
		Counter:     counter,
		CountRetry:  countRetry,
		Billing:     b.billing,
		Tracer:      otel.GetTracerProvider().Tracer(serviceName),
		Logger:      log,
	})

	var (
		limiter *ratelimit.Limiter
		cache   goredis.Cmdable
	)
	if b.rdb != nil {
		limiter = ratelimit.NewLimiter(b.rdb, cfg.DefaultRateLimitTPM)
		cache = b.rdb
	}
	handler := proxy.NewHandler(gw, b.ledger, b.billing, limiter, cfg.AdminToken, log)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler.Routes(auth.NewMiddleware(b.keys, cache, log)),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return queue.Process(gctx)
	})
	g.Go(func() error {
		log.Info("quota gateway starting",
			zap.String("port", cfg.Port),
			zap.String("ledger", cfg.LedgerBackend),
			zap.String("token_counter", cfg.TokenCounter),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down gracefully")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("server stopped")
	return nil
}

// connect opens the configured stores. Postgres and Redis are optional;
// without them the gateway runs on in-process stores.
func connect(ctx context.Context, cfg *config.Config, log *zap.Logger) (*backends, func(), error) {
	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*backends, func(), error) {
		closeAll()
		return nil, nil, err
	}

	b := &backends{}
	var pool *pgxpool.Pool
	if cfg.PostgresDSN != "" {
		p, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return fail(fmt.Errorf("connect postgres: %w", err))
		}
		closers = append(closers, p.Close)
		if err := p.Ping(ctx); err != nil {
			return fail(fmt.Errorf("ping postgres: %w", err))
		}
		pool = p
		b.pool = p
		log.Info("postgres connected")
	}

	if cfg.RedisAddr != "" {
		rdb := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr})
		closers = append(closers, func() { _ = rdb.Close() })
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fail(fmt.Errorf("ping redis: %w", err))
		}
		b.rdb = rdb
		log.Info("redis connected")
	}

	switch cfg.LedgerBackend {
	case "postgres":
		store := ledger.NewPostgresStore(pool)
		if err := store.EnsureSchema(ctx); err != nil {
			return fail(err)
		}
		b.ledger = store
	case "redis":
		b.ledger = ledger.NewRedisStore(b.rdb)
	default:
		b.ledger = ledger.NewMemoryStore()
	}

	if pool != nil {
		billingStore := billing.NewPostgresStore(pool)
		if err := billingStore.EnsureSchema(ctx); err != nil {
			return fail(err)
		}
		keys := auth.NewPostgresStore(pool)
		if err := keys.EnsureSchema(ctx); err != nil {
			return fail(err)
		}
		b.billing, b.keys = billingStore, keys
	} else {
		b.billing, b.keys = billing.NewMemoryStore(), auth.NewMemoryStore()
	}

	return b, closeAll, nil
}
