package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/stewardbot/steward/automod/countstore"
	"github.com/stewardbot/steward/automod/dispatch"
	"github.com/stewardbot/steward/automod/engine"
	"github.com/stewardbot/steward/automod/escalation"
	"github.com/stewardbot/steward/automod/rules"
	"github.com/stewardbot/steward/automod/seenstore"
	"github.com/stewardbot/steward/cachestore"
	"github.com/stewardbot/steward/config"
	"github.com/stewardbot/steward/ratelimit"
	"github.com/stewardbot/steward/store"
	"github.com/stewardbot/steward/survey"
	"github.com/stewardbot/steward/util"
	"github.com/stewardbot/steward/util/cliutil"
	"github.com/stewardbot/steward/util/keyed"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
	"gorm.io/plugin/opentelemetry/tracing"
)

type Server struct {
	logger     *slog.Logger
	engine     *engine.Engine
	surveys    *survey.Engine
	dispatcher *dispatch.Dispatcher
	limits     *ratelimit.Limits
	policy     *config.Config
	db         *gorm.DB
	rdb        *redis.Client
	config     Config
	// for HTTP metrics; the default registry if nil
	registerer prometheus.Registerer
}

type Config struct {
	ConfigPath         string
	DatabaseURL        string
	MaxDBConnections   int
	RedisURL           string
	ActionWebhookURL   string
	ActionWebhookToken string
	SlackWebhookURL    string
	AdminPassword      string
	NATSURL            string
	NATSSubjectPrefix  string
	NATSQueue          string
	LogContent         bool
	Logger             *slog.Logger
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		cfg := config.Default()
		return &cfg, nil
	}
	return config.LoadFile(path)
}

func compileRules(cfg *config.Config) (*rules.RuleSet, []error) {
	return rules.Compile(cfg.Rules, cfg.ProfanityWords)
}

func NewServer(ctx context.Context, cfg Config) (*Server, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}

	policy, err := loadConfig(cfg.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("loading policy: %w", err)
	}

	db, err := cliutil.SetupDatabase(cfg.DatabaseURL, cfg.MaxDBConnections)
	if err != nil {
		return nil, err
	}
	if err := db.Use(tracing.NewPlugin()); err != nil {
		return nil, err
	}
	st, err := store.NewGormStore(db)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}

	var seen seenstore.SeenStore
	var counters countstore.CountStore
	var cache cachestore.CacheStore
	var rdb *redis.Client
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parsing redis URL: %v", err)
		}
		rdb = redis.NewClient(opt)
		// check redis connection
		if _, err := rdb.Ping(ctx).Result(); err != nil {
			return nil, fmt.Errorf("redis ping failed: %v", err)
		}
		seen = seenstore.NewRedisSeenStore(rdb, policy.Dedupe.TTL.D())
		counters = countstore.NewRedisCountStore(rdb)
		cache = cachestore.NewRedisCacheStore(rdb, 30*time.Minute)
	} else {
		logger.Warn("redis not configured, using in-process dedupe and counters (single replica only)")
		seen = seenstore.NewMemSeenStore(policy.Dedupe.Capacity, policy.Dedupe.TTL.D())
		counters = countstore.NewMemCountStore()
		cache = cachestore.NewMemCacheStore(5_000, 30*time.Minute)
	}

	locks := keyed.NewLocker(64)
	tracker := escalation.NewTracker(st, locks, policy.Escalation, logger)
	surveys := survey.NewEngine(st, cache, locks, policy.Survey, logger)

	var adapter dispatch.ActionAdapter
	if cfg.ActionWebhookURL != "" {
		adapter = dispatch.NewWebhookAdapter(cfg.ActionWebhookURL, cfg.ActionWebhookToken, util.RobustHTTPClient(2, 10*time.Second))
	} else {
		logger.Warn("action webhook not configured, moderation actions will only be logged")
		adapter = dispatch.NewLogAdapter(logger)
	}
	var modLog dispatch.ModLog = dispatch.NewLogAdapter(logger)
	if cfg.SlackWebhookURL != "" {
		modLog = &dispatch.SlackNotifier{
			SlackWebhookURL: cfg.SlackWebhookURL,
			HTTPClient:      util.RobustHTTPClient(2, 10*time.Second),
		}
	}
	limits := ratelimit.NewLimits(policy.RateLimit)
	dispatcher := dispatch.NewDispatcher(adapter, modLog, limits, policy.Dispatch, logger)

	eng := engine.NewEngine(logger, seen, counters, tracker, dispatcher, surveys)
	eng.LogContent = cfg.LogContent
	eng.History = st
	eng.LoadConfig = func() (*config.Config, error) {
		return loadConfig(cfg.ConfigPath)
	}
	eng.ApplyConfig(policy)

	return &Server{
		logger:     logger,
		engine:     eng,
		surveys:    surveys,
		dispatcher: dispatcher,
		limits:     limits,
		policy:     policy,
		db:         db,
		rdb:        rdb,
		config:     cfg,
	}, nil
}

func (s *Server) RunMetrics(ctx context.Context, listen string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: listen, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics endpoint: %w", err)
	}
	return nil
}

// RunBackground runs the periodic maintenance: idle survey sessions are expired and unused rate limit
// buckets dropped.
func (s *Server) RunBackground(ctx context.Context) error {
	var g errgroup.Group
	g.Go(func() error {
		s.surveys.RunSweeper(ctx, s.policy.Survey.SweepInterval.D())
		return nil
	})
	g.Go(func() error {
		s.limits.RunPruner(ctx, time.Minute)
		return nil
	})
	return g.Wait()
}

// RunReloadOnSignal re-reads the policy file on SIGHUP.
func (s *Server) RunReloadOnSignal(ctx context.Context) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			ruleErrs, err := s.engine.Reload()
			if err != nil {
				s.logger.Error("policy reload failed, keeping current policy", "err", err)
				continue
			}
			s.logger.Info("policy reloaded", "disabled_rules", len(ruleErrs))
		}
	}
}

// Shutdown waits for queued actions to finish and releases connections. Ingest must have stopped.
func (s *Server) Shutdown(ctx context.Context) error {
	var errs []error
	if err := s.dispatcher.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("dispatcher: %w", err))
	}
	if s.rdb != nil {
		if err := s.rdb.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if sqlDB, err := s.db.DB(); err == nil {
		if err := sqlDB.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
