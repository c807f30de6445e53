package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/stewardbot/steward/util/cliutil"

	"github.com/carlmjohnson/versioninfo"
	_ "github.com/joho/godotenv/autoload"
	cli "github.com/urfave/cli/v2"
	_ "go.uber.org/automaxprocs"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(os.Args); err != nil {
		slog.Error("exiting", "err", err)
		os.Exit(-1)
	}
}

func run(args []string) error {

	app := cli.App{
		Name:    "steward",
		Usage:   "community moderation and survey daemon",
		Version: versioninfo.Short(),
	}

	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "log verbosity level (eg: warn, info, debug)",
			EnvVars: []string{"STEWARD_LOG_LEVEL", "GO_LOG_LEVEL", "LOG_LEVEL"},
		},
		&cli.StringFlag{
			Name:    "config",
			Usage:   "path to JSON policy file (rules, thresholds, tuning); built-in defaults if not set",
			EnvVars: []string{"STEWARD_CONFIG"},
		},
		&cli.StringFlag{
			Name:    "database-url",
			Usage:   "database connection string for persistent state (sqlite:// or postgres://)",
			Value:   "sqlite://data/steward/steward.db",
			EnvVars: []string{"DATABASE_URL"},
		},
		&cli.IntFlag{
			Name:    "max-db-connections",
			EnvVars: []string{"MAX_DB_CONNECTIONS"},
			Value:   40,
		},
		&cli.StringFlag{
			Name:    "redis-url",
			Usage:   "redis connection URL for dedupe, counters and caching; in-process stores if not set",
			EnvVars: []string{"STEWARD_REDIS_URL"},
		},
	}

	app.Commands = []*cli.Command{
		runCmd,
		checkConfigCmd,
	}

	return app.Run(args)
}

var runCmd = &cli.Command{
	Name:  "run",
	Usage: "run the service",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "bind",
			Usage:   "IP or address, and port, to listen on for HTTP ingest and admin APIs",
			Value:   ":3999",
			EnvVars: []string{"STEWARD_BIND"},
		},
		&cli.StringFlag{
			Name:    "metrics-listen",
			Usage:   "IP or address, and port, to listen on for metrics APIs",
			Value:   ":3998",
			EnvVars: []string{"STEWARD_METRICS_LISTEN"},
		},
		&cli.StringFlag{
			Name:     "admin-password",
			Usage:    "secret for ingest and admin API requests (bearer token)",
			Required: true,
			EnvVars:  []string{"STEWARD_ADMIN_PASSWORD"},
		},
		&cli.StringFlag{
			Name:    "action-webhook-url",
			Usage:   "endpoint of the platform bridge which performs moderation actions; actions are only logged if not set",
			EnvVars: []string{"STEWARD_ACTION_WEBHOOK_URL"},
		},
		&cli.StringFlag{
			Name:    "action-webhook-token",
			Usage:   "bearer token sent to the action webhook",
			EnvVars: []string{"STEWARD_ACTION_WEBHOOK_TOKEN"},
		},
		&cli.StringFlag{
			Name:    "slack-webhook-url",
			Usage:   "Slack incoming webhook which the moderation log is mirrored to",
			EnvVars: []string{"SLACK_WEBHOOK_URL"},
		},
		&cli.StringFlag{
			Name:    "nats-url",
			Usage:   "NATS server(s) to consume chat events from; comma separated",
			EnvVars: []string{"STEWARD_NATS_URL"},
		},
		&cli.StringFlag{
			Name:    "nats-subject-prefix",
			Usage:   "events are consumed from <prefix>.message and <prefix>.command",
			Value:   "steward",
			EnvVars: []string{"STEWARD_NATS_SUBJECT_PREFIX"},
		},
		&cli.StringFlag{
			Name:    "nats-queue",
			Usage:   "NATS queue group shared by replicas",
			Value:   "steward",
			EnvVars: []string{"STEWARD_NATS_QUEUE"},
		},
		&cli.BoolFlag{
			Name:    "log-content",
			Usage:   "include message content in logs",
			EnvVars: []string{"STEWARD_LOG_CONTENT"},
		},
		&cli.DurationFlag{
			Name:    "shutdown-timeout",
			Usage:   "how long to wait for queued moderation actions on shutdown",
			Value:   15 * time.Second,
			EnvVars: []string{"STEWARD_SHUTDOWN_TIMEOUT"},
		},
	},
	Action: func(cctx *cli.Context) error {
		logger := cliutil.ConfigLogger(cctx, os.Stdout)
		shutdownTracing := configOTEL("steward")

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		srv, err := NewServer(ctx, Config{
			ConfigPath:         cctx.String("config"),
			DatabaseURL:        cctx.String("database-url"),
			MaxDBConnections:   cctx.Int("max-db-connections"),
			RedisURL:           cctx.String("redis-url"),
			ActionWebhookURL:   cctx.String("action-webhook-url"),
			ActionWebhookToken: cctx.String("action-webhook-token"),
			SlackWebhookURL:    cctx.String("slack-webhook-url"),
			AdminPassword:      cctx.String("admin-password"),
			NATSURL:            cctx.String("nats-url"),
			NATSSubjectPrefix:  cctx.String("nats-subject-prefix"),
			NATSQueue:          cctx.String("nats-queue"),
			LogContent:         cctx.Bool("log-content"),
			Logger:             logger,
		})
		if err != nil {
			return fmt.Errorf("failed to construct server: %w", err)
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return srv.RunMetrics(gctx, cctx.String("metrics-listen")) })
		g.Go(func() error { return srv.RunAPI(gctx, cctx.String("bind")) })
		g.Go(func() error { return srv.RunNATS(gctx) })
		g.Go(func() error { return srv.RunBackground(gctx) })
		g.Go(func() error {
			srv.RunReloadOnSignal(gctx)
			return nil
		})

		err = g.Wait()
		logger.Info("shutting down", "err", err)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cctx.Duration("shutdown-timeout"))
		defer cancel()
		if serr := srv.Shutdown(shutdownCtx); serr != nil {
			logger.Error("unclean shutdown", "err", serr)
		}
		if terr := shutdownTracing(shutdownCtx); terr != nil {
			logger.Error("failed to flush traces", "err", terr)
		}
		if err != nil && ctx.Err() == nil {
			return err
		}
		return nil
	},
}

var checkConfigCmd = &cli.Command{
	Name:      "check-config",
	Usage:     "validate a policy file and report rules which would be disabled",
	ArgsUsage: "<path>",
	Action: func(cctx *cli.Context) error {
		logger := cliutil.ConfigLogger(cctx, os.Stderr)
		path := cctx.Args().First()
		if path == "" {
			path = cctx.String("config")
		}
		cfg, err := loadConfig(path)
		if err != nil {
			return err
		}
		rs, errs := compileRules(cfg)
		for _, err := range errs {
			logger.Warn("rule disabled", "err", err)
		}
		fmt.Printf("%d rules, %d enabled\n", len(rs.Rules), rs.Enabled())
		if len(errs) > 0 {
			return fmt.Errorf("%d rules failed to compile", len(errs))
		}
		return nil
	},
}
