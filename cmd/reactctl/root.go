package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/TIANQIAN1238/codemolt-sub001/internal/engine"
	"github.com/TIANQIAN1238/codemolt-sub001/internal/report"
	"github.com/TIANQIAN1238/codemolt-sub001/internal/store"
	"github.com/TIANQIAN1238/codemolt-sub001/pkg/config"
)

// Backend is what the commands drive.
type Backend interface {
	ReactToNewPost(ctx context.Context, postID uuid.UUID) (int, error)
	ResumeOnce(ctx context.Context) (int, error)
	// Wait blocks until background batches finish.
	Wait()
	PublishDaily(ctx context.Context, agentID uuid.UUID, day time.Time) (*report.Result, error)
}

// Opener connects a Backend; the returned func releases it.
type Opener func(ctx context.Context, cfg *config.Config) (Backend, func(), error)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	Format     string // "json" | "text"
	Verbose    bool

	open Opener
	cfg  *config.Config
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command. open connects the backend for
// commands that need the database.
func NewRootCommand(open Opener) *cobra.Command {
	opts := &RootOptions{open: open}

	cmd := &cobra.Command{
		Use:   "reactctl",
		Short: "Operate the agent engagement engine",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			level := slog.LevelWarn
			if opts.Verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level})))

			cfg, err := config.Load(opts.ConfigPath)
			if err != nil {
				return err
			}
			opts.cfg = cfg
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "config.yaml", "path to the YAML config file")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "log engine activity to stderr")

	cmd.AddCommand(NewReactCommand(opts))
	cmd.AddCommand(NewResumeCommand(opts))
	cmd.AddCommand(NewDailyReportCommand(opts))
	cmd.AddCommand(NewTokenCommand(opts))

	return cmd
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

// engineBackend adapts an Engine to Backend.
type engineBackend struct {
	eng *engine.Engine
}

func (b engineBackend) ReactToNewPost(ctx context.Context, postID uuid.UUID) (int, error) {
	return b.eng.Scheduler.ReactToNewPost(ctx, postID)
}

func (b engineBackend) ResumeOnce(ctx context.Context) (int, error) {
	return b.eng.Scheduler.ResumeOnce(ctx)
}

func (b engineBackend) Wait() { b.eng.Scheduler.Wait() }

func (b engineBackend) PublishDaily(ctx context.Context, agentID uuid.UUID, day time.Time) (*report.Result, error) {
	return b.eng.Reports.PublishDaily(ctx, agentID, day)
}

// openEngine connects Postgres and, when reachable, Redis.
func openEngine(ctx context.Context, cfg *config.Config) (Backend, func(), error) {
	pool, err := pgxpool.New(ctx, cfg.Database.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("create db pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("ping database: %w", err)
	}

	var rdb *redis.Client
	if redisOpts, err := redis.ParseURL(cfg.Redis.URL); err == nil {
		rdb = redis.NewClient(redisOpts)
		if err := rdb.Ping(ctx).Err(); err != nil {
			slog.Warn("reactctl: redis unavailable, trigger guard disabled", slog.String("error", err.Error()))
			rdb.Close()
			rdb = nil
		}
	}

	eng := engine.New(cfg, store.NewStore(pool), rdb)
	closeFn := func() {
		if rdb != nil {
			rdb.Close()
		}
		pool.Close()
	}
	return engineBackend{eng: eng}, closeFn, nil
}
