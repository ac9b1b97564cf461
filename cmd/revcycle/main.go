package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/revcycle/internal/config"
	"github.com/ehr/revcycle/internal/domain/billing"
	"github.com/ehr/revcycle/internal/exitcode"
	"github.com/ehr/revcycle/internal/platform/db"
	"github.com/ehr/revcycle/internal/platform/lock"
	"github.com/ehr/revcycle/internal/platform/logging"
)

func main() {
	rootCmd := newRootCmd()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitCodeFor(err))
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "revcycle",
		Short:         "Claims, payments and remittance reconciliation",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(remittanceCmd())
	rootCmd.AddCommand(agingCmd())
	return rootCmd
}

// exitError carries a process exit code alongside the error.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func withCode(code int, err error) error {
	if err == nil {
		return nil
	}
	return &exitError{code: code, err: err}
}

func exitCodeFor(err error) int {
	if err == nil {
		return exitcode.Success
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return exitcode.UsageError
}

// app bundles what every database-backed command needs.
type app struct {
	cfg  *config.Config
	log  zerolog.Logger
	pool *pgxpool.Pool
	// closers run in reverse order on Close.
	closers []func()
}

func (r *app) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
}

// loadApp reads config, sets up logging, and connects to PostgreSQL.
func loadApp(ctx context.Context, validate bool) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, withCode(exitcode.UsageError, err)
	}
	if err := cfg.RequireDatabase(); err != nil {
		return nil, withCode(exitcode.ValidationError, err)
	}
	if validate {
		if err := cfg.Validate(); err != nil {
			return nil, withCode(exitcode.ValidationError, err)
		}
	}

	rt := &app{cfg: cfg, log: logging.Setup(cfg.LogFormat)}

	connectCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	pool, err := db.NewPool(connectCtx, cfg.DatabaseURL, db.PoolOptions{
		MaxConns:  cfg.DBMaxConns,
		MinConns:  cfg.DBMinConns,
		SlowQuery: cfg.DBSlowQuery,
		Logger:    rt.log.With().Str("component", "db").Logger(),
	})
	if err != nil {
		return nil, withCode(exitcode.DBConnError, err)
	}
	rt.pool = pool
	rt.closers = append(rt.closers, pool.Close)
	rt.log.Info().Msg("connected to database")
	return rt, nil
}

// locker returns a Redis-backed locker when REDIS_URL is set so several
// server replicas serialize on the same claims, else an in-process one.
func (r *app) locker(ctx context.Context) (lock.Locker, error) {
	if r.cfg.RedisURL == "" {
		return lock.NewKeyedMutex(), nil
	}
	client, err := lock.NewRedisClient(ctx, r.cfg.RedisURL)
	if err != nil {
		return nil, withCode(exitcode.DBConnError, err)
	}
	r.closers = append(r.closers, func() { _ = client.Close() })
	r.log.Info().Msg("using redis for claim and payment locks")

	log := r.log
	return lock.NewRedisLocker(client, r.cfg.LockTTL, lock.WithLostHandler(func(key string) {
		log.Warn().Str("lock", key).Msg("lock expired before release")
	})), nil
}

func (r *app) service(ctx context.Context) (*billing.Service, error) {
	locker, err := r.locker(ctx)
	if err != nil {
		return nil, err
	}
	return billing.NewService(
		billing.NewClaimRepoPG(r.pool),
		billing.NewPaymentRepoPG(r.pool),
		billing.NewAdjustmentRepoPG(r.pool),
		billing.NewPolicyLookupPG(r.pool),
		billing.WithPatientLookup(billing.NewPatientIndexPG(r.pool)),
		billing.WithTransactor(db.NewTransactor(r.pool)),
		billing.WithLocker(locker),
		billing.WithLogger(r.log),
		billing.WithRemittanceWorkers(r.cfg.RemittanceWorkers),
		billing.WithFallbackConfirmation(r.cfg.RemittanceConfirmFallback),
	), nil
}
