package db

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// PoolOptions sizes the pool and sets up statement logging.
type PoolOptions struct {
	MaxConns  int32
	MinConns  int32
	// SlowQuery is the duration above which a statement is logged at warn.
	// Zero logs only failed statements.
	SlowQuery time.Duration
	Logger    zerolog.Logger
}

// NewPool opens a pool and pings it. Every statement runs through a
// queryLogger so slow postings and failed SQL show up in the service log.
func NewPool(ctx context.Context, databaseURL string, opts PoolOptions) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	if opts.MaxConns > 0 {
		cfg.MaxConns = opts.MaxConns
	}
	if opts.MinConns > 0 {
		cfg.MinConns = min(opts.MinConns, cfg.MaxConns)
	}
	cfg.MaxConnIdleTime = 5 * time.Minute
	cfg.HealthCheckPeriod = 30 * time.Second
	if cfg.ConnConfig.RuntimeParams["application_name"] == "" {
		cfg.ConnConfig.RuntimeParams["application_name"] = "revcycle"
	}
	cfg.ConnConfig.Tracer = &queryLogger{log: opts.Logger, slow: opts.SlowQuery}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database %s: %w", cfg.ConnConfig.Host, err)
	}
	return pool, nil
}

type queryStartKey struct{}

type queryStart struct {
	at  time.Time
	sql string
}

// queryLogger implements pgx.QueryTracer.
type queryLogger struct {
	log  zerolog.Logger
	slow time.Duration
	now  func() time.Time
}

func (q *queryLogger) clock() time.Time {
	if q.now != nil {
		return q.now()
	}
	return time.Now()
}

func (q *queryLogger) TraceQueryStart(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	return context.WithValue(ctx, queryStartKey{}, queryStart{at: q.clock(), sql: data.SQL})
}

func (q *queryLogger) TraceQueryEnd(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryEndData) {
	start, ok := ctx.Value(queryStartKey{}).(queryStart)
	if !ok {
		return
	}
	elapsed := q.clock().Sub(start.at)

	switch {
	case data.Err != nil:
		q.log.Error().Err(data.Err).
			Str("sql", compactSQL(start.sql)).
			Dur("duration", elapsed).
			Msg("query failed")
	case q.slow > 0 && elapsed >= q.slow:
		q.log.Warn().
			Str("sql", compactSQL(start.sql)).
			Dur("duration", elapsed).
			Int64("rows", data.CommandTag.RowsAffected()).
			Msg("slow query")
	}
}

// compactSQL folds whitespace and truncates so a statement fits one log line.
// Arguments are never logged; they carry patient and payment data.
func compactSQL(sql string) string {
	const maxLen = 240
	s := strings.Join(strings.Fields(sql), " ")
	if len(s) > maxLen {
		s = s[:maxLen] + "..."
	}
	return s
}
