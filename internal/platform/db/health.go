package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

// PoolStats reports connection pool usage.
type PoolStats struct {
	TotalConns    int32  `json:"total_conns"`
	IdleConns     int32  `json:"idle_conns"`
	AcquiredConns int32  `json:"acquired_conns"`
	MaxConns      int32  `json:"max_conns"`
	AcquireCount  int64  `json:"acquire_count"`
	AcquireWait   string `json:"acquire_wait"`
}

func statsOf(pool *pgxpool.Pool) PoolStats {
	s := pool.Stat()
	return PoolStats{
		TotalConns:    s.TotalConns(),
		IdleConns:     s.IdleConns(),
		AcquiredConns: s.AcquiredConns(),
		MaxConns:      s.MaxConns(),
		AcquireCount:  s.AcquireCount(),
		AcquireWait:   s.AcquireDuration().String(),
	}
}

// HealthReport is the body of GET /health/db.
type HealthReport struct {
	Status            string    `json:"status"`
	LatencyMS         int64     `json:"latency_ms"`
	PendingMigrations int       `json:"pending_migrations"`
	Error             string    `json:"error,omitempty"`
	Pool              PoolStats `json:"pool"`
}

const (
	HealthOK                = "healthy"
	HealthUnreachable       = "unreachable"
	HealthMigrationsPending = "migrations_pending"
)

type healthProbe struct {
	ping    func(context.Context) error
	pending func(context.Context) (int, error)
	stats   func() PoolStats
	timeout time.Duration
}

// HealthHandler answers GET /health/db. The database must answer a ping and
// the schema must carry every migration this binary embeds; otherwise the
// response is 503 so a rollout waits for `revcycle migrate up`.
func HealthHandler(pool *pgxpool.Pool, migrator *Migrator) echo.HandlerFunc {
	return healthProbe{
		ping:    pool.Ping,
		pending: migrator.Pending,
		stats:   func() PoolStats { return statsOf(pool) },
		timeout: 5 * time.Second,
	}.handle
}

func (h healthProbe) handle(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), h.timeout)
	defer cancel()

	report := HealthReport{Status: HealthOK}
	start := time.Now()
	err := h.ping(ctx)
	report.LatencyMS = time.Since(start).Milliseconds()
	report.Pool = h.stats()

	if err == nil {
		report.PendingMigrations, err = h.pending(ctx)
	}
	switch {
	case err != nil:
		report.Status = HealthUnreachable
		report.Error = err.Error()
	case report.PendingMigrations > 0:
		report.Status = HealthMigrationsPending
	}

	code := http.StatusOK
	if report.Status != HealthOK {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, report)
}
