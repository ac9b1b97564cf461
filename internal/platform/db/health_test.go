package db

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
)

func probe(pingErr error, pending int, pendingErr error) healthProbe {
	return healthProbe{
		ping:    func(context.Context) error { return pingErr },
		pending: func(context.Context) (int, error) { return pending, pendingErr },
		stats: func() PoolStats {
			return PoolStats{TotalConns: 3, IdleConns: 2, AcquiredConns: 1, MaxConns: 20, AcquireWait: "1ms"}
		},
		timeout: time.Second,
	}
}

func runHealth(t *testing.T, p healthProbe) (int, HealthReport) {
	t.Helper()
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/health/db", nil), rec)
	if err := p.handle(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var report HealthReport
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	return rec.Code, report
}

func TestHealth_Healthy(t *testing.T) {
	code, report := runHealth(t, probe(nil, 0, nil))
	if code != http.StatusOK {
		t.Errorf("expected 200, got %d", code)
	}
	if report.Status != HealthOK {
		t.Errorf("expected status healthy, got %s", report.Status)
	}
	if report.Pool.MaxConns != 20 {
		t.Errorf("expected max_conns 20, got %d", report.Pool.MaxConns)
	}
}

func TestHealth_Unreachable(t *testing.T) {
	code, report := runHealth(t, probe(errors.New("connection refused"), 0, nil))
	if code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", code)
	}
	if report.Status != HealthUnreachable || report.Error != "connection refused" {
		t.Errorf("expected unreachable with error, got %+v", report)
	}
}

func TestHealth_MigrationsPending(t *testing.T) {
	code, report := runHealth(t, probe(nil, 2, nil))
	if code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", code)
	}
	if report.Status != HealthMigrationsPending || report.PendingMigrations != 2 {
		t.Errorf("expected 2 pending migrations, got %+v", report)
	}
}

func TestHealth_MigrationLookupFails(t *testing.T) {
	code, report := runHealth(t, probe(nil, 0, errors.New("permission denied for table _migrations")))
	if code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", code)
	}
	if report.Status != HealthUnreachable {
		t.Errorf("expected unreachable, got %s", report.Status)
	}
}

func TestCountPending(t *testing.T) {
	at := time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)
	statuses := []MigrationStatus{
		{Version: 1, Applied: true, AppliedAt: &at},
		{Version: 2},
		{Version: 3},
	}
	if n := countPending(statuses); n != 2 {
		t.Errorf("expected 2 pending, got %d", n)
	}
}
