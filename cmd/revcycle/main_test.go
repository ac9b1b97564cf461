package main

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/revcycle/internal/config"
	"github.com/ehr/revcycle/internal/domain/billing"
	"github.com/ehr/revcycle/internal/exitcode"
	"github.com/ehr/revcycle/pkg/caldate"
	"github.com/ehr/revcycle/pkg/money"
)

func testConfig(env string) *config.Config {
	return &config.Config{
		Port:                "0",
		Env:                 env,
		AuthSigningKey:      "test-signing-key",
		CORSOrigins:         []string{"http://localhost:3000"},
		LogFormat:           "json",
		RateLimitRPS:        50,
		RateLimitBurst:      100,
		RequestTimeout:      5 * time.Second,
		BodyLimit:           "1M",
		RemittanceBodyLimit: "20M",
		RemittanceWorkers:   1,
	}
}

func TestExitCodeFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, exitcode.Success},
		{"plain error", errors.New("boom"), exitcode.UsageError},
		{"coded", withCode(exitcode.MigrationError, errors.New("bad sql")), exitcode.MigrationError},
		{"wrapped coded", errors.Join(errors.New("outer"), withCode(exitcode.PartialSuccess, errors.New("inner"))), exitcode.PartialSuccess},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := exitCodeFor(tt.err); got != tt.want {
				t.Errorf("expected %d, got %d", tt.want, got)
			}
		})
	}
}

func TestWithCode_NilError(t *testing.T) {
	if err := withCode(exitcode.ImportError, nil); err != nil {
		t.Errorf("expected nil, got %v", err)
	}
}

func TestRootCmd_Subcommands(t *testing.T) {
	root := newRootCmd()
	for _, name := range []string{"serve", "migrate", "remittance", "aging"} {
		if cmd, _, err := root.Find([]string{name}); err != nil || cmd.Name() != name {
			t.Errorf("expected subcommand %q to be registered", name)
		}
	}
}

func TestRemittanceImport_RequiresFile(t *testing.T) {
	root := newRootCmd()
	root.SetArgs([]string{"remittance", "import"})
	root.SetOut(io.Discard)

	err := root.Execute()
	if got := exitCodeFor(err); got != exitcode.UsageError {
		t.Errorf("expected exit code %d, got %d (%v)", exitcode.UsageError, got, err)
	}
}

func TestRemittanceExit(t *testing.T) {
	clean := billing.RemittanceResult{Outcomes: []billing.LineOutcome{
		{Status: billing.OutcomePosted},
		{Status: billing.OutcomeAlreadyPosted},
	}}
	if err := remittanceExit(clean); err != nil {
		t.Errorf("expected nil for a fully posted batch, got %v", err)
	}

	partial := billing.RemittanceResult{Outcomes: []billing.LineOutcome{
		{Status: billing.OutcomePosted},
		{Status: billing.OutcomeUnmatched},
		{Status: billing.OutcomeNeedsReview},
	}}
	err := remittanceExit(partial)
	if got := exitCodeFor(err); got != exitcode.PartialSuccess {
		t.Errorf("expected exit code %d, got %d", exitcode.PartialSuccess, got)
	}
	if err == nil || !strings.Contains(err.Error(), "2 of 3") {
		t.Errorf("expected follow-up count in error, got %v", err)
	}
}

func TestPrintRemittanceResult(t *testing.T) {
	result := billing.RemittanceResult{
		Reference:      "EFT-1001",
		MatchedCount:   1,
		UnmatchedCount: 1,
		TotalPosted:    money.MustParse("80.00"),
		Warnings:       []string{"line 2: payer paid more than billed"},
		Outcomes: []billing.LineOutcome{
			{Index: 0, Status: billing.OutcomePosted, MatchedBy: billing.MatchByClaimNumber, ClaimNumber: "CLM-1",
				Line: billing.RemittanceLine{ClaimNumber: "CLM-1", Paid: money.MustParse("80.00")}},
			{Index: 1, Status: billing.OutcomeUnmatched, Reason: "no claim found",
				Line: billing.RemittanceLine{ClaimNumber: "CLM-404", Paid: money.MustParse("10.00")}},
		},
	}

	var buf bytes.Buffer
	printRemittanceResult(&buf, result, true)
	out := buf.String()

	for _, want := range []string{"DRY RUN", "EFT-1001", "1 matched, 1 unmatched, 80.00 posted", "WARNING:", "CLM-404", "no claim found"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected output to contain %q, got:\n%s", want, out)
		}
	}
}

func TestPrintAging(t *testing.T) {
	var buf bytes.Buffer
	printAging(&buf, nil)
	if !strings.Contains(buf.String(), "No open receivables") {
		t.Errorf("expected empty message, got %q", buf.String())
	}

	buf.Reset()
	r := billing.AgingReport{AsOf: caldate.MustParse("2026-03-31")}
	r.Current = billing.Bucket{Count: 2, Amount: money.MustParse("150.00")}
	r.Total = billing.Bucket{Count: 2, Amount: money.MustParse("150.00")}
	printAging(&buf, []billing.AgingReport{r})

	out := buf.String()
	for _, want := range []string{"2026-03-31", "all", "150.00 (2)"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected output to contain %q, got:\n%s", want, out)
		}
	}
}

func TestNewServer_Health(t *testing.T) {
	e := newServer(testConfig("production"), zerolog.Nop(), nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("expected X-Request-ID header")
	}
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("expected security headers on health response")
	}
}

func TestNewServer_APIRequiresToken(t *testing.T) {
	e := newServer(testConfig("production"), zerolog.Nop(), nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/claims", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
}
