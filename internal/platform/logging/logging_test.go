package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestNew_JSON(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, "json")
	log.Info().Str("claim_number", "CLM-001001").Msg("claim submitted")

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("expected JSON output, got %q", buf.String())
	}
	if line["message"] != "claim submitted" {
		t.Errorf("expected message 'claim submitted', got %v", line["message"])
	}
	if line["service"] != "revcycle" {
		t.Errorf("expected service field, got %v", line["service"])
	}
	if _, ok := line["time"]; !ok {
		t.Error("expected timestamp field")
	}
}

func TestNew_Text(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, "text")
	log.Warn().Msg("remittance line unmatched")

	out := buf.String()
	if strings.HasPrefix(out, "{") {
		t.Errorf("expected console output, got JSON: %q", out)
	}
	if !strings.Contains(out, "remittance line unmatched") || !strings.Contains(out, "WRN") {
		t.Errorf("unexpected console output: %q", out)
	}
}
