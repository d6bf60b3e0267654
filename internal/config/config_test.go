package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %s, want info", cfg.Log.Level)
	}
	if cfg.Log.Format != "text" {
		t.Errorf("Log.Format = %s, want text", cfg.Log.Format)
	}
	if len(cfg.Listen) != 1 {
		t.Fatalf("Listen = %d entries, want 1", len(cfg.Listen))
	}
	if cfg.Listen[0].Address != "127.0.0.1:1080" {
		t.Errorf("Listen[0].Address = %s, want 127.0.0.1:1080", cfg.Listen[0].Address)
	}
	if cfg.Metrics.Enabled {
		t.Error("Metrics.Enabled = true, want false")
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("Default() failed validation: %v", err)
	}
}

func TestParse_ValidConfig(t *testing.T) {
	yamlConfig := `
log:
  level: debug
  format: json

listen:
  - network: tcp4
    address: "0.0.0.0:1080"
  - network: tcp6
    address: "[::1]:1080"

routing:
  tunnel_patterns:
    - "internal.example.com"
    - "*.corp.example.com"

metrics:
  enabled: true
  address: "127.0.0.1:9090"
`
	cfg, err := Parse([]byte(yamlConfig))
	if err != nil {
		t.Fatalf("Parse() failed: %v", err)
	}

	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %s, want debug", cfg.Log.Level)
	}
	if len(cfg.Listen) != 2 {
		t.Fatalf("Listen = %d entries, want 2", len(cfg.Listen))
	}
	if cfg.Listen[1].Network != "tcp6" {
		t.Errorf("Listen[1].Network = %s, want tcp6", cfg.Listen[1].Network)
	}
	if len(cfg.Routing.TunnelPatterns) != 2 {
		t.Fatalf("TunnelPatterns = %d entries, want 2", len(cfg.Routing.TunnelPatterns))
	}
	if !cfg.Metrics.Enabled || cfg.Metrics.Address != "127.0.0.1:9090" {
		t.Errorf("Metrics = %+v, want enabled at 127.0.0.1:9090", cfg.Metrics)
	}
}

func TestParse_InvalidYAML(t *testing.T) {
	_, err := Parse([]byte("log: [not: valid: yaml"))
	if err == nil {
		t.Fatal("expected parse error for invalid YAML")
	}
}

func TestValidate_RejectsBadLogLevel(t *testing.T) {
	cfg := Default()
	cfg.Log.Level = "verbose"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for invalid log level")
	}
}

func TestValidate_RejectsBadLogFormat(t *testing.T) {
	cfg := Default()
	cfg.Log.Format = "xml"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for invalid log format")
	}
}

func TestValidate_RequiresAtLeastOneListener(t *testing.T) {
	cfg := Default()
	cfg.Listen = nil
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for no listeners")
	}
}

func TestValidate_RejectsBadListenerNetwork(t *testing.T) {
	cfg := Default()
	cfg.Listen[0].Network = "udp4"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for non-tcp network")
	}
}

func TestValidate_RejectsEmptyListenerAddress(t *testing.T) {
	cfg := Default()
	cfg.Listen[0].Address = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for empty address")
	}
}

func TestValidate_RejectsNegativeAcceptRate(t *testing.T) {
	cfg := Default()
	cfg.Listen[0].AcceptRatePerSec = -1
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for negative accept rate")
	}
}

func TestValidate_RejectsMetricsEnabledWithoutAddress(t *testing.T) {
	cfg := Default()
	cfg.Metrics.Enabled = true
	cfg.Metrics.Address = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for metrics enabled without address")
	}
}

func TestValidate_AggregatesMultipleErrors(t *testing.T) {
	cfg := Default()
	cfg.Log.Level = "bogus"
	cfg.Log.Format = "bogus"
	cfg.Listen = nil

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	msg := err.Error()
	if !strings.Contains(msg, "log.level") || !strings.Contains(msg, "log.format") || !strings.Contains(msg, "listen") {
		t.Errorf("expected aggregated error to mention all failures, got: %s", msg)
	}
}

func TestIsValidHostPattern(t *testing.T) {
	cases := []struct {
		pattern string
		valid   bool
	}{
		{"example.com", true},
		{"*.example.com", true},
		{"sub.example.com", true},
		{"", false},
		{"*.", false},
		{".example.com", false},
		{"example.com.", false},
		{"example..com", false},
		{"exa mple.com", false},
	}
	for _, c := range cases {
		err := isValidHostPattern(c.pattern)
		if (err == nil) != c.valid {
			t.Errorf("isValidHostPattern(%q) = %v, want valid=%v", c.pattern, err, c.valid)
		}
	}
}

func TestValidate_RejectsBadTunnelPattern(t *testing.T) {
	cfg := Default()
	cfg.Routing.TunnelPatterns = []string{"not a host"}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for invalid tunnel pattern")
	}
}

func TestTunnelPatternMap(t *testing.T) {
	cfg := Default()
	cfg.Routing.TunnelPatterns = []string{"Example.COM", " *.Corp.example.com "}

	m := cfg.TunnelPatternMap(1)
	if m["example.com"] != 1 {
		t.Errorf("expected lowercased exact pattern mapped, got %+v", m)
	}
	if m["*.corp.example.com"] != 1 {
		t.Errorf("expected trimmed+lowercased wildcard pattern mapped, got %+v", m)
	}
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("DUALPROXY_TEST_ADDR", "127.0.0.1:2080")

	yamlConfig := `
listen:
  - network: tcp4
    address: "${DUALPROXY_TEST_ADDR}"
metrics:
  address: "${DUALPROXY_TEST_METRICS:-127.0.0.1:9999}"
`
	cfg, err := Parse([]byte(yamlConfig))
	if err != nil {
		t.Fatalf("Parse() failed: %v", err)
	}
	if cfg.Listen[0].Address != "127.0.0.1:2080" {
		t.Errorf("Listen[0].Address = %s, want 127.0.0.1:2080", cfg.Listen[0].Address)
	}
	if cfg.Metrics.Address != "127.0.0.1:9999" {
		t.Errorf("Metrics.Address = %s, want fallback 127.0.0.1:9999", cfg.Metrics.Address)
	}
}

func TestLoad_ReadsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	contents := "log:\n  level: warn\n  format: text\n"
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("Log.Level = %s, want warn", cfg.Log.Level)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestString_RoundTripsYAML(t *testing.T) {
	cfg := Default()
	out := cfg.String()
	if !strings.Contains(out, "127.0.0.1:1080") {
		t.Errorf("expected String() to include listen address, got: %s", out)
	}
}
