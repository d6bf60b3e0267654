// Package config loads and validates the configuration for the
// dual-protocol proxy front-end. This package has no protocol knowledge
// of its own (spec.md §1 names configuration loading as an external
// collaborator) — it only turns YAML into the listener addresses,
// routing rules, and ambient tuning knobs that cmd/dualproxy wires into
// the ListenerMultiplexer, HostMatch, and logging/metrics layers.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete proxy front-end configuration.
type Config struct {
	Log     LogConfig     `yaml:"log"`
	Listen  []ListenEntry `yaml:"listen"`
	Routing RoutingConfig `yaml:"routing"`
	Session SessionConfig `yaml:"session"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// LogConfig controls internal/logging's handler construction.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// ListenEntry describes one TCP front the ListenerMultiplexer binds.
// Each front serves both SOCKS5 and HTTP on the same socket; the
// SessionStateMachine discriminates the protocol per connection.
type ListenEntry struct {
	// Network is "tcp4" or "tcp6".
	Network string `yaml:"network"`
	// Address is the host:port to bind.
	Address string `yaml:"address"`
	// AcceptRatePerSec and AcceptBurst size the accept-loop token bucket.
	// The ListenerMultiplexer keeps one bucket shared by all listen
	// entries; the last entry with a positive AcceptRatePerSec sets it.
	// When no entry sets a rate, the bucket is 500 per second with a
	// burst of 500.
	AcceptRatePerSec int `yaml:"accept_rate_per_sec"`
	AcceptBurst      int `yaml:"accept_burst"`
}

// RoutingConfig configures the default hostmatch.Matcher built at
// startup. TunnelPatterns lists exact hosts or "*.domain" wildcards that
// should route via the tunnel; anything unmatched goes direct.
type RoutingConfig struct {
	TunnelPatterns []string `yaml:"tunnel_patterns"`
}

// SessionConfig overrides the SessionStateMachine's default timeouts.
// Zero values mean "use the package default."
type SessionConfig struct {
	HandshakeTimeout  time.Duration `yaml:"handshake_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	PendingCloseGrace time.Duration `yaml:"pending_close_grace"`
}

// MetricsConfig controls the Prometheus HTTP export the CLI starts
// alongside the proxy listeners.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// Default returns a Config with sane defaults: one IPv4 front on
// 127.0.0.1:1080, text logging at info level, and metrics disabled.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Listen: []ListenEntry{
			{Network: "tcp4", Address: "127.0.0.1:1080", AcceptRatePerSec: 500, AcceptBurst: 500},
		},
		Routing: RoutingConfig{
			TunnelPatterns: []string{},
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Address: "127.0.0.1:9090",
		},
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses configuration from YAML bytes, starting from Default and
// overlaying whatever the document sets.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// envVarRegex matches ${VAR} or $VAR patterns.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their
// values, supporting ${VAR:-default} for a fallback.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		if idx := strings.Index(name, ":-"); idx != -1 {
			varName := name[:idx]
			defaultVal := name[idx+2:]
			if val, ok := os.LookupEnv(varName); ok {
				return val
			}
			return defaultVal
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if !isValidLogLevel(c.Log.Level) {
		errs = append(errs, fmt.Sprintf("invalid log.level: %s (must be debug, info, warn, or error)", c.Log.Level))
	}
	if !isValidLogFormat(c.Log.Format) {
		errs = append(errs, fmt.Sprintf("invalid log.format: %s (must be text or json)", c.Log.Format))
	}

	if len(c.Listen) == 0 {
		errs = append(errs, "at least one listen entry is required")
	}
	for i, l := range c.Listen {
		if err := validateListenEntry(l); err != nil {
			errs = append(errs, fmt.Sprintf("listen[%d]: %v", i, err))
		}
	}

	for i, pattern := range c.Routing.TunnelPatterns {
		if err := isValidHostPattern(pattern); err != nil {
			errs = append(errs, fmt.Sprintf("routing.tunnel_patterns[%d]: %v", i, err))
		}
	}

	if c.Metrics.Enabled && c.Metrics.Address == "" {
		errs = append(errs, "metrics.address is required when metrics.enabled is true")
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func validateListenEntry(l ListenEntry) error {
	if l.Network != "tcp4" && l.Network != "tcp6" {
		return fmt.Errorf("invalid network: %s (must be tcp4 or tcp6)", l.Network)
	}
	if l.Address == "" {
		return fmt.Errorf("address is required")
	}
	if l.AcceptRatePerSec < 0 || l.AcceptBurst < 0 {
		return fmt.Errorf("accept_rate_per_sec and accept_burst must not be negative")
	}
	return nil
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

func isValidLogFormat(format string) bool {
	switch format {
	case "text", "json":
		return true
	default:
		return false
	}
}

// isValidHostPattern validates a routing pattern (exact host or
// "*.domain" wildcard), the same shape internal/hostmatch.Matcher
// consumes.
func isValidHostPattern(pattern string) error {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return fmt.Errorf("empty host pattern")
	}

	baseDomain := pattern
	if strings.HasPrefix(pattern, "*.") {
		baseDomain = pattern[2:]
	}
	if baseDomain == "" {
		return fmt.Errorf("empty domain after wildcard")
	}
	if strings.HasPrefix(baseDomain, ".") || strings.HasSuffix(baseDomain, ".") {
		return fmt.Errorf("domain cannot start or end with a dot")
	}
	if strings.Contains(baseDomain, "..") {
		return fmt.Errorf("domain cannot contain consecutive dots")
	}
	for _, r := range baseDomain {
		if !isValidHostChar(r) {
			return fmt.Errorf("invalid character in host pattern: %c", r)
		}
	}
	return nil
}

func isValidHostChar(r rune) bool {
	return (r >= 'a' && r <= 'z') ||
		(r >= 'A' && r <= 'Z') ||
		(r >= '0' && r <= '9') ||
		r == '-' || r == '.'
}

// TunnelPatternMap converts RoutingConfig.TunnelPatterns into the
// pattern→flags map hostmatch.New expects, with every pattern mapped to
// the tunnel route flag.
func (c *Config) TunnelPatternMap(routeTunnelFlag int) map[string]int {
	m := make(map[string]int, len(c.Routing.TunnelPatterns))
	for _, p := range c.Routing.TunnelPatterns {
		m[strings.ToLower(strings.TrimSpace(p))] = routeTunnelFlag
	}
	return m
}

// String returns a YAML representation of the config. Nothing in this
// config is sensitive, so unlike the teacher's config package this has
// no redaction step.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}
