package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...any) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateLogger(cfg, ve)
	validateTracer(cfg, ve)
	validateStream(cfg, ve)
	validateUpstream(cfg, ve)
	validateGateway(cfg, ve)
	validateCluster(cfg, ve)
	validateJournal(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateLogger(cfg *Config, ve *ValidationError) {
	switch strings.ToLower(cfg.Logger.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		ve.Add("logger.level %q must be debug, info, warn or error", cfg.Logger.Level)
	}
	switch cfg.Logger.Format {
	case "", "text", "json":
	default:
		ve.Add("logger.format %q must be text or json", cfg.Logger.Format)
	}
}

func validateTracer(cfg *Config, ve *ValidationError) {
	if !cfg.Tracer.Enabled {
		return
	}
	switch cfg.Tracer.Exporter {
	case "", "noop", "stdout":
	default:
		ve.Add("tracer.exporter %q is not supported", cfg.Tracer.Exporter)
	}
}

func validateStream(cfg *Config, ve *ValidationError) {
	if cfg.Stream.StallTimeout < 0 {
		ve.Add("stream.stall_timeout must not be negative")
	}
	if cfg.Stream.MaxLineBytes < 0 {
		ve.Add("stream.max_line_bytes must not be negative")
	}
}

func validateUpstream(cfg *Config, ve *ValidationError) {
	u := cfg.Upstream
	if u.BaseURL != "" {
		parsed, err := url.Parse(u.BaseURL)
		if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
			ve.Add("upstream.base_url %q must be an absolute http(s) URL", u.BaseURL)
		}
	}
	if u.Path != "" && !strings.HasPrefix(u.Path, "/") {
		ve.Add("upstream.path %q must start with /", u.Path)
	}
	if u.ConnTimeout < 0 || u.RespTimeout < 0 {
		ve.Add("upstream timeouts must not be negative")
	}
	if u.ReadBufferBytes < 0 {
		ve.Add("upstream.read_buffer_bytes must not be negative")
	}
	if cb := u.CircuitBreaker; cb.Enabled {
		if cb.MaxFailures == 0 {
			ve.Add("upstream.circuit_breaker.max_failures must be > 0")
		}
		if cb.Timeout <= 0 {
			ve.Add("upstream.circuit_breaker.timeout must be > 0")
		}
	}
}

func validateGateway(cfg *Config, ve *ValidationError) {
	if !cfg.Gateway.Enabled {
		return
	}
	if cfg.Gateway.Addr == "" {
		ve.Add("gateway.addr is required when gateway is enabled")
	} else if _, _, err := net.SplitHostPort(cfg.Gateway.Addr); err != nil {
		ve.Add("gateway.addr %q is not a valid host:port", cfg.Gateway.Addr)
	}
	if cfg.Upstream.BaseURL == "" {
		ve.Add("upstream.base_url is required when gateway is enabled")
	}
	switch cfg.Gateway.Auth.Type {
	case "", "static":
	default:
		ve.Add("gateway.auth.type %q is not supported", cfg.Gateway.Auth.Type)
	}
	for i, tc := range cfg.Gateway.Auth.Tokens {
		if tc.Token == "" {
			ve.Add("gateway.auth.tokens[%d].token is empty", i)
		}
	}
	if rl := cfg.Gateway.RateLimit; rl.RequestsPerSecond < 0 || rl.Burst < 0 {
		ve.Add("gateway.rate_limit values must not be negative")
	} else if rl.RequestsPerSecond > 0 && rl.Burst == 0 {
		ve.Add("gateway.rate_limit.burst must be > 0 when requests_per_second is set")
	}
}

func validateCluster(cfg *Config, ve *ValidationError) {
	if cfg.Cluster == nil || !cfg.Cluster.Enabled {
		return
	}
	if cfg.Cluster.RedisURL == "" {
		ve.Add("cluster.redis_url is required when cluster mode is enabled")
	}
}

func validateJournal(cfg *Config, ve *ValidationError) {
	if cfg.Journal.Enabled && cfg.Journal.Path == "" {
		ve.Add("journal.path is required when journal is enabled")
	}
}
