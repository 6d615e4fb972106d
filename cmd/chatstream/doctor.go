package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"chatstream/internal/adapter/redis"
	"chatstream/internal/infra/config"
)

// CheckStatus represents the result of a health check.
type CheckStatus string

const (
	StatusPass CheckStatus = "PASS"
	StatusWarn CheckStatus = "WARN"
	StatusFail CheckStatus = "FAIL"
)

// CheckResult holds the outcome of a single health check.
type CheckResult struct {
	Name    string
	Status  CheckStatus
	Message string
	Fix     string // optional fix suggestion
}

// Check is a named health check function.
type Check struct {
	Name string
	Fn   func(cfg *config.Config) CheckResult
}

func runDoctor() error {
	return doctor(configPath(), os.Stdout)
}

// doctor executes all health checks and reports results to out.
func doctor(cfgPath string, out io.Writer) error {
	// Some checks work without a config.
	cfg, cfgErr := config.Load(cfgPath)
	if cfgErr != nil {
		cfg = nil
	}

	checks := []Check{
		{Name: "Config file", Fn: checkConfigFile(cfgPath, cfgErr)},
		{Name: "Upstream", Fn: checkUpstreamConfig},
		{Name: "Upstream connectivity", Fn: checkUpstreamConnectivity},
		{Name: "Gateway", Fn: checkGatewayAddr},
		{Name: "Journal", Fn: checkJournalPath},
		{Name: "Cluster", Fn: checkCluster},
	}

	fmt.Fprintln(out, "chatstream doctor")
	fmt.Fprintln(out, strings.Repeat("=", 50))
	fmt.Fprintln(out)

	var pass, warn, fail int
	for _, check := range checks {
		result := check.Fn(cfg)
		result.Name = check.Name

		fmt.Fprintf(out, "  %s %s: %s\n", statusIcon(result.Status), result.Name, result.Message)
		if result.Fix != "" {
			fmt.Fprintf(out, "      Fix: %s\n", result.Fix)
		}

		switch result.Status {
		case StatusPass:
			pass++
		case StatusWarn:
			warn++
		case StatusFail:
			fail++
		}
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, strings.Repeat("-", 50))
	fmt.Fprintf(out, "Results: %d passed, %d warnings, %d failed\n", pass, warn, fail)

	if fail > 0 {
		return fmt.Errorf("%d check(s) failed", fail)
	}
	return nil
}

func statusIcon(s CheckStatus) string {
	switch s {
	case StatusPass:
		return "[PASS]"
	case StatusWarn:
		return "[WARN]"
	case StatusFail:
		return "[FAIL]"
	default:
		return "[????]"
	}
}

var notLoaded = CheckResult{Status: StatusFail, Message: "cannot check: config not loaded"}

// checkConfigFile returns a check that verifies the config file exists and parses correctly.
func checkConfigFile(cfgPath string, cfgErr error) func(*config.Config) CheckResult {
	return func(_ *config.Config) CheckResult {
		if cfgErr != nil {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("config error: %v", cfgErr),
				Fix:     "Check config.yaml syntax and permissions (0600)",
			}
		}
		if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
			return CheckResult{
				Status:  StatusWarn,
				Message: fmt.Sprintf("no config file at %s; using defaults", cfgPath),
			}
		}
		return CheckResult{
			Status:  StatusPass,
			Message: fmt.Sprintf("config loaded from %s", cfgPath),
		}
	}
}

func checkUpstreamConfig(cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded
	}
	if cfg.Upstream.BaseURL == "" {
		return CheckResult{
			Status:  StatusFail,
			Message: "upstream base_url is not set",
			Fix:     fmt.Sprintf("Set upstream.base_url or %sUPSTREAM_BASE_URL", config.EnvPrefix),
		}
	}
	if cfg.Upstream.APIKey == "" {
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("%s%s without an API key", cfg.Upstream.BaseURL, cfg.Upstream.Path),
		}
	}
	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("%s%s", cfg.Upstream.BaseURL, cfg.Upstream.Path),
	}
}

// checkUpstreamConnectivity tests if the upstream host answers HTTP.
func checkUpstreamConnectivity(cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded
	}
	if cfg.Upstream.BaseURL == "" {
		return CheckResult{Status: StatusWarn, Message: "skipped: no base_url"}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, cfg.Upstream.BaseURL, nil)
	if err != nil {
		return CheckResult{Status: StatusFail, Message: fmt.Sprintf("failed to create request: %v", err)}
	}
	resp, err := http.DefaultClient.Do(req)
	latency := time.Since(start)
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("cannot reach %s: %v", cfg.Upstream.BaseURL, err),
			Fix:     "Check the upstream address and your firewall settings",
		}
	}
	resp.Body.Close()

	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("reachable (status %d, latency: %dms)", resp.StatusCode, latency.Milliseconds()),
	}
}

// checkGatewayAddr verifies the gateway address can be bound.
func checkGatewayAddr(cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded
	}
	if !cfg.Gateway.Enabled {
		return CheckResult{Status: StatusWarn, Message: "gateway disabled; serve will refuse to start"}
	}
	ln, err := net.Listen("tcp", cfg.Gateway.Addr)
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("cannot listen on %s: %v", cfg.Gateway.Addr, err),
			Fix:     "Stop the process using the port or change gateway.addr",
		}
	}
	ln.Close()

	auth := "open (no tokens)"
	if len(cfg.Gateway.Auth.Tokens) > 0 {
		auth = fmt.Sprintf("%d token(s)", len(cfg.Gateway.Auth.Tokens))
	}
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("%s available, auth %s", cfg.Gateway.Addr, auth)}
}

// checkJournalPath verifies the journal directory exists and is writable.
func checkJournalPath(cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded
	}
	if !cfg.Journal.Enabled {
		return CheckResult{Status: StatusPass, Message: "journal disabled"}
	}

	dir, _ := filepath.Abs(filepath.Dir(cfg.Journal.Path))
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("journal directory %s cannot be created: %v", dir, err),
			Fix:     fmt.Sprintf("Create the directory: mkdir -p %s", dir),
		}
	}

	testFile := filepath.Join(dir, ".doctor-check")
	if err := os.WriteFile(testFile, []byte("ok"), 0o600); err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("journal directory %s is not writable: %v", dir, err),
			Fix:     fmt.Sprintf("Fix permissions: chmod 700 %s", dir),
		}
	}
	os.Remove(testFile)

	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("%s writable", cfg.Journal.Path)}
}

// checkCluster pings the cluster Redis when a cluster is configured.
func checkCluster(cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded
	}
	if cfg.Cluster == nil || !cfg.Cluster.Enabled {
		return CheckResult{Status: StatusPass, Message: "standalone mode"}
	}

	client, err := redis.Dial(context.Background(), cfg.Cluster.RedisURL, 5*time.Second)
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: err.Error(),
			Fix:     "Check cluster.redis_url and that Redis is running",
		}
	}
	client.Close()
	return CheckResult{Status: StatusPass, Message: "redis reachable"}
}
