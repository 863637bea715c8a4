// Package doctor runs environment diagnostics for the handloop daemon:
// configuration, provider credentials, the in-memory store, and the
// reachability of the desk and the provider's API endpoint.
package doctor

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/basket/handloop/internal/config"
	"github.com/basket/handloop/internal/persistence"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkAPIKey,
		checkStore,
		checkPermissions,
		checkDesk,
		checkNetwork,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	return CheckResult{
		Name:    "Config",
		Status:  "PASS",
		Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir),
		Detail:  fmt.Sprintf("fingerprint=%s", cfg.Fingerprint()),
	}
}

func checkAPIKey(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "API Key", Status: "SKIP", Message: "Config missing"}
	}

	provider := "google"
	if cfg.LLM.Provider != "" {
		provider = strings.ToLower(cfg.LLM.Provider)
	}

	if cfg.LLM.APIKey != "" {
		return CheckResult{Name: "API Key", Status: "PASS", Message: "api_key set in config"}
	}

	envVars := map[string]string{
		"google":    "GEMINI_API_KEY",
		"openai":    "OPENAI_API_KEY",
		"anthropic": "ANTHROPIC_API_KEY",
	}

	envVar, ok := envVars[provider]
	if !ok {
		return CheckResult{Name: "API Key", Status: "WARN", Message: fmt.Sprintf("Provider %q requires api_key in config; none set", provider)}
	}

	if os.Getenv(envVar) != "" {
		return CheckResult{Name: "API Key", Status: "PASS", Message: fmt.Sprintf("%s is set", envVar)}
	}

	return CheckResult{
		Name:    "API Key",
		Status:  "WARN",
		Message: fmt.Sprintf("%s not set (required for %s provider)", envVar, provider),
		Detail:  "The daemon will run with a deterministic fallback until a key is configured",
	}
}

func checkStore(ctx context.Context, cfg *config.Config) CheckResult {
	store, err := persistence.Open(nil)
	if err != nil {
		return CheckResult{Name: "Store", Status: "FAIL", Message: fmt.Sprintf("Open failed: %v", err)}
	}
	defer store.Close()

	if _, _, err := store.Counts(ctx); err != nil {
		return CheckResult{Name: "Store", Status: "FAIL", Message: fmt.Sprintf("Query failed: %v", err)}
	}

	return CheckResult{Name: "Store", Status: "PASS", Message: "In-memory SQLite opens and answers queries"}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "Config missing"}
	}

	testFile := fmt.Sprintf("%s/.write_test", cfg.HomeDir)
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)

	return CheckResult{Name: "Permissions", Status: "PASS", Message: "Home directory writable"}
}

// checkDesk probes the desk's health endpoint. A refused connection is a
// warning, not a failure: the desk may simply not be running yet.
func checkDesk(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.DeskBaseURL == "" {
		return CheckResult{Name: "Desk", Status: "SKIP", Message: "No desk base URL configured"}
	}

	reqCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	url := strings.TrimRight(cfg.DeskBaseURL, "/") + "/health"
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return CheckResult{Name: "Desk", Status: "FAIL", Message: fmt.Sprintf("Bad desk URL: %v", err)}
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return CheckResult{
			Name:    "Desk",
			Status:  "WARN",
			Message: fmt.Sprintf("Desk unreachable at %s", url),
			Detail:  err.Error(),
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return CheckResult{Name: "Desk", Status: "WARN", Message: fmt.Sprintf("Desk returned HTTP %d", resp.StatusCode)}
	}
	return CheckResult{Name: "Desk", Status: "PASS", Message: fmt.Sprintf("Desk healthy at %s", url)}
}

func checkNetwork(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Network", Status: "SKIP", Message: "Config missing"}
	}

	provider := "google"
	if cfg.LLM.Provider != "" {
		provider = strings.ToLower(cfg.LLM.Provider)
	}

	endpoints := map[string]string{
		"google":            "generativelanguage.googleapis.com",
		"anthropic":         "api.anthropic.com",
		"openai":            "api.openai.com",
		"openai_compatible": "api.openai.com",
	}

	host, ok := endpoints[provider]
	if !ok {
		host = "generativelanguage.googleapis.com"
	}
	if provider == "openai_compatible" && cfg.LLM.OpenAICompatibleBaseURL != "" {
		if parsed := hostFromURL(cfg.LLM.OpenAICompatibleBaseURL); parsed != "" {
			host = parsed
		}
	}

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	addrs, err := net.DefaultResolver.LookupHost(lookupCtx, host)
	latency := time.Since(start)

	if err != nil {
		return CheckResult{
			Name:    "Network",
			Status:  "FAIL",
			Message: fmt.Sprintf("DNS lookup failed for %s: %v", host, err),
			Detail:  fmt.Sprintf("provider=%s, latency=%dms", provider, latency.Milliseconds()),
		}
	}

	return CheckResult{
		Name:    "Network",
		Status:  "PASS",
		Message: fmt.Sprintf("DNS resolved %s (%d addresses, %dms)", host, len(addrs), latency.Milliseconds()),
		Detail:  fmt.Sprintf("provider=%s", provider),
	}
}

func hostFromURL(raw string) string {
	trimmed := strings.TrimPrefix(strings.TrimPrefix(raw, "https://"), "http://")
	if i := strings.IndexAny(trimmed, "/:"); i >= 0 {
		trimmed = trimmed[:i]
	}
	return trimmed
}
