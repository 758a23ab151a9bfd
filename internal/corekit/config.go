package corekit

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds process-wide settings for the upstream client, cache,
// budget, and tool runtime. Values default sensibly and are overridden by
// environment variables, mirroring Config.LoadFromEnv
// pattern of explicit `os.Getenv` reads rather than reflection.
type Config struct {
	// Upstream model client (C1)
	OpenRouterMaxConcurrency    int
	OpenRouterMaxRetries        int
	OpenRouterRetryBaseSeconds  float64
	OpenRouterTimeoutSeconds    int
	OpenRouterAuthCooldownSecs  int

	// Cache (C2)
	CouncilCacheEnabled    bool
	CouncilCacheTTLSeconds *int // nil means "no expiration"

	// Pricing
	PriceBookVersion string

	// Tool runtime (C8)
	MCPMaxConcurrentCalls     int
	MCPToolTimeoutSeconds     int
	HTTPMaxConcurrentToolCalls int
	HTTPToolTimeoutSeconds    int

	// Per-mode upstream timeouts (seconds), overridable.
	ModeTimeoutSeconds map[string]int

	// Size limits for tool inputs
	MaxPromptChars   int
	MaxTaskChars     int
	MaxRepoFiles     int
	MaxRepoTotalChars int
	MaxPathChars     int
}

// DefaultConfig returns the engine's hard-coded defaults for every field
// above; LoadFromEnv overrides them with whatever environment variables
// are present.
func DefaultConfig() *Config {
	return &Config{
		OpenRouterMaxConcurrency:   6,
		OpenRouterMaxRetries:       2,
		OpenRouterRetryBaseSeconds: 0.5,
		OpenRouterTimeoutSeconds:   120,
		OpenRouterAuthCooldownSecs: 60,

		CouncilCacheEnabled: true,

		PriceBookVersion: "v0",

		MCPMaxConcurrentCalls:     4,
		MCPToolTimeoutSeconds:     300,
		HTTPMaxConcurrentToolCalls: 16,
		HTTPToolTimeoutSeconds:    300,

		ModeTimeoutSeconds: map[string]int{
			"fast":     30,
			"balanced": 120,
			"deep":     300,
		},

		MaxPromptChars:    16000,
		MaxTaskChars:      16000,
		MaxRepoFiles:      50,
		MaxRepoTotalChars: 200000,
		MaxPathChars:      512,
	}
}

// LoadFromEnv overrides defaults with any environment variables that are
// present, logging each override if a logger is supplied.
func (c *Config) LoadFromEnv(logger Logger) {
	if logger == nil {
		logger = NoOpLogger{}
	}

	setInt := func(env string, dst *int) {
		if v := os.Getenv(env); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
				logger.Debug("config override", map[string]interface{}{"env": env, "value": n})
			} else {
				logger.Warn("invalid integer env var", map[string]interface{}{"env": env, "value": v})
			}
		}
	}
	setFloat := func(env string, dst *float64) {
		if v := os.Getenv(env); v != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				*dst = f
				logger.Debug("config override", map[string]interface{}{"env": env, "value": f})
			} else {
				logger.Warn("invalid float env var", map[string]interface{}{"env": env, "value": v})
			}
		}
	}
	setBool := func(env string, dst *bool) {
		if v := os.Getenv(env); v != "" {
			*dst = parseBool(v)
		}
	}

	setInt("OPENROUTER_MAX_CONCURRENCY", &c.OpenRouterMaxConcurrency)
	setInt("OPENROUTER_MAX_RETRIES", &c.OpenRouterMaxRetries)
	setFloat("OPENROUTER_RETRY_BASE_SECONDS", &c.OpenRouterRetryBaseSeconds)
	setInt("OPENROUTER_TIMEOUT_SECONDS", &c.OpenRouterTimeoutSeconds)
	setInt("OPENROUTER_AUTH_COOLDOWN_SECONDS", &c.OpenRouterAuthCooldownSecs)

	setBool("COUNCIL_CACHE_ENABLED", &c.CouncilCacheEnabled)
	if v := os.Getenv("COUNCIL_CACHE_TTL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.CouncilCacheTTLSeconds = &n
		}
	}

	if v := os.Getenv("PRICE_BOOK_VERSION"); v != "" {
		c.PriceBookVersion = v
	}

	setInt("MCP_MAX_CONCURRENT_CALLS", &c.MCPMaxConcurrentCalls)
	setInt("MCP_TOOL_TIMEOUT_SECONDS", &c.MCPToolTimeoutSeconds)
	setInt("HTTP_MAX_CONCURRENT_TOOL_CALLS", &c.HTTPMaxConcurrentToolCalls)
	setInt("HTTP_TOOL_TIMEOUT_SECONDS", &c.HTTPToolTimeoutSeconds)

	for _, mode := range []string{"fast", "balanced", "deep"} {
		env := "MODE_TIMEOUT_SECONDS_" + strings.ToUpper(mode)
		if v := os.Getenv(env); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				c.ModeTimeoutSeconds[mode] = n
			}
		}
	}
}

// ModeTimeout returns the upstream timeout configured for mode, falling
// back to the "balanced" timeout for unknown modes.
func (c *Config) ModeTimeout(mode string) time.Duration {
	if secs, ok := c.ModeTimeoutSeconds[mode]; ok {
		return time.Duration(secs) * time.Second
	}
	return time.Duration(c.ModeTimeoutSeconds["balanced"]) * time.Second
}

func parseBool(v string) bool {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return strings.EqualFold(v, "yes") || strings.EqualFold(v, "on")
	}
	return b
}
