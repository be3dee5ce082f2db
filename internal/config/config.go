package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

import (
	"gopkg.in/yaml.v3"
)

import (
	"turnstile/internal/types"
)

// ServerCfg —— HTTP 服务配置
type ServerCfg struct {
	HTTPAddr string `yaml:"httpAddr"` // listen address, e.g. ":8080"
}

// RedisCfg —— shared store connection and namespace settings.
type RedisCfg struct {
	Addr           string `yaml:"addr"`           // e.g. "127.0.0.1:6379"
	Password       string `yaml:"password"`       // optional
	DB             int    `yaml:"db"`             // DB index
	Prefix         string `yaml:"prefix"`         // rate-limit key prefix, default "api"
	PoolSize       int    `yaml:"poolSize"`       // connection pool size
	MinIdleConns   int    `yaml:"minIdleConns"`   // minimum idle connections
	MaxRetries     int    `yaml:"maxRetries"`     // command retry count
	DialTimeoutMs  int    `yaml:"dialTimeoutMs"`  // dial timeout (ms)
	ReadTimeoutMs  int    `yaml:"readTimeoutMs"`  // read timeout (ms)
	WriteTimeoutMs int    `yaml:"writeTimeoutMs"` // write timeout (ms)
	OpTimeoutMs    int    `yaml:"opTimeoutMs"`    // per-operation deadline (ms), default 100
}

// Override is a narrower per-endpoint ceiling that composes with the
// global tier ceiling. Both must allow; whichever is exceeded first
// determines the rejection reason surfaced to the caller.
type Override struct {
	Name          string   `yaml:"name"`          // machine-readable reason code on denial
	PathPrefix    string   `yaml:"pathPrefix"`    // request path prefix to match
	Methods       []string `yaml:"methods"`       // empty = all methods
	KeyBy         string   `yaml:"keyBy"`         // "ip" | "user" | "email"
	Limit         int64    `yaml:"limit"`         // max requests per window
	WindowSeconds int      `yaml:"windowSeconds"` // window length, default global window
	Priority      int      `yaml:"priority"`      // higher wins when reporting reasons
}

// RateLimitCfg —— global limiter policy.
type RateLimitCfg struct {
	Enabled            bool             `yaml:"enabled"`
	Algo               string           `yaml:"algo"`          // "fixed_window" (default) | "sliding_window"
	WindowSeconds      int              `yaml:"windowSeconds"` // default 60
	Tiers              map[string]int64 `yaml:"tiers"`         // tier name -> ceiling per window
	ExcludedPaths      []string         `yaml:"excludedPaths"` // bypass prefixes
	APIPrefix          string           `yaml:"apiPrefix"`     // only paths under this are limited, default "/api/"
	TrustedProxyHeader string           `yaml:"trustedProxyHeader"` // e.g. "X-Forwarded-For"
	Overrides          []Override       `yaml:"overrides"`
}

// DenylistCfg —— repeat-offender temp bans (off by default).
type DenylistCfg struct {
	Enabled           bool  `yaml:"enabled"`
	DenyThreshold     int64 `yaml:"denyThreshold"`     // denials within window before ban
	DenyWindowSeconds int   `yaml:"denyWindowSeconds"` // denial counting window
	BanSeconds        int   `yaml:"banSeconds"`        // temp ban TTL
}

// Features —— 特性开关
type Features struct {
	FailPolicy    string      `yaml:"failPolicy"`    // fail-open | fail-closed
	LocalFallback bool        `yaml:"localFallback"` // in-process bucket when store is down (fail-open only)
	Denylist      DenylistCfg `yaml:"denylist"`
}

// BreakerCfg —— circuit breaker defaults shared by all dependencies.
type BreakerCfg struct {
	FailureThreshold    int      `yaml:"failureThreshold"`    // consecutive failures before OPEN
	SuccessThreshold    int      `yaml:"successThreshold"`    // half-open successes before CLOSED
	OpenTimeoutSeconds  int      `yaml:"openTimeoutSeconds"`  // OPEN cooldown
	HalfOpenMaxCalls    int      `yaml:"halfOpenMaxCalls"`    // trial call budget
	FailureDecaySeconds int      `yaml:"failureDecaySeconds"` // failure counter inactivity TTL
	Services            []string `yaml:"services"`            // dependencies registered at startup
}

// UpstreamCfg —— an outbound dependency reached through its breaker.
type UpstreamCfg struct {
	Name    string `yaml:"name"`
	BaseURL string `yaml:"baseURL"`
}

// AuthCfg —— claim names used by the lenient bearer decode.
type AuthCfg struct {
	JWTClaimUserID string `yaml:"jwtClaimUserID"` // default "sub"
	JWTClaimTier   string `yaml:"jwtClaimTier"`   // default "tier"
}

// Config —— 全量配置
type Config struct {
	Server    ServerCfg     `yaml:"server"`
	Redis     RedisCfg      `yaml:"redis"`
	RateLimit RateLimitCfg  `yaml:"ratelimit"`
	Features  Features      `yaml:"features"`
	Breaker   BreakerCfg    `yaml:"breaker"`
	Upstreams []UpstreamCfg `yaml:"upstreams"`
	Auth      AuthCfg       `yaml:"auth"`
}

// Load —— 从 YAML 文件加载配置（支持 ${ENV} 展开）
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	expanded := os.ExpandEnv(string(b))
	var c Config
	if err := yaml.Unmarshal([]byte(expanded), &c); err != nil {
		return nil, err
	}
	c.Normalize()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Normalize fills defaults for anything the file left unset.
func (c *Config) Normalize() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = ":8080"
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "127.0.0.1:6379"
	}
	if c.Redis.Prefix == "" {
		c.Redis.Prefix = "api"
	}
	if c.Redis.OpTimeoutMs <= 0 {
		c.Redis.OpTimeoutMs = 100
	}

	if c.RateLimit.Algo == "" {
		c.RateLimit.Algo = "fixed_window"
	}
	c.RateLimit.Algo = strings.ToLower(strings.TrimSpace(c.RateLimit.Algo))
	if c.RateLimit.WindowSeconds <= 0 {
		c.RateLimit.WindowSeconds = 60
	}
	if c.RateLimit.Tiers == nil {
		c.RateLimit.Tiers = map[string]int64{}
	}
	defaultTiers := map[string]int64{
		types.TierAnonymous: 30,
		types.TierFree:      60,
		types.TierPro:       120,
		types.TierStudio:    300,
	}
	for tier, ceiling := range defaultTiers {
		if _, ok := c.RateLimit.Tiers[tier]; !ok {
			c.RateLimit.Tiers[tier] = ceiling
		}
	}
	if c.RateLimit.APIPrefix == "" {
		c.RateLimit.APIPrefix = "/api/"
	}
	if c.RateLimit.ExcludedPaths == nil {
		c.RateLimit.ExcludedPaths = []string{"/healthz", "/metrics", "/docs", "/openapi.json", "/webhooks/"}
	}
	if c.RateLimit.TrustedProxyHeader == "" {
		c.RateLimit.TrustedProxyHeader = "X-Forwarded-For"
	}
	for i := range c.RateLimit.Overrides {
		o := &c.RateLimit.Overrides[i]
		if o.WindowSeconds <= 0 {
			o.WindowSeconds = c.RateLimit.WindowSeconds
		}
		if o.KeyBy == "" {
			o.KeyBy = "ip"
		}
		o.KeyBy = strings.ToLower(strings.TrimSpace(o.KeyBy))
	}

	c.Features.FailPolicy = NormalizeFailPolicy(c.Features.FailPolicy)
	if c.Features.Denylist.DenyThreshold <= 0 {
		c.Features.Denylist.DenyThreshold = 10
	}
	if c.Features.Denylist.DenyWindowSeconds <= 0 {
		c.Features.Denylist.DenyWindowSeconds = 60
	}
	if c.Features.Denylist.BanSeconds <= 0 {
		c.Features.Denylist.BanSeconds = 600
	}

	if c.Breaker.FailureThreshold <= 0 {
		c.Breaker.FailureThreshold = 5
	}
	if c.Breaker.SuccessThreshold <= 0 {
		c.Breaker.SuccessThreshold = 3
	}
	if c.Breaker.OpenTimeoutSeconds <= 0 {
		c.Breaker.OpenTimeoutSeconds = 60
	}
	if c.Breaker.HalfOpenMaxCalls <= 0 {
		c.Breaker.HalfOpenMaxCalls = 3
	}
	if c.Breaker.FailureDecaySeconds <= 0 {
		c.Breaker.FailureDecaySeconds = 120
	}

	if c.Auth.JWTClaimUserID == "" {
		c.Auth.JWTClaimUserID = "sub"
	}
	if c.Auth.JWTClaimTier == "" {
		c.Auth.JWTClaimTier = "tier"
	}
}

// Validate rejects option combinations the admission layer cannot honor.
func (c *Config) Validate() error {
	switch c.RateLimit.Algo {
	case "fixed_window", "sliding_window":
	default:
		return fmt.Errorf("unsupported ratelimit algo: %q", c.RateLimit.Algo)
	}
	for tier, ceiling := range c.RateLimit.Tiers {
		if ceiling <= 0 {
			return fmt.Errorf("tier %q ceiling must be positive, got %d", tier, ceiling)
		}
	}
	for _, o := range c.RateLimit.Overrides {
		if o.Name == "" {
			return fmt.Errorf("override with pathPrefix %q needs a name", o.PathPrefix)
		}
		if o.PathPrefix == "" {
			return fmt.Errorf("override %q needs a pathPrefix", o.Name)
		}
		if o.Limit <= 0 {
			return fmt.Errorf("override %q limit must be positive", o.Name)
		}
		switch o.KeyBy {
		case "ip", "user", "email":
		default:
			return fmt.Errorf("override %q keyBy must be ip|user|email, got %q", o.Name, o.KeyBy)
		}
	}
	return nil
}

// NormalizeFailPolicy coerces anything unrecognized to fail-open so an
// outage never turns into a total blackout by accident of a typo.
func NormalizeFailPolicy(policy string) string {
	policy = strings.ToLower(strings.TrimSpace(policy))
	if policy != "fail-open" && policy != "fail-closed" {
		return "fail-open"
	}
	return policy
}

// Window returns the global window length as a duration.
func (c *RateLimitCfg) Window() time.Duration {
	return time.Duration(c.WindowSeconds) * time.Second
}
