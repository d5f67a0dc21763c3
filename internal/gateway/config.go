package gateway

import (
	"time"

	"github.com/JasdewStarfield/nanobot/internal/dispatch"
	"github.com/JasdewStarfield/nanobot/internal/security"
)

// Config holds HTTP gateway configuration.
type Config struct {
	Bind            string                      `yaml:"bind"`
	Auth            AuthConfig                  `yaml:"auth"`
	Webhooks        map[string]WebhookSourceCfg `yaml:"webhooks"`
	RateLimit       security.RateLimitConfig    `yaml:"rate_limit"`
	MaxBodyBytes    int                         `yaml:"max_body_bytes"`
	MCP             bool                        `yaml:"mcp"`
	ReadTimeout     time.Duration               `yaml:"read_timeout"`
	WriteTimeout    time.Duration               `yaml:"write_timeout"`
	ShutdownTimeout time.Duration               `yaml:"shutdown_timeout"`
}

// defaults fills zero values with sensible defaults.
func (c *Config) defaults() {
	if c.Bind == "" {
		c.Bind = "127.0.0.1:8080"
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 64 << 10
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 30 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 5 * time.Second
	}
}

// Secrets returns every credential in the config, for log redaction.
func (c *Config) Secrets() []string {
	out := []string{c.Auth.BearerToken, c.Auth.BasicPass}
	for _, wh := range c.Webhooks {
		out = append(out, wh.Secret)
	}
	return out
}

// AuthConfig configures authentication for admin endpoints.
type AuthConfig struct {
	BearerToken string `yaml:"bearer_token"`
	BasicUser   string `yaml:"basic_user"`
	BasicPass   string `yaml:"basic_pass"`
}

// IsConfigured returns true if any auth method is configured.
func (a AuthConfig) IsConfigured() bool {
	return a.BearerToken != "" || (a.BasicUser != "" && a.BasicPass != "")
}

// WebhookSourceCfg holds per-source webhook configuration. Only configured
// sources are accepted.
type WebhookSourceCfg struct {
	// Secret enables HMAC-SHA256 verification of the X-Signature-256 header.
	Secret string `yaml:"secret"`

	// SessionKey defaults to "webhook:<source>".
	SessionKey        string        `yaml:"session_key"`
	ContextSessionKey string        `yaml:"context_session_key"`
	Model             string        `yaml:"model"`
	Kind              dispatch.Kind `yaml:"kind"`
}

func (w WebhookSourceCfg) sessionKey(source string) string {
	if w.SessionKey != "" {
		return w.SessionKey
	}
	return dispatch.SourceWebhook + ":" + source
}
