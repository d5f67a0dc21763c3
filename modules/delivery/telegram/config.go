package telegram

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"time"
)

// tokenPattern matches the Telegram bot token format: <digits>:<alphanum+dash>.
var tokenPattern = regexp.MustCompile(`^\d+:[A-Za-z0-9_-]+$`)

// telegramMaxLength is the Bot API limit for one text message.
const telegramMaxLength = 4096

// Config holds the Telegram delivery configuration.
type Config struct {
	Token    string `yaml:"token"`
	TokenEnv string `yaml:"token_env"`

	// AllowChats restricts delivery to these chat IDs. Empty allows any.
	AllowChats []string `yaml:"allow_chats"`

	MaxMessageLength    int           `yaml:"max_message_length"`
	DisablePreview      bool          `yaml:"disable_preview"`
	DisableNotification bool          `yaml:"disable_notification"`
	PlainText           bool          `yaml:"plain_text"`
	Timeout             time.Duration `yaml:"timeout"`
	APIURL              string        `yaml:"api_url"`
}

// defaults applies default values to unset fields.
func (c *Config) defaults() {
	if c.MaxMessageLength == 0 {
		c.MaxMessageLength = telegramMaxLength
	}
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
	if c.APIURL == "" {
		c.APIURL = "https://api.telegram.org"
	}
}

// token returns the configured token, reading TokenEnv when Token is empty.
func (c *Config) token() string {
	if c.Token != "" {
		return c.Token
	}
	if c.TokenEnv != "" {
		return os.Getenv(c.TokenEnv)
	}
	return ""
}

// validate checks field constraints after defaults have been applied.
func (c *Config) validate(token string) error {
	var errs []error
	switch {
	case token == "":
		errs = append(errs, errors.New("telegram: token or token_env is required"))
	case !tokenPattern.MatchString(token):
		errs = append(errs, errors.New("telegram: token format invalid (expected <bot_id>:<hash>)"))
	}
	if u, err := url.Parse(c.APIURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		errs = append(errs, fmt.Errorf("telegram: api_url must be a valid http/https URL, got %q", c.APIURL))
	}
	if c.MaxMessageLength < 1 || c.MaxMessageLength > telegramMaxLength {
		errs = append(errs, fmt.Errorf("telegram: max_message_length must be 1-%d, got %d", telegramMaxLength, c.MaxMessageLength))
	}
	if c.Timeout < 0 {
		errs = append(errs, fmt.Errorf("telegram: timeout must not be negative, got %s", c.Timeout))
	}
	return errors.Join(errs...)
}
