// Package security holds the process's defensive helpers: secret
// redaction for logs and config output, payload limits for inbound
// webhooks, per-source rate limiting and the admin audit trail.
package security

import (
	"regexp"
	"slices"
	"strings"
	"sync"
)

// RedactPlaceholder is the replacement string for redacted secrets.
const RedactPlaceholder = "***REDACTED***"

// secretKeyPattern matches map keys that likely contain secrets.
var secretKeyPattern = regexp.MustCompile(`(?i)(secret|token|password|pass$|api_key|apikey|credential)`)

// Redactor replaces secret values in strings and maps with a placeholder.
// Known key formats are matched by pattern; secrets taken from the
// configuration (gateway tokens, webhook secrets, agent keys) are matched
// literally. All methods are safe for concurrent use.
type Redactor struct {
	mu       sync.RWMutex
	patterns []*regexp.Regexp
	literals []string
}

// NewRedactor creates a Redactor loaded with DefaultPatterns.
func NewRedactor() *Redactor {
	return &Redactor{patterns: DefaultPatterns()}
}

// AddPattern adds a compiled pattern.
func (r *Redactor) AddPattern(pattern *regexp.Regexp) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.patterns = append(r.patterns, pattern)
}

// AddLiteral adds secret values that should be redacted on sight. Empty
// and duplicate values are ignored. Longer literals are replaced first so
// a secret containing another is never partially revealed.
func (r *Redactor) AddLiteral(secrets ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range secrets {
		if s == "" || slices.Contains(r.literals, s) {
			continue
		}
		r.literals = append(r.literals, s)
	}
	slices.SortFunc(r.literals, func(a, b string) int { return len(b) - len(a) })
}

// Redact replaces every known secret in s with RedactPlaceholder.
func (r *Redactor) Redact(s string) string {
	if s == "" {
		return s
	}

	r.mu.RLock()
	patterns := r.patterns
	literals := r.literals
	r.mu.RUnlock()

	for _, lit := range literals {
		if strings.Contains(s, lit) {
			s = strings.ReplaceAll(s, lit, RedactPlaceholder)
		}
	}
	for _, p := range patterns {
		s = p.ReplaceAllString(s, RedactPlaceholder)
	}
	return s
}

// RedactMap walks m in place, replacing string values under secret-like
// keys and redacting known secrets anywhere else. Used when printing the
// effective configuration.
func (r *Redactor) RedactMap(m map[string]any) {
	for k, v := range m {
		if s, ok := v.(string); ok && s != "" && secretKeyPattern.MatchString(k) {
			m[k] = RedactPlaceholder
			continue
		}
		m[k] = r.redactValue(v)
	}
}

func (r *Redactor) redactValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		r.RedactMap(val)
		return val
	case []any:
		for i, item := range val {
			val[i] = r.redactValue(item)
		}
		return val
	case string:
		return r.Redact(val)
	default:
		return v
	}
}

// DefaultPatterns returns compiled patterns for common credential formats.
func DefaultPatterns() []*regexp.Regexp {
	return []*regexp.Regexp{
		// Anthropic, OpenAI, OpenRouter and DeepSeek style keys.
		regexp.MustCompile(`sk-(ant-|or-v1-|proj-)?[a-zA-Z0-9\-_]{20,}`),
		// GitHub tokens.
		regexp.MustCompile(`(ghp_|gho_|ghs_|github_pat_)[a-zA-Z0-9_]{20,}`),
		// AWS access key ID.
		regexp.MustCompile(`AKIA[A-Z0-9]{16}`),
		// Slack bot, user and app tokens.
		regexp.MustCompile(`xox[bpa]-[0-9]+-[a-zA-Z0-9\-]+`),
		// Telegram bot token.
		regexp.MustCompile(`\b[0-9]{8,10}:[a-zA-Z0-9_\-]{35}\b`),
		// Authorization header values.
		regexp.MustCompile(`(?i)bearer\s+[a-zA-Z0-9\-._~+/]{16,}=*`),
	}
}
