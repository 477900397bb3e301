// Package redaction scrubs secrets and PII from user text before it is
// written to the dashboard feed or verdict history. Prompts routinely
// contain pasted API keys and credentials; they must never reach storage.
package redaction

import (
	"fmt"
	"regexp"
	"sync"
)

// Redactor scrubs sensitive data from text.
type Redactor interface {
	Redact(content string) string
}

// Pattern is a single redaction rule.
type Pattern struct {
	Name        string
	Regex       *regexp.Regexp
	Replacement string
}

// Scrubber implements Redactor using an ordered pattern list.
type Scrubber struct {
	mu       sync.RWMutex
	patterns []Pattern
}

// DefaultPatterns covers the secrets most commonly pasted into prompts.
func DefaultPatterns() []Pattern {
	return []Pattern{
		{
			Name:        "api_key_sk",
			Regex:       regexp.MustCompile(`(?i)(sk-[a-zA-Z0-9]{20,})`),
			Replacement: "[REDACTED_API_KEY]",
		},
		{
			Name:        "api_key_bearer",
			Regex:       regexp.MustCompile(`(?i)(bearer\s+)([a-zA-Z0-9_.-]{20,})`),
			Replacement: "$1[REDACTED_TOKEN]",
		},
		{
			Name:        "api_key_generic",
			Regex:       regexp.MustCompile(`(?i)(api[_-]?key|secret[_-]?key|auth[_-]?token)[:\s=]["']?([a-zA-Z0-9_.-]{16,})["']?`),
			Replacement: "$1=[REDACTED_KEY]",
		},
		{
			Name:        "jwt_token",
			Regex:       regexp.MustCompile(`eyJ[a-zA-Z0-9_-]*\.eyJ[a-zA-Z0-9_-]*\.[a-zA-Z0-9_-]*`),
			Replacement: "[REDACTED_JWT]",
		},
		{
			Name:        "aws_access_key",
			Regex:       regexp.MustCompile(`(AKIA[0-9A-Z]{16})`),
			Replacement: "[REDACTED_AWS_KEY]",
		},
		{
			Name:        "password_field",
			Regex:       regexp.MustCompile(`(?i)(password|passwd|pwd)[\s]*[=:][\s]*["']?([^\s"',}]{4,})["']?`),
			Replacement: "$1=[REDACTED_PASSWORD]",
		},
		{
			Name:        "email",
			Regex:       regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Z|a-z]{2,}\b`),
			Replacement: "[REDACTED_EMAIL]",
		},
	}
}

// NewScrubber creates a Scrubber with the default pattern set.
func NewScrubber() *Scrubber {
	return &Scrubber{patterns: DefaultPatterns()}
}

// AddPattern appends a custom pattern. The pattern must be a valid regexp.
func (s *Scrubber) AddPattern(name, pattern, replacement string) error {
	regex, err := regexp.Compile(pattern)
	if err != nil {
		return fmt.Errorf("compiling redaction pattern %q: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.patterns = append(s.patterns, Pattern{
		Name:        name,
		Regex:       regex,
		Replacement: replacement,
	})
	return nil
}

// Redact applies every pattern in order and returns the scrubbed text.
func (s *Scrubber) Redact(content string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := content
	for _, p := range s.patterns {
		result = p.Regex.ReplaceAllString(result, p.Replacement)
	}
	return result
}

// Noop passes text through unchanged, for when redaction is disabled.
type Noop struct{}

func (Noop) Redact(content string) string { return content }
