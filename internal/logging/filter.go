// Package logging provides logging utilities including sensitive data
// filtering. The core never sees raw credential material, but collaborator
// error strings can still carry tokens; these hooks keep them out of the
// log files.
package logging

import (
	"io"
	"regexp"

	"github.com/rs/zerolog"
)

// RedactedValue is the replacement string for sensitive data.
const RedactedValue = "[REDACTED]"

// sensitivePatterns match the credential formats the two collaborators can
// leak: git-host tokens and agent API keys.
var sensitivePatterns = []*regexp.Regexp{ //nolint:gochecknoglobals // compiled once, read-only
	// Anthropic-style API keys
	regexp.MustCompile(`sk-ant-api[a-zA-Z0-9_-]+`),

	// OpenAI-style API keys
	regexp.MustCompile(`sk-[a-zA-Z0-9]{20,}`),

	// GitHub tokens (ghp_, gho_, ghu_, ghs_, ghr_)
	regexp.MustCompile(`gh[pousr]_[a-zA-Z0-9]{20,}`),

	// Bearer tokens
	regexp.MustCompile(`(?i)bearer\s+[a-zA-Z0-9_-]{20,}`),

	// Generic key=value secrets
	regexp.MustCompile(`(?i)(api[_-]?key|secret|password|token|credential)\s*[:=]\s*["']?[^\s"']{8,}["']?`),
}

// SensitiveDataHook is a zerolog hook that flags log entries whose message
// contains credential-shaped content. Zerolog hooks cannot rewrite the
// message, so actual scrubbing happens at call sites via Scrub; the hook is
// a fallback marker for anything that slipped through.
type SensitiveDataHook struct{}

// NewSensitiveDataHook creates a new SensitiveDataHook.
func NewSensitiveDataHook() *SensitiveDataHook {
	return &SensitiveDataHook{}
}

// Run implements the zerolog.Hook interface.
func (h *SensitiveDataHook) Run(e *zerolog.Event, _ zerolog.Level, msg string) {
	if ContainsSensitiveData(msg) {
		e.Bool("contains_filtered_data", true)
	}
}

// ContainsSensitiveData reports whether s matches any sensitive pattern.
func ContainsSensitiveData(s string) bool {
	for _, pattern := range sensitivePatterns {
		if pattern.MatchString(s) {
			return true
		}
	}
	return false
}

// Scrub replaces any credential-shaped substrings with RedactedValue.
// Use it before logging collaborator output or error strings.
func Scrub(s string) string {
	for _, pattern := range sensitivePatterns {
		s = pattern.ReplaceAllString(s, RedactedValue)
	}
	return s
}

// FilteringWriter scrubs credential-shaped content from every write before
// passing it to the target. Wrap any writer that persists log output.
type FilteringWriter struct {
	target io.Writer
}

// NewFilteringWriter creates a FilteringWriter over target.
func NewFilteringWriter(target io.Writer) *FilteringWriter {
	return &FilteringWriter{target: target}
}

// Write implements io.Writer. The reported length is the input length even
// when scrubbing changed the byte count, so callers never see short writes.
func (w *FilteringWriter) Write(p []byte) (int, error) {
	scrubbed := Scrub(string(p))
	if _, err := w.target.Write([]byte(scrubbed)); err != nil {
		return 0, err
	}
	return len(p), nil
}
