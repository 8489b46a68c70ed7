// Package security masks credentials before they reach logs or operators.
package security

import (
	"regexp"
	"strings"
)

// Each pattern captures (prefix)(secret)(suffix); only the secret is masked.
var secretPatterns = []*regexp.Regexp{
	// key=value and key: value pairs, including query strings.
	regexp.MustCompile(`(?i)((?:api[_-]?key|secret|password|passwd|access[_-]?token|auth[_-]?token|token)\s*[=:]\s*["']?)([^\s"'&,]+)(["']?)`),
	regexp.MustCompile(`(?i)(bearer\s+)([A-Za-z0-9._~+/-]+=*)()`),
	// Telegram bot tokens embedded in API URLs.
	regexp.MustCompile(`(bot)(\d{5,}:[A-Za-z0-9_-]{20,})()`),
	// user:password@host in DSNs and URLs.
	regexp.MustCompile(`(://[^:/@\s]+:)([^@\s]+)(@)`),
}

// MaskCredential masks a credential value, keeping a short prefix and suffix
// on long values so they can still be told apart.
func MaskCredential(value string) string {
	switch n := len(value); {
	case n == 0:
		return ""
	case n <= 4:
		return strings.Repeat("*", n)
	case n <= 8:
		return value[:2] + strings.Repeat("*", n-2)
	default:
		return value[:4] + strings.Repeat("*", n-8) + value[n-4:]
	}
}

// Redact masks secrets found in s.
func Redact(s string) string {
	for _, p := range secretPatterns {
		s = p.ReplaceAllStringFunc(s, func(m string) string {
			sub := p.FindStringSubmatch(m)
			return sub[1] + MaskCredential(sub[2]) + sub[3]
		})
	}
	return s
}

// ContainsSecret reports whether s matches any secret pattern.
func ContainsSecret(s string) bool {
	for _, p := range secretPatterns {
		if p.MatchString(s) {
			return true
		}
	}
	return false
}

// RedactError returns err with secrets masked in its message. The original
// error stays reachable through errors.Is and errors.As.
func RedactError(err error) error {
	if err == nil || !ContainsSecret(err.Error()) {
		return err
	}
	return &redactedError{msg: Redact(err.Error()), err: err}
}

type redactedError struct {
	msg string
	err error
}

func (e *redactedError) Error() string { return e.msg }
func (e *redactedError) Unwrap() error { return e.err }
