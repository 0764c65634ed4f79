package util

import (
	"regexp"
	"strings"
)

const (
	// MaxSanitizeLength is the maximum input length to prevent DoS attacks
	// Input longer than this will be truncated before sanitization
	MaxSanitizeLength = 64 * 1024
)

var sanitizePatterns = []struct {
	pattern     *regexp.Regexp
	replacement string
}{
	// Slack incoming webhooks embed their credential in the path
	{regexp.MustCompile(`https://hooks\.slack\.com/services/[A-Za-z0-9/_\-]+`), "https://hooks.slack.com/services/REDACTED"},
	{regexp.MustCompile(`(?i)(password|passwd|pwd)[\s:=]+[^\s\n]+`), "$1=REDACTED"},
	{regexp.MustCompile(`(?i)"password"\s*:\s*"[^"]+"`), `"password":"REDACTED"`},
	{regexp.MustCompile(`(?i)(token|authorization)[\s:=]+[^\s\n]+`), "$1=REDACTED"},
	{regexp.MustCompile(`(?i)bearer\s+[a-zA-Z0-9_\-\.]+`), "bearer REDACTED"},
	{regexp.MustCompile(`(?i)(api[_-]?key|apikey|secret)[\s:=]+[^\s\n]+`), "$1=REDACTED"},
	{regexp.MustCompile(`AKIA[0-9A-Z]{16}`), "REDACTED_AWS_KEY"},
	{regexp.MustCompile(`eyJ[a-zA-Z0-9_\-]+\.eyJ[a-zA-Z0-9_\-]+\.[a-zA-Z0-9_\-]+`), "REDACTED_JWT"},
}

var sensitiveKeys = map[string]bool{
	"password":      true,
	"passwd":        true,
	"pwd":           true,
	"token":         true,
	"authorization": true,
	"api_key":       true,
	"apikey":        true,
	"secret":        true,
	"client_secret": true,
	"access_token":  true,
	"refresh_token": true,
	"private_key":   true,
	"cookie":        true,
	"session":       true,
	"credentials":   true,
}

// SanitizeError sanitizes an error message before logging
func SanitizeError(err error) string {
	if err == nil {
		return ""
	}
	return SanitizeString(err.Error())
}

// SanitizeString redacts credentials and tokens from s
func SanitizeString(s string) string {
	if s == "" {
		return ""
	}
	if len(s) > MaxSanitizeLength {
		s = s[:MaxSanitizeLength] + "... [truncated]"
	}

	result := s
	for _, p := range sanitizePatterns {
		result = p.pattern.ReplaceAllString(result, p.replacement)
	}
	return result
}

// SanitizeMap returns a copy of m with values under sensitive keys redacted.
// Event metadata is attacker-controlled, so it passes through here before leaving the process.
func SanitizeMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}

	result := make(map[string]interface{}, len(m))
	for k, v := range m {
		if sensitiveKeys[strings.ToLower(k)] {
			result[k] = "REDACTED"
			continue
		}
		switch val := v.(type) {
		case map[string]interface{}:
			result[k] = SanitizeMap(val)
		case string:
			result[k] = SanitizeString(val)
		default:
			result[k] = v
		}
	}
	return result
}
