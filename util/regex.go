package util

import (
	"fmt"
	"regexp"
)

// MaxRegexLength is the maximum allowed length of a user-supplied pattern
const MaxRegexLength = 500

var nestedQuantifierPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\([^)]*\*\)\*`),        // (a*)*
	regexp.MustCompile(`\([^)]*\+\)\+`),        // (a+)+
	regexp.MustCompile(`\([^)]*\?\)\?`),        // (a?)?
	regexp.MustCompile(`\([^)]*[*+]\)[*+]`),    // (a*)+ and (a+)*
	regexp.MustCompile(`\([^)]*\{[^}]*\}\)\{`), // (a{1,5}){1,5}
}

// ValidateComplexity rejects patterns with constructs known to cause
// catastrophic backtracking. Matching still runs under a timeout.
func ValidateComplexity(pattern string) error {
	if pattern == "" {
		return fmt.Errorf("regex pattern cannot be empty")
	}
	if len(pattern) > MaxRegexLength {
		return fmt.Errorf("regex pattern too long: %d characters (max %d)", len(pattern), MaxRegexLength)
	}

	for _, dangerous := range nestedQuantifierPatterns {
		if dangerous.MatchString(pattern) {
			return fmt.Errorf("pattern contains nested quantifiers which may cause ReDoS: %s", pattern)
		}
	}

	depth := 0
	for _, char := range pattern {
		switch char {
		case '(':
			depth++
			if depth > 3 {
				return fmt.Errorf("pattern has excessive nesting depth: %d (max 3)", depth)
			}
		case ')':
			depth--
			if depth < 0 {
				return fmt.Errorf("pattern has unmatched closing parenthesis")
			}
		}
	}
	if depth != 0 {
		return fmt.Errorf("pattern has unmatched parentheses")
	}
	return nil
}
