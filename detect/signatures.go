package detect

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"threatwatch/util"

	"github.com/dlclark/regexp2"
)

// RegexPrefix marks a signature entry as a regular expression
const RegexPrefix = "re:"

// DefaultRegexTimeout bounds a single regex match
const DefaultRegexTimeout = 100 * time.Millisecond

// ErrRegexTimeout is returned when a signature regex exceeds its match timeout
var ErrRegexTimeout = errors.New("regex evaluation timeout")

// SignatureSet holds case-insensitive literal substrings and regexp2 patterns.
// Patterns are compiled once with a MatchTimeout so hostile input cannot
// pin an evaluator.
type SignatureSet struct {
	literals []string
	patterns []*signaturePattern
}

// patternMatcher is the part of *regexp2.Regexp a signature needs
type patternMatcher interface {
	MatchString(input string) (bool, error)
}

type signaturePattern struct {
	raw string
	re  patternMatcher
}

// NewSignatureSet compiles entries. A "re:" prefix marks a regular expression;
// everything else is a literal.
func NewSignatureSet(entries []string, timeout time.Duration) (*SignatureSet, error) {
	if timeout <= 0 {
		timeout = DefaultRegexTimeout
	}
	set := &SignatureSet{}
	seen := make(map[string]bool, len(entries))
	for _, entry := range entries {
		if entry == "" {
			continue
		}
		// literals match case-insensitively, so their case variants collapse
		key := entry
		if !strings.HasPrefix(entry, RegexPrefix) {
			key = strings.ToLower(entry)
		}
		if seen[key] {
			continue
		}
		seen[key] = true

		if !strings.HasPrefix(entry, RegexPrefix) {
			set.literals = append(set.literals, key)
			continue
		}

		pattern := strings.TrimPrefix(entry, RegexPrefix)
		if err := util.ValidateComplexity(pattern); err != nil {
			return nil, fmt.Errorf("signature %q rejected: %w", entry, err)
		}
		re, err := regexp2.Compile(pattern, regexp2.IgnoreCase)
		if err != nil {
			return nil, fmt.Errorf("failed to compile signature %q: %w", entry, err)
		}
		re.MatchTimeout = timeout
		set.patterns = append(set.patterns, &signaturePattern{raw: entry, re: re})
	}
	return set, nil
}

// Match returns the first signature found in input. Literals are tried
// before patterns. A pattern timeout does not stop the scan; ErrRegexTimeout
// is returned only when nothing else matched.
func (s *SignatureSet) Match(input string) (string, bool, error) {
	if s == nil || input == "" {
		return "", false, nil
	}
	lower := strings.ToLower(input)
	for _, lit := range s.literals {
		if strings.Contains(lower, lit) {
			return lit, true, nil
		}
	}

	var timedOut bool
	for _, p := range s.patterns {
		ok, err := p.re.MatchString(input)
		if err != nil {
			if strings.Contains(strings.ToLower(err.Error()), "timeout") {
				timedOut = true
				continue
			}
			return "", false, fmt.Errorf("signature %q: %w", p.raw, err)
		}
		if ok {
			return p.raw, true, nil
		}
	}
	if timedOut {
		return "", false, ErrRegexTimeout
	}
	return "", false, nil
}

// Len returns the number of signatures in the set
func (s *SignatureSet) Len() int {
	return len(s.literals) + len(s.patterns)
}

// inspectedField is one request attribute scanned for signatures
type inspectedField struct {
	name  string
	value string
}

// inspectedFields lists resource, user agent and string metadata values in a
// stable order.
func inspectedFields(resource, userAgent string, metadata map[string]interface{}) []inspectedField {
	fields := []inspectedField{
		{name: "resource", value: resource},
		{name: "userAgent", value: userAgent},
	}
	keys := make([]string, 0, len(metadata))
	for k := range metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if v, ok := metadata[k].(string); ok {
			fields = append(fields, inspectedField{name: "metadata." + k, value: v})
		}
	}
	return fields
}
