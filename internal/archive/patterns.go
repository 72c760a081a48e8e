package archive

import (
	"fmt"
	"path"
)

// MatchesPatterns reports whether a slash-separated relative path matches
// any of the ordered glob patterns. An empty list matches everything.
// Patterns use path.Match syntax, so they do not cross path separators.
func MatchesPatterns(patterns []string, name string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, pattern := range patterns {
		if matched, err := path.Match(pattern, name); err == nil && matched {
			return true
		}
	}
	return false
}

// ValidatePatterns rejects malformed glob patterns up front so a bad
// pattern fails the request instead of silently excluding everything.
func ValidatePatterns(patterns []string) error {
	for _, pattern := range patterns {
		if pattern == "" {
			return fmt.Errorf("empty pattern")
		}
		if _, err := path.Match(pattern, "probe"); err != nil {
			return fmt.Errorf("invalid pattern %q: %w", pattern, err)
		}
	}
	return nil
}
