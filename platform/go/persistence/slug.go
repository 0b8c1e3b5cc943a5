package persistence

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Slugs double as tenant subdomains, so they must be valid DNS labels.
const maxSlugLength = 63

var slugPattern = regexp.MustCompile(`^[a-z0-9]+(?:-[a-z0-9]+)*$`)

// NormalizeSlug trims whitespace, lowercases the value, and ensures it matches
// the canonical DNS-label-safe slug pattern required for public identifiers.
// Comparison elsewhere is always done on the normalized form, which makes slug
// uniqueness case-insensitive.
func NormalizeSlug(input string) (string, error) {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return "", errors.New("slug is required")
	}

	normalized := strings.ToLower(trimmed)
	if len(normalized) > maxSlugLength {
		return "", fmt.Errorf("invalid slug %q: must be at most %d characters", input, maxSlugLength)
	}
	if !slugPattern.MatchString(normalized) {
		return "", fmt.Errorf("invalid slug %q: must match ^[a-z0-9]+(?:-[a-z0-9]+)*$", input)
	}

	return normalized, nil
}
