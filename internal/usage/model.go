package usage

import (
	"regexp"
	"strings"
)

var (
	bedrockRegionPrefix = regexp.MustCompile(`^[a-z]{2}\.`)
	versionSuffix       = regexp.MustCompile(`-v\d+:\d+$`)
)

// NormalizeModelName collapses provider-specific decoration off a model id
// so usage aggregates key on a single canonical name regardless of which
// account/region served the request. It is idempotent: normalizing an
// already-normalized name is a no-op.
func NormalizeModelName(model, platform string) string {
	if platform == "bedrock" {
		m := bedrockRegionPrefix.ReplaceAllString(model, "")
		m = strings.TrimPrefix(m, "anthropic.")
		return versionSuffix.ReplaceAllString(m, "")
	}

	m := versionSuffix.ReplaceAllString(model, "")
	return strings.TrimSuffix(m, ":latest")
}

// IsClaudeFamily reports whether a normalized model name belongs to the
// Claude family, used alongside the account's platform to decide
// weekly-Opus-style accounting eligibility.
func IsClaudeFamily(normalizedModel string) bool {
	return strings.Contains(strings.ToLower(normalizedModel), "claude")
}

// IsOpusModel reports whether a normalized model name is in the Opus tier.
func IsOpusModel(normalizedModel string) bool {
	return strings.Contains(strings.ToLower(normalizedModel), "opus")
}
