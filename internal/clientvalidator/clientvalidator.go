// Package clientvalidator gates requests by client type: a User-Agent
// matcher paired with a path-prefix whitelist, so an API Key restricted to
// "claude_code" cannot be replayed against the OpenAI chat-completions
// surface with a forged UA.
package clientvalidator

import (
	"strings"

	"github.com/nulpointcorp/apirelay/pkg/relayerr"
)

// ClientType names one of the known client families.
type ClientType string

const (
	ClaudeCode ClientType = "claude_code"
	GeminiCLI  ClientType = "gemini_cli"
	CodexCLI   ClientType = "codex_cli"
	DroidCLI   ClientType = "droid_cli"
)

// profile is one client type's UA matcher and path whitelist.
type profile struct {
	uaContains      []string
	allowedPrefixes []string
}

// registry is the fixed set of known client types. It is process-wide and
// read-only; there is no per-request mutation.
var registry = map[ClientType]profile{
	ClaudeCode: {
		uaContains: []string{"claude-cli", "claude-code"},
		allowedPrefixes: []string{
			"/api/v1/messages",
			"/claude/v1/messages",
		},
	},
	GeminiCLI: {
		uaContains: []string{"gemini-cli", "GeminiCLI"},
		allowedPrefixes: []string{
			"/gemini/",
		},
	},
	CodexCLI: {
		uaContains: []string{"codex-cli", "OpenAI-Codex"},
		allowedPrefixes: []string{
			"/openai/responses",
			"/openai/v1/responses",
		},
	},
	DroidCLI: {
		uaContains: []string{"droid-cli", "factory-droid"},
		allowedPrefixes: []string{
			"/droid/claude/",
			"/droid/openai/",
		},
	},
}

// Validate checks userAgent and path against allowedClients — the API
// Key's configured whitelist. An empty allowedClients disables the check
// entirely (the key is not client-restricted). At least one entry in
// allowedClients must match both the User-Agent and the request path, or
// the request fails with ClientNotAllowed.
func Validate(allowedClients []string, userAgent, path string) error {
	if len(allowedClients) == 0 {
		return nil
	}

	uaLower := strings.ToLower(userAgent)
	for _, raw := range allowedClients {
		ct := ClientType(raw)
		p, ok := registry[ct]
		if !ok {
			continue
		}
		if !matchesUA(p, uaLower) {
			continue
		}
		if !matchesPath(p, path) {
			continue
		}
		return nil
	}

	return relayerr.New(relayerr.ClientNotAllowed,
		"client type not permitted for this API key")
}

func matchesUA(p profile, uaLower string) bool {
	for _, frag := range p.uaContains {
		if strings.Contains(uaLower, strings.ToLower(frag)) {
			return true
		}
	}
	return false
}

func matchesPath(p profile, path string) bool {
	for _, prefix := range p.allowedPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// KnownClientType reports whether raw names a registered client type, for
// config validation at load time.
func KnownClientType(raw string) bool {
	_, ok := registry[ClientType(raw)]
	return ok
}
