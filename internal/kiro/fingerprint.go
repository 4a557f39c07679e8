package kiro

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Agent modes advertised to the upstream. Credentials with a machine
// fingerprint use spec mode; the rest fall back to vibe.
const (
	AgentModeSpec = "spec"
	AgentModeVibe = "vibe"
)

// normalizeFingerprint canonicalizes a machine fingerprint to 64 lowercase
// hex characters:
//
//   - 64-hex input passes through (lowercased)
//   - 32-hex (UUID with dashes stripped) is doubled
//   - anything else hashes "KotlinNativeAPI/<refreshToken>" with SHA-256
//
// An empty fingerprint and refresh token yields "".
func normalizeFingerprint(fingerprint, refreshToken string) string {
	fp := strings.ToLower(strings.ReplaceAll(fingerprint, "-", ""))
	if isHex(fp) {
		switch len(fp) {
		case 64:
			return fp
		case 32:
			return fp + fp
		}
	}
	if refreshToken == "" {
		return ""
	}
	sum := sha256.Sum256([]byte("KotlinNativeAPI/" + refreshToken))
	return hex.EncodeToString(sum[:])
}

// agentMode returns spec when a usable fingerprint exists, else vibe.
func agentMode(fingerprint string) string {
	if fingerprint != "" {
		return AgentModeSpec
	}
	return AgentModeVibe
}

func isHex(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'f':
		default:
			return false
		}
	}
	return true
}
