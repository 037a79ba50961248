package server

import "strings"

// Authorize reports whether claims grant requiredScope. Matching is exact
// string membership: no hierarchy, no wildcards.
func Authorize(claims *SessionTokenClaims, requiredScope string) bool {
	if claims == nil || requiredScope == "" {
		return false
	}
	for _, sc := range claims.Scopes {
		if sc == requiredScope {
			return true
		}
	}
	return false
}

// ParseScopes splits a space-delimited OAuth2 scope string, dropping
// duplicates while keeping first-seen order.
func ParseScopes(raw string) []string {
	fields := strings.Fields(raw)
	seen := make(map[string]struct{}, len(fields))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}
