package tenant

import "strings"

// MatchPermission reports whether a granted permission satisfies a required
// one. Permissions are colon-separated segments compared left to right; a
// "*" segment in the grant matches that segment and everything after it, so
// "read:*" covers "read:tasks" and "read:tasks:history", and a bare "*"
// covers everything.
func MatchPermission(granted, required string) bool {
	if granted == required {
		return true
	}
	grantedParts := strings.Split(granted, ":")
	requiredParts := strings.Split(required, ":")

	for i, part := range grantedParts {
		if part == "*" {
			return true
		}
		if i >= len(requiredParts) || part != requiredParts[i] {
			return false
		}
	}
	// Every granted segment matched but the requirement is more specific.
	return len(grantedParts) == len(requiredParts)
}

// HasPermission reports whether any permission in the set satisfies the
// required one.
func HasPermission(granted []string, required string) bool {
	for _, g := range granted {
		if MatchPermission(g, required) {
			return true
		}
	}
	return false
}
