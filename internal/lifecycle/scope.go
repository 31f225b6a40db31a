package lifecycle

import (
	"fmt"
	"strings"
)

// Scope selects how handler instances are obtained for a dispatch.
type Scope string

const (
	// PerRequest builds a fresh instance for every dispatch.
	PerRequest Scope = "per_request"
	// Cached reuses one registry-owned instance per identifier.
	Cached Scope = "cached"
)

// ParseScope accepts the config spellings of a scope. Empty means PerRequest.
func ParseScope(s string) (Scope, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "per_request", "per-request", "prototype":
		return PerRequest, nil
	case "cached", "singleton":
		return Cached, nil
	default:
		return "", fmt.Errorf("unknown scope %q (want per_request or cached)", s)
	}
}
