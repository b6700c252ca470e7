package node

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// DefaultEndpoints are the coordination server endpoints, in failover order.
var DefaultEndpoints = []string{
	"wss://proxy2.wynd.network:4650",
	"wss://proxy2.wynd.network:4444",
}

// SelectEndpoint returns the endpoint to use after attempts prior failures.
// endpoints must be non-empty.
func SelectEndpoint(endpoints []string, attempts uint64) string {
	return endpoints[attempts%uint64(len(endpoints))]
}

// ValidateEndpoints checks that the list is non-empty and that every entry
// is an absolute ws:// or wss:// URL.
func ValidateEndpoints(endpoints []string) error {
	if len(endpoints) == 0 {
		return errors.New("no endpoints configured")
	}
	for _, e := range endpoints {
		u, err := url.Parse(e)
		if err != nil {
			return fmt.Errorf("invalid endpoint %q: %w", e, err)
		}
		if u.Scheme != "ws" && u.Scheme != "wss" {
			return fmt.Errorf("invalid endpoint %q: scheme must be ws or wss", e)
		}
		if u.Host == "" {
			return fmt.Errorf("invalid endpoint %q: missing host", e)
		}
	}
	return nil
}

// ParseEndpoints splits a comma-separated endpoint list, trimming spaces and
// dropping empty entries.
func ParseEndpoints(s string) []string {
	var out []string
	for _, e := range strings.Split(s, ",") {
		if e = strings.TrimSpace(e); e != "" {
			out = append(out, e)
		}
	}
	return out
}
