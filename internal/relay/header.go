package relay

import (
	"net/http"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/http/httpguts"
)

// strippedHeaders are never forwarded. They describe the hop between the
// server and the node, or would expose or forge the node's own context.
var strippedHeaders = map[string]bool{
	"origin":                         true,
	"referer":                        true,
	"access-control-request-headers": true,
	"access-control-request-method":  true,
	"access-control-allow-origin":    true,
	"cookie":                         true,
	"date":                           true,
	"dnt":                            true,
	"trailer":                        true,
	"upgrade":                        true,
}

// IsStripped reports whether the header name is on the denylist. The match
// is case-insensitive.
func IsStripped(name string) bool {
	return strippedHeaders[strings.ToLower(name)]
}

// applyHeaders copies the server-supplied headers onto req, skipping
// denylisted names and names or values that are not valid on the wire.
// Host is applied to req.Host since net/http ignores it in req.Header.
func applyHeaders(req *http.Request, headers map[string]string) {
	for name, value := range headers {
		if IsStripped(name) {
			continue
		}
		if !httpguts.ValidHeaderFieldName(name) || !httpguts.ValidHeaderFieldValue(value) {
			continue
		}
		if strings.EqualFold(name, "Host") {
			req.Host = value
			continue
		}
		req.Header[http.CanonicalHeaderKey(name)] = append(req.Header[http.CanonicalHeaderKey(name)], value)
	}
	// An empty User-Agent stops net/http from adding its own.
	if _, ok := req.Header["User-Agent"]; !ok {
		req.Header.Set("User-Agent", "")
	}
}

// flattenHeaders converts response headers to the wire mapping: lower-case
// names and repeated values joined with ", ". Non-UTF-8 values are dropped;
// a header with no valid value maps to the empty string.
func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for name, values := range h {
		valid := make([]string, 0, len(values))
		for _, v := range values {
			if utf8.ValidString(v) {
				valid = append(valid, v)
			}
		}
		out[strings.ToLower(name)] = strings.Join(valid, ", ")
	}
	return out
}
