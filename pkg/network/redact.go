// Package network captures page traffic into a bounded, redacted buffer and
// replays captured requests with overrides.
package network

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// RedactedMarker replaces sensitive values.
const RedactedMarker = "[REDACTED]"

// DefaultBodyLimit caps stored post bodies and response snippets, in characters.
const DefaultBodyLimit = 2000

var sensitiveHeaders = map[string]bool{
	"authorization":       true,
	"proxy-authorization": true,
	"cookie":              true,
	"set-cookie":          true,
	"x-api-key":           true,
	"x-auth-token":        true,
	"x-csrf-token":        true,
	"x-xsrf-token":        true,
}

var sensitiveBodyPattern = regexp.MustCompile(`(?i)(password|passwd|token|secret|api[_-]?key)`)

// IsSensitiveHeader reports whether a header name must never be stored or overridden.
func IsSensitiveHeader(name string) bool {
	return sensitiveHeaders[strings.ToLower(strings.TrimSpace(name))]
}

// SensitiveHeaderNames returns the names in headers that are sensitive.
func SensitiveHeaderNames(headers map[string]string) []string {
	var names []string
	for k := range headers {
		if IsSensitiveHeader(k) {
			names = append(names, strings.ToLower(k))
		}
	}
	return names
}

// RedactHeaders returns a copy of headers with sensitive values masked.
func RedactHeaders(headers map[string]string) map[string]string {
	if headers == nil {
		return nil
	}
	out := make(map[string]string, len(headers))
	for k, v := range headers {
		if IsSensitiveHeader(k) {
			out[k] = RedactedMarker
		} else {
			out[k] = v
		}
	}
	return out
}

// RedactBody masks a body wholesale when it mentions credentials, and caps its length.
func RedactBody(body string, limit int) string {
	if body == "" {
		return ""
	}
	if sensitiveBodyPattern.MatchString(body) {
		return RedactedMarker
	}
	return Truncate(body, limit)
}

// Truncate caps s at limit characters without splitting a rune.
func Truncate(s string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	n := 0
	for i := range s {
		if n == limit {
			return s[:i]
		}
		n++
	}
	return s
}

// IsLikelyAPI guesses whether an exchange is an API call rather than a page asset.
func IsLikelyAPI(resourceType, contentType, url string) bool {
	switch strings.ToLower(resourceType) {
	case "xhr", "fetch":
		return true
	}
	if strings.Contains(strings.ToLower(contentType), "json") {
		return true
	}
	return strings.Contains(url, "/api/")
}

// isTextual reports whether a content type is worth keeping a snippet of.
func isTextual(contentType string) bool {
	ct := strings.ToLower(contentType)
	if ct == "" {
		return true
	}
	for _, s := range []string{"text/", "json", "xml", "javascript", "x-www-form-urlencoded", "graphql"} {
		if strings.Contains(ct, s) {
			return true
		}
	}
	return false
}
