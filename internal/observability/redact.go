package observability

import (
	"log/slog"
	"regexp"
	"strings"

	"github.com/m-mizutani/masq"
)

// RedactedValue replaces sensitive values in log output.
const RedactedValue = "[REDACTED]"

// sensitiveKeyFragments are matched case-insensitively against attribute
// keys and URL query parameter names. A match redacts the whole value.
var sensitiveKeyFragments = []string{
	"password",
	"secret",
	"token",
	"apikey",
	"api_key",
	"credential",
}

// sensitiveQueryParam matches sensitive query parameters inside URL-shaped
// string values so their values can be masked while keeping the rest of
// the URL readable.
var sensitiveQueryParam = regexp.MustCompile(`(?i)([?&])(password|secret|token|apikey|api_key|credential)=([^&#\s"]*)`)

// newRedactor builds the ReplaceAttr redaction chain. Attribute keys are
// checked first, then string values are scrubbed for sensitive URL query
// parameters, and finally masq handles struct values whose fields carry a
// masq:"secret" tag (such as config.RedisConfig.Password).
func newRedactor() func(groups []string, a slog.Attr) slog.Attr {
	tagRedactor := masq.New(masq.WithTag("secret"))

	return func(groups []string, a slog.Attr) slog.Attr {
		if isSensitiveKey(a.Key) {
			return slog.String(a.Key, RedactedValue)
		}
		if a.Value.Kind() == slog.KindString {
			if scrubbed := scrubURLParams(a.Value.String()); scrubbed != a.Value.String() {
				return slog.String(a.Key, scrubbed)
			}
		}
		return tagRedactor(groups, a)
	}
}

// isSensitiveKey reports whether an attribute key should be fully redacted.
func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, fragment := range sensitiveKeyFragments {
		if strings.Contains(lower, fragment) {
			return true
		}
	}
	return false
}

// scrubURLParams masks the values of sensitive query parameters in a
// string, preserving parameter names and everything else verbatim.
func scrubURLParams(s string) string {
	if !strings.ContainsAny(s, "?&") {
		return s
	}
	return sensitiveQueryParam.ReplaceAllString(s, "${1}${2}="+RedactedValue)
}
