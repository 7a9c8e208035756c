package middleware

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/a-essam23/go-fanout/pkg/protocol"
)

const (
	maxQueryValueLength = 4096
	tokenParam          = "token"
)

var tokenShape = regexp.MustCompile(`^[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+\.[A-Za-z0-9_-]*$`)

// NewRequestValidator rejects handshakes outside pathPrefix and requests
// whose query parameters look malformed or hostile.
func NewRequestValidator(rj *Rejector, pathPrefix string) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if reason := validateRequest(r, pathPrefix); reason != "" {
				rj.Reject(w, r, protocol.ClosePolicyViolation, reason)
				return
			}
			reqMeta, ok := ReqMetadataFrom(r.Context())
			if !ok {
				rj.internalError(w, r, "Validator could not find request metadata in context. Check middleware order.")
				return
			}
			reqMeta.Token = r.URL.Query().Get(tokenParam)
			next.ServeHTTP(w, r)
		})
	}
}

func validateRequest(r *http.Request, pathPrefix string) string {
	if r.URL.Path != pathPrefix && !strings.HasPrefix(r.URL.Path, strings.TrimSuffix(pathPrefix, "/")+"/") {
		return "invalid path"
	}
	query := r.URL.Query()
	for key, values := range query {
		for _, v := range values {
			if len(v) > maxQueryValueLength || suspicious(v) {
				return "malformed parameter " + key
			}
		}
	}
	if tokens := query[tokenParam]; len(tokens) > 1 {
		return "duplicate token parameter"
	} else if len(tokens) == 1 && tokens[0] != "" && !tokenShape.MatchString(tokens[0]) {
		return "malformed token"
	}
	return ""
}

func suspicious(v string) bool {
	for _, c := range v {
		if c < 0x20 || c == 0x7f {
			return true
		}
		switch c {
		case '<', '>', '"', '\'', '`', '\\':
			return true
		}
	}
	return false
}
