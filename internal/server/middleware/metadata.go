package middleware

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/a-essam23/go-fanout/pkg/auth"
)

type contextKey string

const reqMetaKey = contextKey("r-metadata")

// RequestMetadata accumulates what the handshake chain learns about a
// request. Later middlewares fill in fields for the upgrade handler.
type RequestMetadata struct {
	IP    string
	Token string
	Auth  *auth.AuthContext
}

func ReqMetadataFrom(ctx context.Context) (*RequestMetadata, bool) {
	reqMeta, ok := ctx.Value(reqMetaKey).(*RequestMetadata)
	return reqMeta, ok
}

// WithRequestMetadata returns ctx carrying reqMeta.
func WithRequestMetadata(ctx context.Context, reqMeta *RequestMetadata) context.Context {
	return context.WithValue(ctx, reqMetaKey, reqMeta)
}

// creates and injects the RequestMetadata struct into the request.
// **This should be the first middleware in the chain.**
// X-Forwarded-For is honored only when trustProxy is set.
func RequestMetadataMiddleware(trustProxy bool) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqMeta := &RequestMetadata{IP: ClientIP(r, trustProxy)}
			next.ServeHTTP(w, r.WithContext(WithRequestMetadata(r.Context(), reqMeta)))
		})
	}
}

// ClientIP returns the source address of r. With trustProxy, the left-most
// X-Forwarded-For entry wins.
func ClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			first, _, _ := strings.Cut(fwd, ",")
			if ip := net.ParseIP(strings.TrimSpace(first)); ip != nil {
				return ip.String()
			}
		}
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = r.RemoteAddr // Fallback
	}
	return ip
}
