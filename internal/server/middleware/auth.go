package middleware

import (
	"net/http"

	"github.com/a-essam23/go-fanout/pkg/auth"
	"github.com/a-essam23/go-fanout/pkg/protocol"
)

// TokenVerifier turns a bearer token into an identity.
type TokenVerifier interface {
	Verify(token string) (*auth.AuthContext, bool)
}

// NewAuthMiddleware verifies the token captured by the validator. Failures
// never say why; the verifier logs the reason.
func NewAuthMiddleware(rj *Rejector, verifier TokenVerifier) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// couldn't extract metadata from request so something went wrong with previous middlewares
			reqMeta, ok := ReqMetadataFrom(r.Context())
			if !ok {
				rj.internalError(w, r, "Auth middleware could not find request metadata in context. Check middleware order.")
				return
			}
			if reqMeta.Token == "" {
				rj.Reject(w, r, protocol.ClosePolicyViolation, "missing token")
				return
			}

			ac, ok := verifier.Verify(reqMeta.Token)
			if !ok {
				rj.Reject(w, r, protocol.ClosePolicyViolation, "invalid token")
				return
			}
			reqMeta.Auth = ac
			next.ServeHTTP(w, r)
		})
	}
}
