package middleware

import (
	"net/http"

	"github.com/a-essam23/go-fanout/pkg/protocol"
)

// AddressLimiter throttles handshake attempts per source address.
type AddressLimiter interface {
	Allow(addr string) bool
}

// NewHandshakeLimiter rejects upgrade attempts arriving too fast from one
// address.
func NewHandshakeLimiter(rj *Rejector, limiter AddressLimiter) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqMeta, ok := ReqMetadataFrom(r.Context())
			if !ok {
				rj.internalError(w, r, "Handshake limiter could not find request metadata in context. Check middleware order.")
				return
			}
			if !limiter.Allow(reqMeta.IP) {
				rj.Reject(w, r, protocol.ClosePolicyViolation, "too many connection attempts")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
