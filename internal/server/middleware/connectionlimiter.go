package middleware

import (
	"log/slog"
	"net/http"

	"github.com/a-essam23/go-fanout/pkg/config"
	"github.com/a-essam23/go-fanout/pkg/protocol"
)

// ConnectionCounter reports current occupancy. The registry repeats the
// check atomically at registration; this is the cheap early exit.
type ConnectionCounter interface {
	ConnectionCount() int
	AddressCount(ipAddr string) int
}

func NewConnectionLimiter(
	logger *slog.Logger,
	rj *Rejector,
	counter ConnectionCounter,
	limits config.ConnectionLimitConfig,
) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqMeta, ok := ReqMetadataFrom(r.Context())
			if !ok {
				rj.internalError(w, r, "Connection limiter could not find request metadata in context. Check middleware order.")
				return
			}

			if limits.MaxTotal > 0 {
				if count := counter.ConnectionCount(); count >= limits.MaxTotal {
					logger.Warn("Global connection limit reached", slog.Int("count", count))
					rj.Reject(w, r, protocol.CloseTryAgainLater, "server at capacity")
					return
				}
			}
			if limits.MaxPerAddress > 0 {
				if count := counter.AddressCount(reqMeta.IP); count >= limits.MaxPerAddress {
					logger.Warn("Address connection limit reached", slog.String("ip", reqMeta.IP), slog.Int("count", count))
					rj.Reject(w, r, protocol.CloseTryAgainLater, "too many connections from address")
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
