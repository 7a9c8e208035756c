package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/a-essam23/go-fanout/internal/server/middleware"
	"github.com/a-essam23/go-fanout/pkg/auth"
	"github.com/a-essam23/go-fanout/pkg/config"
	"github.com/a-essam23/go-fanout/pkg/logging"
	"github.com/a-essam23/go-fanout/pkg/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validToken = "aaa.bbb.ccc"

type stubVerifier struct{ ok bool }

func (s stubVerifier) Verify(string) (*auth.AuthContext, bool) {
	if !s.ok {
		return nil, false
	}
	return auth.NewAuthContext("u1", "", nil, nil, nil, time.Now().Add(time.Hour)), true
}

type stubCounter struct{ total, perAddr int }

func (s stubCounter) ConnectionCount() int    { return s.total }
func (s stubCounter) AddressCount(string) int { return s.perAddr }

type denyAll struct{}

func (denyAll) Allow(string) bool { return false }

// run sends a plain GET through the chain. Rejections cannot upgrade a
// recorder, so they surface as a non-200 status and an untouched handler.
func run(t *testing.T, target string, mws ...middleware.Middleware) (reached *middleware.RequestMetadata, rec *httptest.ResponseRecorder) {
	t.Helper()
	final := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqMeta, ok := middleware.ReqMetadataFrom(r.Context())
		require.True(t, ok)
		reached = reqMeta
		w.WriteHeader(http.StatusOK)
	})
	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	middleware.Chain(final, append([]middleware.Middleware{middleware.RequestMetadataMiddleware(false)}, mws...)...).ServeHTTP(rec, req)
	return reached, rec
}

func rejector(obs metrics.Observer) *middleware.Rejector {
	return middleware.NewRejector(logging.Discard(), nil, obs)
}

// --- Metadata ---

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.RemoteAddr = "10.1.2.3:5555"
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")

	assert.Equal(t, "10.1.2.3", middleware.ClientIP(req, false))
	assert.Equal(t, "203.0.113.9", middleware.ClientIP(req, true))

	req.Header.Set("X-Forwarded-For", "garbage")
	assert.Equal(t, "10.1.2.3", middleware.ClientIP(req, true))
}

func TestChain_Order(t *testing.T) {
	var order []string
	mark := func(name string) middleware.Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}
	h := middleware.Chain(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		order = append(order, "handler")
	}), mark("a"), mark("b"))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, []string{"a", "b", "handler"}, order)
}

// --- Validation ---

func TestRequestValidator(t *testing.T) {
	obs := metrics.NewCounting()
	validator := middleware.NewRequestValidator(rejector(obs), "/ws")

	reached, rec := run(t, "/ws?token="+validToken, validator)
	require.NotNil(t, reached)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, validToken, reached.Token)

	rejected := []string{
		"/other?token=" + validToken,
		"/ws?token=" + validToken + "&token=" + validToken,
		"/ws?token=not-a-jwt",
		"/ws?token=" + validToken + "&x=%3Cscript%3E",
		"/ws?token=" + validToken + "&x=%00",
		"/ws?x=" + strings.Repeat("a", 5000),
	}
	for _, target := range rejected {
		reached, rec := run(t, target, validator)
		assert.Nil(t, reached, target)
		assert.NotEqual(t, http.StatusOK, rec.Code, target)
	}
	assert.Equal(t, int64(len(rejected)), obs.Count(metrics.ConnectionRejected))
}

func TestRequestValidator_MissingTokenPassesToAuth(t *testing.T) {
	validator := middleware.NewRequestValidator(rejector(nil), "/ws")
	reached, _ := run(t, "/ws", validator)
	require.NotNil(t, reached)
	assert.Empty(t, reached.Token)
}

// --- Limits ---

func TestHandshakeLimiter(t *testing.T) {
	obs := metrics.NewCounting()
	reached, _ := run(t, "/ws", middleware.NewHandshakeLimiter(rejector(obs), denyAll{}))
	assert.Nil(t, reached)
	assert.Equal(t, int64(1), obs.Count(metrics.ConnectionRejected))
}

func TestConnectionLimiter(t *testing.T) {
	limits := config.ConnectionLimitConfig{MaxTotal: 10, MaxPerAddress: 2}
	logger := logging.Discard()

	reached, _ := run(t, "/ws", middleware.NewConnectionLimiter(logger, rejector(nil), stubCounter{total: 9, perAddr: 1}, limits))
	assert.NotNil(t, reached)

	reached, _ = run(t, "/ws", middleware.NewConnectionLimiter(logger, rejector(nil), stubCounter{total: 10}, limits))
	assert.Nil(t, reached)

	reached, _ = run(t, "/ws", middleware.NewConnectionLimiter(logger, rejector(nil), stubCounter{total: 1, perAddr: 2}, limits))
	assert.Nil(t, reached)
}

// --- Auth ---

func TestAuthMiddleware(t *testing.T) {
	withToken := middleware.NewRequestValidator(rejector(nil), "/ws")

	reached, _ := run(t, "/ws?token="+validToken, withToken, middleware.NewAuthMiddleware(rejector(nil), stubVerifier{ok: true}))
	require.NotNil(t, reached)
	require.NotNil(t, reached.Auth)
	assert.Equal(t, "u1", reached.Auth.UserID())

	reached, _ = run(t, "/ws?token="+validToken, withToken, middleware.NewAuthMiddleware(rejector(nil), stubVerifier{ok: false}))
	assert.Nil(t, reached)

	reached, _ = run(t, "/ws", withToken, middleware.NewAuthMiddleware(rejector(nil), stubVerifier{ok: true}))
	assert.Nil(t, reached, "missing token is rejected before verification")
}
