package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/a-essam23/go-fanout/internal/server/middleware"
	"github.com/a-essam23/go-fanout/pkg/optimizer"
	"github.com/a-essam23/go-fanout/pkg/protocol"
	"github.com/a-essam23/go-fanout/pkg/ratelimit"
	"github.com/a-essam23/go-fanout/pkg/state"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type healthResponse struct {
	Status            string           `json:"status"`
	UptimeSeconds     int64            `json:"uptimeSeconds"`
	Registry          state.Stats      `json:"registry"`
	RateLimit         ratelimit.Stats  `json:"rateLimit"`
	Optimizer         *optimizer.Stats `json:"optimizer,omitempty"`
	HandshakeVisitors int              `json:"handshakeVisitors"`
	Events            map[string]int64 `json:"events"`
}

func (a *App) routes(verifier middleware.TokenVerifier) http.Handler {
	rj := middleware.NewRejector(a.logger, a.acceptOptions, a.observer)

	mux := http.NewServeMux()
	mux.Handle(a.config.Server.Path,
		middleware.Chain(http.HandlerFunc(a.upgradeHandler),
			middleware.RequestMetadataMiddleware(a.config.Server.TrustProxy),
			middleware.NewRequestLogger(a.logger),
			middleware.NewRequestValidator(rj, a.config.Server.Path),
			middleware.NewHandshakeLimiter(rj, a.handshake),
			middleware.NewConnectionLimiter(a.logger, rj, a.manager, a.config.Server.ConnectionLimit),
			middleware.NewAuthMiddleware(rj, verifier),
		),
	)
	mux.HandleFunc("/health", a.healthHandler)
	mux.HandleFunc("/readyz", a.readyHandler)
	if a.config.Metrics.Enabled {
		mux.Handle(a.config.Metrics.Path, promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	}
	return mux
}

func (a *App) healthHandler(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{
		Status:            "ok",
		UptimeSeconds:     int64(a.clock.Since(a.startedAt).Seconds()),
		Registry:          a.manager.Stats(),
		RateLimit:         a.limiter.Stats(),
		HandshakeVisitors: a.handshake.Visitors(),
		Events:            a.counting.Snapshot(),
	}
	if a.optimizer != nil {
		stats := a.optimizer.Stats()
		resp.Optimizer = &stats
	}
	writeJSON(w, a.logger, http.StatusOK, resp)
}

func (a *App) readyHandler(w http.ResponseWriter, _ *http.Request) {
	if !a.ready.Load() {
		writeJSON(w, a.logger, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, a.logger, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, logger *slog.Logger, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Warn("Failed to write response", slog.Any("error", err))
	}
}

// eventFrame renders an outbound message as it appears on the wire.
func eventFrame(msg *optimizer.OutboundMessage) protocol.ServerFrame {
	frame := protocol.ServerFrame{
		Type:       msg.Type,
		ID:         msg.ID,
		Room:       msg.Room,
		Compressed: msg.Compressed,
		Encoding:   msg.Encoding,
		Timestamp:  msg.CreatedAt.UnixMilli(),
	}
	if len(msg.Payload) > 0 {
		frame.Data = msg.Payload
	}
	return frame
}
