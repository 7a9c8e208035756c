package middleware

import (
	"log/slog"
	"net/http"

	"github.com/a-essam23/go-fanout/pkg/metrics"
	"github.com/a-essam23/go-fanout/pkg/transport"
	"github.com/coder/websocket"
)

// Rejector refuses a handshake with a WebSocket close code. The socket is
// accepted first so the client observes the code instead of a bare HTTP
// status; non-WebSocket requests get the HTTP error written by Accept.
type Rejector struct {
	acceptOptions *websocket.AcceptOptions
	observer      metrics.Observer
	logger        *slog.Logger
}

func NewRejector(logger *slog.Logger, acceptOptions *websocket.AcceptOptions, observer metrics.Observer) *Rejector {
	if observer == nil {
		observer = metrics.Nop{}
	}
	return &Rejector{
		acceptOptions: acceptOptions,
		observer:      observer,
		logger:        logger.With(slog.String("component", "handshake")),
	}
}

func (rj *Rejector) Reject(w http.ResponseWriter, r *http.Request, code int, reason string) {
	rj.observer.Observe(metrics.ConnectionRejected)
	ip := ""
	if reqMeta, ok := ReqMetadataFrom(r.Context()); ok {
		ip = reqMeta.IP
	}
	rj.logger.Warn("Handshake rejected",
		slog.String("ip", ip),
		slog.Int("code", code),
		slog.String("reason", reason),
	)

	ws, err := websocket.Accept(w, r, rj.acceptOptions)
	if err != nil {
		return
	}
	if err := transport.Reject(ws, code, reason); err != nil {
		rj.logger.Debug("Rejected socket did not close cleanly", slog.Any("error", err))
	}
}

// internalError is used when the chain itself is misconfigured.
func (rj *Rejector) internalError(w http.ResponseWriter, r *http.Request, msg string) {
	rj.logger.Error(msg)
	rj.Reject(w, r, int(websocket.StatusInternalError), "internal error")
}
