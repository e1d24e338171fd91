// Package signaling implements the one-shot HTTP entry point a client
// reaches the gateway through: POST an SDP offer, get back the answer
// SDP for the peer connection the node just spun up.
package signaling

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/NYTimes/gziphandler"
)

// Responder is the node collaborator: produce an answer SDP for an
// offer, or fail. internal/node.Node implements this.
type Responder interface {
	Respond(ctx context.Context, offer string) (answer string, err error)
}

// requestTimeout bounds how long a single offer/answer exchange may
// take, covering ICE gathering on the answer side.
const requestTimeout = 30 * time.Second

// Handler is the http.Handler for the signaling endpoint. POST / carries
// the offer and returns the answer; every other route (including GET /,
// used for liveness checks) returns 200 with an empty body.
type Handler struct {
	log  *slog.Logger
	node Responder
}

// New wraps node behind an http.Handler, gzip-compressing responses the
// same way the pack's relay server wraps its own HTTP handler.
func New(node Responder, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{log: logger.With("component", "signaling"), node: node}
	return gziphandler.GzipHandler(h)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost || r.URL.Path != "/" {
		w.WriteHeader(http.StatusOK)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		h.log.Warn("reading offer body", "error", err)
		w.WriteHeader(http.StatusNotFound)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	answer, err := h.node.Respond(ctx, string(body))
	if err != nil {
		h.log.Warn("answering offer", "error", err)
		w.WriteHeader(http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, answer)
}
