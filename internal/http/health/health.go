package health

import (
	"net/http"
	"sync/atomic"
)

type Handler struct {
	ready atomic.Bool
}

// New returns a health handler that starts out not ready.
func New() *Handler {
	return &Handler{}
}

func (h *Handler) SetReady() {
	h.ready.Store(true)
}

func (h *Handler) SetNotReady() {
	h.ready.Store(false)
}

func (h *Handler) Ready() bool {
	return h.ready.Load()
}

// Healthz answers liveness probes; the process is alive if it can answer.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// Readyz answers readiness probes. It reports 503 until SetReady and after SetNotReady.
func (h *Handler) Readyz(w http.ResponseWriter, _ *http.Request) {
	if h.ready.Load() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
