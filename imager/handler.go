package imager

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/openseastack/netboot-imaging-backend/guard"
	"github.com/openseastack/netboot-imaging-backend/metrics"
)

// TokenHeader carries the shared secret on write requests.
const TokenHeader = "X-Netboot-Token"

// maxBodySize is the maximum allowed request body size (1MB).
const maxBodySize = 1024 * 1024

// Handler serves the imager service HTTP API.
type Handler struct {
	guard  *guard.Guard
	writer *Writer
	log    *slog.Logger
}

// NewHandler wires the guard and writer into an HTTP handler.
func NewHandler(g *guard.Guard, writer *Writer, log *slog.Logger) *Handler {
	return &Handler{guard: g, writer: writer, log: log}
}

// Routes mounts the service endpoints.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/write-image", h.handleWriteImage)
	r.Get("/status", h.handleStatus)
	r.Get("/health", h.handleHealth)
}

// handleWriteImage accepts a write request, runs the guard before touching
// any job state, and starts the job asynchronously. The response carries the
// job identifier; progress is observed via /status.
func (h *Handler) handleWriteImage(w http.ResponseWriter, r *http.Request) {
	sourceIP, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		sourceIP = r.RemoteAddr
	}

	token := r.Header.Get(TokenHeader)
	if err := h.guard.Check(sourceIP, token); err != nil {
		var denied *guard.DeniedError
		reason := "token"
		if errors.As(err, &denied) && denied.Reason != "invalid token" {
			reason = "ip"
		}
		metrics.RequestsDenied.WithLabelValues(reason).Inc()
		h.log.Warn("Write request denied", "sourceIP", sourceIP, "err", err)
		writeJSON(w, http.StatusForbidden, map[string]string{"error": err.Error()})
		return
	}

	var req WriteRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}
	if req.Device == "" {
		req.Device = "/dev/mmcblk0"
	}

	jobID, err := h.writer.Start(req)
	switch {
	case errors.Is(err, ErrBusy):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	case errors.Is(err, ErrInvalidRequest):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	case err != nil:
		h.log.Error("Failed to start imaging job", "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	h.log.Info("Imaging job accepted", "jobID", jobID, "device", req.Device, "sourceIP", sourceIP)
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

// handleStatus returns the current job snapshot. It never blocks behind the
// worker; the snapshot is taken under the shared job lock.
func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.writer.Job().Snapshot())
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"service": "netboot-imager", "status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
