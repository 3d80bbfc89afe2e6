package orchestrator

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"os"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/openseastack/netboot-imaging-backend/devicestore"
	"github.com/openseastack/netboot-imaging-backend/imager"
	"github.com/openseastack/netboot-imaging-backend/metrics"
)

// Config configures the orchestrator API.
type Config struct {
	// ImagesDir is the image library root.
	ImagesDir string

	// AdvertiseAddr is the host:port devices reach this server on. It is
	// substituted into bootstrap artifacts and image download URLs.
	AdvertiseAddr string

	// SharedSecret authenticates write requests against device imagers.
	SharedSecret string

	// ImagerPort is the port the device-side imager service listens on.
	ImagerPort int

	// ImagerBinary is the device-side service payload served to
	// bootstrapping devices.
	ImagerBinary string
}

// Server is the orchestrator HTTP API.
type Server struct {
	cfg    Config
	images *ImageStore
	store  *devicestore.Store
	log    *slog.Logger

	// statusClient has a short timeout: status polls must answer fast
	// even when the device is gone.
	statusClient *http.Client
	writeClient  *http.Client
}

// NewServer wires the image library and device store into the API.
func NewServer(cfg Config, store *devicestore.Store, log *slog.Logger) (*Server, error) {
	if cfg.ImagerPort == 0 {
		cfg.ImagerPort = 8888
	}

	images, err := NewImageStore(cfg.ImagesDir)
	if err != nil {
		return nil, err
	}

	return &Server{
		cfg:          cfg,
		images:       images,
		store:        store,
		log:          log,
		statusClient: &http.Client{Timeout: 2 * time.Second},
		writeClient:  &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// Images exposes the library, e.g. for the correlator's active image hook.
func (s *Server) Images() *ImageStore { return s.images }

// Routes mounts the API endpoints.
func (s *Server) Routes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/bootstrap/imager-service", s.handleBootstrapService)
		r.Get("/bootstrap/imager-config", s.handleBootstrapConfig)
		r.Get("/bootstrap/imager-unit", s.handleBootstrapUnit)
		r.Get("/bootstrap/install-script", s.handleBootstrapScript)

		r.Get("/images", s.handleListImages)
		r.Post("/images/activate", s.handleActivateImage)
		r.Get("/images/download/{name}", s.handleDownloadImage)

		r.Get("/devices", s.handleListDevices)
		r.Post("/devices/{ip}/write-disk", s.handleWriteDisk)
		r.Get("/devices/{ip}/status", s.handleDeviceStatus)
	})
}

func (s *Server) handleBootstrapService(w http.ResponseWriter, r *http.Request) {
	if s.cfg.ImagerBinary == "" {
		writeError(w, http.StatusNotFound, "no imager service payload configured")
		return
	}

	f, err := os.Open(s.cfg.ImagerBinary)
	if err != nil {
		s.log.Error("Imager service payload unavailable", "path", s.cfg.ImagerBinary, "err", err)
		writeError(w, http.StatusNotFound, "imager service payload not found")
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filepath.Base(s.cfg.ImagerBinary)))
	if info, err := f.Stat(); err == nil {
		w.Header().Set("Content-Length", fmt.Sprintf("%d", info.Size()))
	}
	io.Copy(w, f) //nolint:errcheck
}

func (s *Server) handleBootstrapConfig(w http.ResponseWriter, r *http.Request) {
	payload, err := renderImagerConfig(s.cfg.AdvertiseAddr, s.cfg.SharedSecret, s.cfg.ImagerPort)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(payload) //nolint:errcheck
}

func (s *Server) handleBootstrapUnit(w http.ResponseWriter, r *http.Request) {
	payload, err := renderUnit()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.Write(payload) //nolint:errcheck
}

func (s *Server) handleBootstrapScript(w http.ResponseWriter, r *http.Request) {
	payload, err := renderInstallScript(s.cfg.AdvertiseAddr)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "text/x-shellscript")
	w.Write(payload) //nolint:errcheck
}

func (s *Server) handleListImages(w http.ResponseWriter, r *http.Request) {
	images, err := s.images.List()
	if err != nil {
		s.log.Error("Failed to list image library", "err", err)
		writeError(w, http.StatusInternalServerError, "failed to list images")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"images": images})
}

func (s *Server) handleActivateImage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeError(w, http.StatusBadRequest, "missing image name")
		return
	}

	if err := s.images.Activate(req.Name); err != nil {
		status := http.StatusInternalServerError
		if isNotFound(err) {
			status = http.StatusNotFound
		}
		writeError(w, status, err.Error())
		return
	}

	s.log.Info("Activated image", "image", req.Name)
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// handleDownloadImage streams the image payload to a writing device. It is
// the hot path during a disk write; the file goes straight to the socket.
func (s *Server) handleDownloadImage(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	path, err := s.images.ImageFile(name)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	// ServeFile sets Content-Length, enabling determinate progress on
	// the device side.
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filepath.Base(path)))
	http.ServeFile(w, r, path)
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.store.List(r.Context())
	if err != nil {
		s.log.Error("Failed to list devices", "err", err)
		writeError(w, http.StatusInternalServerError, "failed to list devices")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": devices})
}

// handleWriteDisk resolves the active image and forwards the write request
// to the device's imager service, relaying its response.
func (s *Server) handleWriteDisk(w http.ResponseWriter, r *http.Request) {
	deviceIP, ok := s.deviceIP(w, r)
	if !ok {
		return
	}

	var req struct {
		Device string `json:"device"`
	}
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&req) //nolint:errcheck
	}
	if req.Device == "" {
		req.Device = "/dev/mmcblk0"
	}

	active, err := s.images.ActiveImage()
	if err != nil {
		writeError(w, http.StatusBadRequest, "no active image; import and activate an image first")
		return
	}

	serverHost := s.cfg.AdvertiseAddr
	if host, _, err := net.SplitHostPort(serverHost); err == nil {
		serverHost = host
	}
	writeReq := imager.WriteRequest{
		Device:    req.Device,
		ImageURL:  fmt.Sprintf("http://%s/api/images/download/%s", s.cfg.AdvertiseAddr, active),
		NetbootIP: serverHost,
	}
	body, err := json.Marshal(writeReq)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	url := fmt.Sprintf("http://%s/write-image", s.imagerAddr(deviceIP))
	fwd, err := http.NewRequestWithContext(r.Context(), http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	fwd.Header.Set("Content-Type", "application/json")
	fwd.Header.Set(imager.TokenHeader, s.cfg.SharedSecret)

	resp, err := s.writeClient.Do(fwd)
	if err != nil {
		s.log.Warn("Device imager unreachable for write", "deviceIP", deviceIP, "err", err)
		writeError(w, http.StatusServiceUnavailable,
			"cannot connect to device imager service; ensure the netboot-imager service is running")
		return
	}
	defer resp.Body.Close()

	s.log.Info("Forwarded write-disk request", "deviceIP", deviceIP, "image", active, "device", req.Device, "status", resp.StatusCode)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body) //nolint:errcheck
}

// handleDeviceStatus proxies the device's job status. An unreachable device
// answers 200 with stage "unreachable" so pollers see a state, not a
// transport error.
func (s *Server) handleDeviceStatus(w http.ResponseWriter, r *http.Request) {
	deviceIP, ok := s.deviceIP(w, r)
	if !ok {
		return
	}

	resp, err := s.statusClient.Get(fmt.Sprintf("http://%s/status", s.imagerAddr(deviceIP)))
	if err != nil {
		metrics.ProxyUnreachable.Inc()
		s.markStatus(r, deviceIP, devicestore.StatusUnreachable)
		writeJSON(w, http.StatusOK, map[string]any{
			"stage":   "unreachable",
			"percent": 0,
			"message": "device offline or not responding",
		})
		return
	}
	defer resp.Body.Close()

	s.markStatus(r, deviceIP, devicestore.StatusOnline)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body) //nolint:errcheck
}

// markStatus updates reachability for a known device; devices not yet seen
// booting are skipped.
func (s *Server) markStatus(r *http.Request, deviceIP, status string) {
	rec, err := s.store.GetByIP(r.Context(), deviceIP)
	if err != nil || rec == nil {
		return
	}
	if err := s.store.UpdateStatus(r.Context(), rec.MAC, status); err != nil {
		s.log.Warn("Failed to update device status", "mac", rec.MAC, "err", err)
	}
}

func (s *Server) deviceIP(w http.ResponseWriter, r *http.Request) (string, bool) {
	raw := chi.URLParam(r, "ip")
	addr, err := netip.ParseAddr(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid device IP %q", raw))
		return "", false
	}
	return addr.String(), true
}

func (s *Server) imagerAddr(deviceIP string) string {
	return fmt.Sprintf("%s:%d", deviceIP, s.cfg.ImagerPort)
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrImageNotFound) || errors.Is(err, ErrNoActiveImage)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
