package imager

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openseastack/netboot-imaging-backend/guard"
)

func testHandler(t *testing.T, device string) (*Handler, *Writer) {
	t.Helper()
	cfg := testWriterConfig(t, device)

	g, err := guard.New(cfg.AllowedIPs, cfg.SharedSecret)
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	writer := NewWriter(cfg, logger)
	return NewHandler(g, writer, logger), writer
}

func testRouter(h *Handler) http.Handler {
	mux := chi.NewRouter()
	h.Routes(mux)
	return mux
}

func postWriteImage(t *testing.T, mux http.Handler, remoteAddr, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/write-image", bytes.NewReader(payload))
	req.RemoteAddr = remoteAddr
	if token != "" {
		req.Header.Set(TokenHeader, token)
	}

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	return w
}

func TestHandlerHealth(t *testing.T) {
	h, _ := testHandler(t, testTarget(t))
	mux := testRouter(h)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "netboot-imager", body["service"])
}

func TestHandlerStatusIdleBeforeAnyJob(t *testing.T) {
	h, _ := testHandler(t, testTarget(t))
	mux := testRouter(h)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var snap Snapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	assert.Equal(t, StageIdle, snap.Stage)
	assert.Equal(t, 0, snap.Percent)
}

func TestHandlerDeniesForeignAddress(t *testing.T) {
	h, writer := testHandler(t, testTarget(t))
	mux := testRouter(h)

	w := postWriteImage(t, mux, "8.8.8.8:50000", "openseastack-netboot-2024",
		map[string]string{"device": "/dev/mmcblk0", "image_url": "http://host/x.img"})

	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "not in allowlist")

	// A denial must not create or mutate a job.
	assert.Equal(t, StageIdle, writer.Job().Snapshot().Stage)
}

func TestHandlerDeniesBadToken(t *testing.T) {
	h, writer := testHandler(t, testTarget(t))
	mux := testRouter(h)

	w := postWriteImage(t, mux, "127.0.0.1:50000", "wrong-token",
		map[string]string{"device": "/dev/mmcblk0", "image_url": "http://host/x.img"})

	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "invalid token")
	assert.Equal(t, StageIdle, writer.Job().Snapshot().Stage)
}

func TestHandlerRejectsMalformedBody(t *testing.T) {
	h, _ := testHandler(t, testTarget(t))
	mux := testRouter(h)

	req := httptest.NewRequest(http.MethodPost, "/write-image", bytes.NewReader([]byte("{not json")))
	req.RemoteAddr = "127.0.0.1:50000"
	req.Header.Set(TokenHeader, "openseastack-netboot-2024")

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandlerRejectsMissingImageURL(t *testing.T) {
	device := testTarget(t)
	h, _ := testHandler(t, device)
	mux := testRouter(h)

	w := postWriteImage(t, mux, "127.0.0.1:50000", "openseastack-netboot-2024",
		map[string]string{"device": device})

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "image_url")
}

func TestHandlerAcceptsAndReportsBusy(t *testing.T) {
	release := make(chan struct{})
	imageSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("image bytes"))
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-release
	}))
	defer imageSrv.Close()

	device := testTarget(t)
	h, writer := testHandler(t, device)
	mux := testRouter(h)

	body := map[string]string{"device": device, "image_url": imageSrv.URL + "/fleet.img"}

	w := postWriteImage(t, mux, "127.0.0.1:50000", "openseastack-netboot-2024", body)
	require.Equal(t, http.StatusAccepted, w.Code)

	var accepted map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &accepted))
	require.NotEmpty(t, accepted["job_id"])

	// Second request while the first is active: rejected, not queued.
	w = postWriteImage(t, mux, "127.0.0.1:50000", "openseastack-netboot-2024", body)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, accepted["job_id"], writer.Job().Snapshot().JobID)

	close(release)
	require.Eventually(t, func() bool {
		return writer.Job().Snapshot().Stage.Terminal()
	}, 30*time.Second, 10*time.Millisecond)
}
