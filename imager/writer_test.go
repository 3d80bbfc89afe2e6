package imager

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testWriterConfig(t *testing.T, device string) *Config {
	t.Helper()
	return &Config{
		AllowedIPs:          []string{"127.0.0.1"},
		SharedSecret:        "openseastack-netboot-2024",
		Port:                8888,
		AllowedDevices:      []string{device},
		AllowFileTargets:    true,
		StallTimeoutSeconds: 2,
	}
}

func testTarget(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "disk.img")

	// Simulate a device that previously held a different OS: a non-zero
	// partition table region.
	stale := bytes.Repeat([]byte{0xAA}, 1<<20)
	require.NoError(t, os.WriteFile(path, stale, 0o600))
	return path
}

func waitForTerminal(t *testing.T, job *Job) Snapshot {
	t.Helper()
	require.Eventually(t, func() bool {
		return job.Snapshot().Stage.Terminal()
	}, 30*time.Second, 10*time.Millisecond)
	return job.Snapshot()
}

func TestWriterRawImage(t *testing.T) {
	image := bytes.Repeat([]byte{0x5A, 0x01, 0xFE, 0x10}, 1024)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Declare the size explicitly: bodies above net/http's internal
		// buffering threshold are otherwise sent chunked, without a
		// Content-Length.
		w.Header().Set("Content-Length", strconv.Itoa(len(image)))
		w.Write(image)
	}))
	defer srv.Close()

	device := testTarget(t)
	writer := NewWriter(testWriterConfig(t, device), slog.New(slog.NewTextHandler(io.Discard, nil)))

	jobID, err := writer.Start(WriteRequest{Device: device, ImageURL: srv.URL + "/fleet.img"})
	require.NoError(t, err)
	require.NotEmpty(t, jobID)

	snap := waitForTerminal(t, writer.Job())
	require.Equal(t, StageDone, snap.Stage, "job error: %s", snap.Error)
	assert.Equal(t, 100, snap.Percent)
	assert.Equal(t, int64(len(image)), snap.BytesWritten)
	assert.Equal(t, int64(len(image)), snap.BytesTotal)

	written, err := os.ReadFile(device)
	require.NoError(t, err)

	// The new image layout replaces the pre-wipe contents from byte zero,
	// and the rest of the wiped region holds zeros, not the stale 0xAA.
	assert.Equal(t, image, written[:len(image)])
	assert.Equal(t, bytes.Repeat([]byte{0x00}, 1024), written[len(image):len(image)+1024])
}

func TestWriterGzipImage(t *testing.T) {
	image := bytes.Repeat([]byte{0xC3, 0x3C}, 4096)

	var compressed bytes.Buffer
	gz := gzip.NewWriter(&compressed)
	_, err := gz.Write(image)
	require.NoError(t, err)
	require.NoError(t, gz.Close())

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(compressed.Bytes())
	}))
	defer srv.Close()

	device := testTarget(t)
	writer := NewWriter(testWriterConfig(t, device), slog.New(slog.NewTextHandler(io.Discard, nil)))

	_, err = writer.Start(WriteRequest{Device: device, ImageURL: srv.URL + "/fleet.img.gz"})
	require.NoError(t, err)

	snap := waitForTerminal(t, writer.Job())
	require.Equal(t, StageDone, snap.Stage, "job error: %s", snap.Error)
	assert.Equal(t, int64(len(image)), snap.BytesWritten, "progress counts decompressed bytes")

	written, err := os.ReadFile(device)
	require.NoError(t, err)
	assert.Equal(t, image, written[:len(image)])
}

func TestWriterRejectsSecondJobWhileActive(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("partial"))
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-release
	}))
	defer srv.Close()

	device := testTarget(t)
	writer := NewWriter(testWriterConfig(t, device), slog.New(slog.NewTextHandler(io.Discard, nil)))

	first, err := writer.Start(WriteRequest{Device: device, ImageURL: srv.URL + "/fleet.img"})
	require.NoError(t, err)

	_, err = writer.Start(WriteRequest{Device: device, ImageURL: srv.URL + "/fleet.img"})
	assert.ErrorIs(t, err, ErrBusy)

	// The rejected request must not have touched the active job.
	assert.Equal(t, first, writer.Job().Snapshot().JobID)

	close(release)
	waitForTerminal(t, writer.Job())
}

func TestWriterDownloadFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such image", http.StatusNotFound)
	}))
	defer srv.Close()

	device := testTarget(t)
	writer := NewWriter(testWriterConfig(t, device), slog.New(slog.NewTextHandler(io.Discard, nil)))

	_, err := writer.Start(WriteRequest{Device: device, ImageURL: srv.URL + "/fleet.img"})
	require.NoError(t, err)

	snap := waitForTerminal(t, writer.Job())
	assert.Equal(t, StageError, snap.Stage)
	assert.Contains(t, snap.Error, "download failed")
}

func TestWriterStalledDownload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("some initial bytes"))
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		// Stop sending without closing: the inactivity watchdog must
		// abort the job by cancelling the request.
		select {
		case <-r.Context().Done():
		case <-time.After(30 * time.Second):
		}
	}))
	defer srv.Close()

	device := testTarget(t)
	writer := NewWriter(testWriterConfig(t, device), slog.New(slog.NewTextHandler(io.Discard, nil)))

	_, err := writer.Start(WriteRequest{Device: device, ImageURL: srv.URL + "/fleet.img"})
	require.NoError(t, err)

	snap := waitForTerminal(t, writer.Job())
	assert.Equal(t, StageError, snap.Stage)
	assert.Contains(t, snap.Error, "stalled")
}

func TestWriterValidation(t *testing.T) {
	device := testTarget(t)
	writer := NewWriter(testWriterConfig(t, device), slog.New(slog.NewTextHandler(io.Discard, nil)))

	_, err := writer.Start(WriteRequest{Device: device})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = writer.Start(WriteRequest{Device: device, ImageURL: "ftp://host/image.img"})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = writer.Start(WriteRequest{Device: "/dev/not-allowed", ImageURL: "http://host/image.img"})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	missing := filepath.Join(t.TempDir(), "missing")
	writer2 := NewWriter(testWriterConfig(t, missing), slog.New(slog.NewTextHandler(io.Discard, nil)))
	_, err = writer2.Start(WriteRequest{Device: missing, ImageURL: "http://host/image.img"})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	// Validation failures never claim the job slot.
	assert.Equal(t, StageIdle, writer.Job().Snapshot().Stage)
}

func TestWriterProgressMonotonic(t *testing.T) {
	image := bytes.Repeat([]byte{0x42}, 512*1024)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Dribble the image out so several progress updates land.
		for chunk := 0; chunk < len(image); chunk += 64 * 1024 {
			w.Write(image[chunk : chunk+64*1024])
			if f, ok := w.(http.Flusher); ok {
				f.Flush()
			}
		}
	}))
	defer srv.Close()

	device := testTarget(t)
	writer := NewWriter(testWriterConfig(t, device), slog.New(slog.NewTextHandler(io.Discard, nil)))

	_, err := writer.Start(WriteRequest{Device: device, ImageURL: srv.URL + "/fleet.img"})
	require.NoError(t, err)

	last := -1
	require.Eventually(t, func() bool {
		snap := writer.Job().Snapshot()
		require.GreaterOrEqual(t, snap.Percent, last, "percent rolled back")
		last = snap.Percent
		return snap.Stage.Terminal()
	}, 30*time.Second, time.Millisecond)

	assert.Equal(t, StageDone, writer.Job().Snapshot().Stage)
}
