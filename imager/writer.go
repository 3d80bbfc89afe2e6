package imager

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"go.uber.org/atomic"
	"golang.org/x/sys/unix"

	"github.com/openseastack/netboot-imaging-backend/metrics"
)

const (
	// wipeRegionBytes covers the partition table region cleared before a
	// write, so stale entries from a previous OS cannot survive.
	wipeRegionBytes = 10 << 20

	// copyChunkBytes is the streaming buffer size for wipe and write.
	copyChunkBytes = 4 << 20
)

// ErrInvalidRequest marks request validation failures, rejected before any
// job state is mutated.
var ErrInvalidRequest = errors.New("invalid write request")

// WriteRequest is the body of a write-image call. Immutable once accepted.
type WriteRequest struct {
	Device    string `json:"device"`
	ImageURL  string `json:"image_url"`
	NetbootIP string `json:"netboot_ip"`
}

// Writer owns the single job slot and executes the wipe/write/sync pipeline
// on a background goroutine.
type Writer struct {
	cfg    *Config
	log    *slog.Logger
	job    *Job
	client *http.Client
}

// NewWriter creates a writer for the given configuration.
func NewWriter(cfg *Config, log *slog.Logger) *Writer {
	return &Writer{
		cfg: cfg,
		log: log,
		job: NewJob(),
		// No overall client timeout: large images legitimately take
		// long. Stalls are handled by the inactivity watchdog.
		client: &http.Client{},
	}
}

// Job exposes the job slot for status reads.
func (w *Writer) Job() *Job {
	return w.job
}

// Start validates the request, claims the job slot and launches the worker.
// It returns the job identifier immediately; callers poll status.
func (w *Writer) Start(req WriteRequest) (string, error) {
	if err := w.validate(req); err != nil {
		return "", err
	}

	jobID := uuid.NewString()
	if err := w.job.Begin(jobID); err != nil {
		return "", err
	}

	metrics.JobsStarted.Inc()
	go w.run(jobID, req)
	return jobID, nil
}

func (w *Writer) validate(req WriteRequest) error {
	if req.ImageURL == "" {
		return fmt.Errorf("%w: image_url required", ErrInvalidRequest)
	}

	u, err := url.Parse(req.ImageURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("%w: image_url must be an http(s) URL", ErrInvalidRequest)
	}

	if !slices.Contains(w.cfg.AllowedDevices, req.Device) {
		return fmt.Errorf("%w: device %q not in allowed devices %v", ErrInvalidRequest, req.Device, w.cfg.AllowedDevices)
	}

	info, err := os.Stat(req.Device)
	if err != nil {
		return fmt.Errorf("%w: device %q: %v", ErrInvalidRequest, req.Device, err)
	}

	if info.Mode()&os.ModeDevice == 0 && !w.cfg.AllowFileTargets {
		return fmt.Errorf("%w: %q is not a block device", ErrInvalidRequest, req.Device)
	}

	return nil
}

func (w *Writer) run(jobID string, req WriteRequest) {
	log := w.log.With("jobID", jobID, "device", req.Device, "imageURL", req.ImageURL, "netbootIP", req.NetbootIP)
	log.Info("Starting imaging job")

	target, err := os.OpenFile(req.Device, os.O_WRONLY, 0)
	if err != nil {
		w.fail(log, fmt.Sprintf("could not open target device %s: %v", req.Device, err))
		return
	}
	defer target.Close()

	if err := w.wipe(target); err != nil {
		w.fail(log, fmt.Sprintf("wipe failed on %s: %v", req.Device, err))
		return
	}
	w.rereadPartitionTable(log, target, req.Device)

	w.job.Update(StageWriting, 10, "partition table wiped, writing image")
	if err := w.writeImage(target, req.ImageURL); err != nil {
		w.fail(log, err.Error())
		return
	}

	w.job.Update(StageSyncing, 95, "image written, flushing buffers")
	if err := target.Sync(); err != nil {
		w.fail(log, fmt.Sprintf("sync failed on %s: %v", req.Device, err))
		return
	}
	w.rereadPartitionTable(log, target, req.Device)

	w.job.Finish(fmt.Sprintf("image successfully written to %s", req.Device))
	metrics.JobsCompleted.WithLabelValues("done").Inc()
	log.Info("Imaging job complete", "bytesWritten", w.job.Snapshot().BytesWritten)
}

func (w *Writer) fail(log *slog.Logger, message string) {
	w.job.Fail(message)
	metrics.JobsCompleted.WithLabelValues("error").Inc()
	log.Error("Imaging job failed", "reason", message)
}

// wipe zeroes the partition table region at the start of the device and
// leaves the write offset back at zero. Progress covers 0-10%.
func (w *Writer) wipe(target *os.File) error {
	zeros := make([]byte, 1<<20)
	var wiped int64

	for wiped < wipeRegionBytes {
		n, err := target.Write(zeros)
		if err != nil {
			// A short device is fine once we have cleared the
			// partition table region.
			if errors.Is(err, io.ErrShortWrite) || errors.Is(err, unix.ENOSPC) {
				break
			}
			return err
		}
		wiped += int64(n)
		w.job.Update(StageWiping, int(10*wiped/wipeRegionBytes), "wiping partition table")
	}

	if _, err := target.Seek(0, io.SeekStart); err != nil {
		return err
	}
	return nil
}

// writeImage streams the image onto the device, decompressing gzip sources
// transparently. Progress covers 10-95%, degrading to an indeterminate hold
// when the source does not declare its size.
func (w *Writer) writeImage(target *os.File, imageURL string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return fmt.Errorf("invalid image URL: %v", err)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("image download failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("image download failed: unexpected status %s", resp.Status)
	}

	stall := newStallWatchdog(w.cfg.StallTimeout(), cancel)
	defer stall.stop()

	var src io.Reader = &watchdogReader{r: resp.Body, watchdog: stall}

	compressed := strings.HasSuffix(strings.ToLower(req.URL.Path), ".gz")
	if compressed {
		gz, err := gzip.NewReader(src)
		if err != nil {
			return fmt.Errorf("image decompression failed: %v", err)
		}
		defer gz.Close()
		src = gz
	} else if resp.ContentLength > 0 {
		w.job.SetTotal(resp.ContentLength)
	}

	buf := make([]byte, copyChunkBytes)
	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			if _, writeErr := target.Write(buf[:n]); writeErr != nil {
				return fmt.Errorf("device write failed: %v", writeErr)
			}
			w.job.AddBytes(int64(n))
			metrics.BytesWritten.Add(float64(n))
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			if stall.fired() {
				return fmt.Errorf("image download stalled: no data received for %s", w.cfg.StallTimeout())
			}
			return fmt.Errorf("image download failed: %v", readErr)
		}
	}
}

// rereadPartitionTable forces the kernel to refresh its view of the device's
// partitions. Best effort: the BLKRRPART ioctl first, then the usual external
// tools. Failure is logged, not fatal, matching how devices behave when the
// table is already current or the target is a plain file.
func (w *Writer) rereadPartitionTable(log *slog.Logger, target *os.File, device string) {
	if err := unix.IoctlSetInt(int(target.Fd()), unix.BLKRRPART, 0); err == nil {
		return
	}

	if err := exec.Command("partprobe", device).Run(); err == nil {
		return
	}
	if err := exec.Command("blockdev", "--rereadpt", device).Run(); err == nil {
		return
	}

	log.Warn("Could not re-read partition table", "device", device)
}

// stallWatchdog cancels the download when no data arrives within the timeout.
type stallWatchdog struct {
	timer   *time.Timer
	timeout time.Duration
	stalled atomic.Bool
}

func newStallWatchdog(timeout time.Duration, cancel context.CancelFunc) *stallWatchdog {
	s := &stallWatchdog{timeout: timeout}
	s.timer = time.AfterFunc(timeout, func() {
		s.stalled.Store(true)
		cancel()
	})
	return s
}

func (s *stallWatchdog) reset()      { s.timer.Reset(s.timeout) }
func (s *stallWatchdog) stop()       { s.timer.Stop() }
func (s *stallWatchdog) fired() bool { return s.stalled.Load() }

type watchdogReader struct {
	r        io.Reader
	watchdog *stallWatchdog
}

func (wr *watchdogReader) Read(p []byte) (int, error) {
	n, err := wr.r.Read(p)
	if n > 0 {
		wr.watchdog.reset()
	}
	return n, err
}
