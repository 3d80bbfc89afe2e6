package bootevents

import (
	"context"
	"log/slog"
	"time"

	"go.uber.org/atomic"

	"github.com/openseastack/netboot-imaging-backend/devicestore"
	"github.com/openseastack/netboot-imaging-backend/metrics"
)

// DefaultWindow bounds how long after a transfer event a lease event for the
// same MAC is treated as part of the same boot.
const DefaultWindow = 30 * time.Second

// pendingBoot is a transfer event still waiting for its lease within the
// correlation window.
type pendingBoot struct {
	seen     time.Time
	filename string
}

// Correlator links transfer and lease events sharing a MAC and upserts the
// resulting boot observations into the device store. It is driven either by
// Run (tailing a live log) or directly via HandleLine/HandleEvent in tests.
type Correlator struct {
	store  *devicestore.Store
	log    *slog.Logger
	window time.Duration

	// activeImage, when set, names the image the fleet is currently
	// served; it is stamped onto boot observations.
	activeImage func() string

	pending   map[string]pendingBoot
	malformed atomic.Int64
}

// NewCorrelator creates a correlator over the given device store.
// activeImage may be nil.
func NewCorrelator(store *devicestore.Store, activeImage func() string, log *slog.Logger) *Correlator {
	return &Correlator{
		store:       store,
		log:         log,
		window:      DefaultWindow,
		activeImage: activeImage,
		pending:     make(map[string]pendingBoot),
	}
}

// MalformedLines returns how many unrecognized lines were skipped.
func (c *Correlator) MalformedLines() int64 {
	return c.malformed.Load()
}

// Run tails the boot daemon log until the context is cancelled. Not safe for
// concurrent use with HandleLine; the correlator is single-consumer.
func (c *Correlator) Run(ctx context.Context, tailer *Tailer) error {
	lines := make(chan string, 256)

	go func() {
		ticker := time.NewTicker(c.window)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case line := <-lines:
				c.HandleLine(ctx, line, time.Now())
			case <-ticker.C:
				c.FlushExpired(ctx, time.Now())
			}
		}
	}()

	return tailer.Run(ctx, func(line string) {
		select {
		case lines <- line:
		case <-ctx.Done():
		}
	})
}

// HandleLine parses and processes one log line. Malformed lines are counted
// and skipped; they never propagate an error.
func (c *Correlator) HandleLine(ctx context.Context, line string, now time.Time) {
	event, ok := Parse(line, now)
	if !ok {
		c.malformed.Inc()
		metrics.CorrelatorLines.WithLabelValues("unrecognized").Inc()
		c.log.Debug("Skipping unrecognized boot log line", "line", line)
		return
	}
	c.HandleEvent(ctx, event)
}

// HandleEvent processes one recognized event.
func (c *Correlator) HandleEvent(ctx context.Context, event Event) {
	switch ev := event.(type) {
	case TransferEvent:
		metrics.CorrelatorLines.WithLabelValues("transfer").Inc()

		// Repeated transfers within the window belong to the same
		// boot; keep the earliest timestamp.
		if existing, ok := c.pending[ev.MAC]; ok && ev.Time.Sub(existing.seen) <= c.window {
			return
		}
		c.flushPending(ctx, ev.MAC)
		c.pending[ev.MAC] = pendingBoot{seen: ev.Time, filename: ev.Filename}

	case LeaseEvent:
		metrics.CorrelatorLines.WithLabelValues("lease").Inc()

		bootTime := ev.Time
		if pending, ok := c.pending[ev.MAC]; ok {
			if ev.Time.Sub(pending.seen) <= c.window {
				bootTime = pending.seen
			}
			delete(c.pending, ev.MAC)
		}

		c.upsert(ctx, devicestore.BootObservation{
			MAC:      ev.MAC,
			IP:       ev.IP,
			Hostname: ev.Hostname,
			BootTime: bootTime,
		})
	}
}

// FlushExpired upserts transfer events whose correlation window has passed
// without a matching lease. The IP is left unset rather than guessed.
func (c *Correlator) FlushExpired(ctx context.Context, now time.Time) {
	for mac, pending := range c.pending {
		if now.Sub(pending.seen) > c.window {
			delete(c.pending, mac)
			c.upsert(ctx, devicestore.BootObservation{
				MAC:      mac,
				BootTime: pending.seen,
			})
		}
	}
}

func (c *Correlator) flushPending(ctx context.Context, mac string) {
	if pending, ok := c.pending[mac]; ok {
		delete(c.pending, mac)
		c.upsert(ctx, devicestore.BootObservation{MAC: mac, BootTime: pending.seen})
	}
}

func (c *Correlator) upsert(ctx context.Context, obs devicestore.BootObservation) {
	if c.activeImage != nil {
		obs.Image = c.activeImage()
	}

	if err := c.store.RecordBoot(ctx, obs); err != nil {
		c.log.Error("Failed to record boot observation", "mac", obs.MAC, "err", err)
	}
}
