package bootevents

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Tailer follows an append-only log file, surviving rotation and truncation.
// It resumes from the live stream position rather than a remembered offset: a
// shrunken or replaced file is simply reopened from the start.
type Tailer struct {
	path string
	log  *slog.Logger

	// PollInterval is the fallback wakeup when fsnotify events are
	// unavailable (e.g. the log lives on a network mount).
	PollInterval time.Duration

	// FromStart reads the existing file content before following. The
	// default is to start at the end, only consuming new events.
	FromStart bool
}

// NewTailer creates a tailer for the given log path.
func NewTailer(path string, log *slog.Logger) *Tailer {
	return &Tailer{
		path:         path,
		log:          log,
		PollInterval: 2 * time.Second,
	}
}

// Run follows the file until the context is cancelled, invoking handle for
// every complete line. It blocks.
func (t *Tailer) Run(ctx context.Context, handle func(line string)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// Watch the directory: the file itself may not exist yet, and
	// rotation replaces it.
	if err := watcher.Add(filepath.Dir(t.path)); err != nil {
		t.log.Warn("Could not watch log directory, falling back to polling", "err", err)
	}

	var (
		file   *os.File
		reader *bufio.Reader
		offset int64
	)
	defer func() {
		if file != nil {
			file.Close()
		}
	}()

	reopen := func(fromStart bool) {
		if file != nil {
			file.Close()
			file = nil
		}

		f, err := os.Open(t.path)
		if err != nil {
			return
		}

		if !fromStart {
			end, err := f.Seek(0, io.SeekEnd)
			if err != nil {
				f.Close()
				return
			}
			offset = end
		} else {
			offset = 0
		}

		file = f
		reader = bufio.NewReader(f)
		t.log.Debug("Tailing log", "path", t.path, "offset", offset)
	}

	reopen(t.FromStart)

	ticker := time.NewTicker(t.PollInterval)
	defer ticker.Stop()

	for {
		// Drain all complete lines currently available.
		for file != nil {
			line, err := reader.ReadString('\n')
			if err != nil {
				// Partial line: rewind so it is re-read whole
				// once the writer finishes it.
				if len(line) > 0 {
					if _, serr := file.Seek(offset, io.SeekStart); serr == nil {
						reader.Reset(file)
					}
				}
				break
			}
			offset += int64(len(line))
			handle(trimEOL(line))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-watcher.Events:
		case err := <-watcher.Errors:
			if err != nil {
				t.log.Warn("Log watcher error", "err", err)
			}
		case <-ticker.C:
		}

		if file == nil {
			reopen(true)
			continue
		}

		info, err := os.Stat(t.path)
		switch {
		case err != nil:
			// Rotated away; wait for the replacement.
			file.Close()
			file = nil
		case info.Size() < offset:
			// Truncated: resume from the start of the new content.
			t.log.Info("Log truncated, reopening", "path", t.path)
			reopen(true)
		default:
			if current, err := file.Stat(); err == nil && !os.SameFile(info, current) {
				// Rotated and replaced: follow the new file.
				t.log.Info("Log rotated, reopening", "path", t.path)
				reopen(true)
			}
		}
	}
}

func trimEOL(line string) string {
	for len(line) > 0 && (line[len(line)-1] == '\n' || line[len(line)-1] == '\r') {
		line = line[:len(line)-1]
	}
	return line
}
