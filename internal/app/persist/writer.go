// Package persist writes player poses to the store in the background.
package persist

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Lobby/internal/domain"
	"github.com/dkeye/Lobby/internal/metrics"
	"github.com/dkeye/Lobby/internal/storage"
)

const (
	DefaultInterval = time.Second
	flushTimeout    = 5 * time.Second
)

// Writer coalesces pose updates per subject; only the latest pose of each
// subject is written on the next flush.
type Writer struct {
	store    storage.PositionStore
	clk      clock.Clock
	interval time.Duration

	mu    sync.Mutex
	dirty map[string]domain.Pose
	kick  chan struct{}
}

func NewWriter(store storage.PositionStore, clk clock.Clock, interval time.Duration) *Writer {
	if clk == nil {
		clk = clock.New()
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Writer{
		store:    store,
		clk:      clk,
		interval: interval,
		dirty:    make(map[string]domain.Pose),
		kick:     make(chan struct{}, 1),
	}
}

// Put never blocks.
func (w *Writer) Put(subject string, pose domain.Pose) {
	w.mu.Lock()
	w.dirty[subject] = pose
	w.mu.Unlock()
}

// FlushSoon asks Run to flush without waiting for the next tick.
func (w *Writer) FlushSoon() {
	select {
	case w.kick <- struct{}{}:
	default:
	}
}

func (w *Writer) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.dirty)
}

// Run flushes every interval until ctx is done, then flushes once more.
func (w *Writer) Run(ctx context.Context) error {
	ticker := w.clk.Ticker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			fctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
			w.Flush(fctx)
			cancel()
			return nil
		case <-ticker.C:
			w.Flush(ctx)
		case <-w.kick:
			w.Flush(ctx)
		}
	}
}

// Flush writes every dirty pose. Failed writes are re-queued unless a newer
// pose arrived meanwhile.
func (w *Writer) Flush(ctx context.Context) int {
	w.mu.Lock()
	batch := w.dirty
	w.dirty = make(map[string]domain.Pose, len(batch))
	w.mu.Unlock()

	written := 0
	for subject, pose := range batch {
		if err := w.store.PutPosition(ctx, subject, pose); err != nil {
			metrics.StoreFailures.WithLabelValues("put_position").Inc()
			log.Warn().Str("module", "app.persist").Str("subject", subject).Err(err).Msg("position write failed")
			w.mu.Lock()
			if _, newer := w.dirty[subject]; !newer {
				w.dirty[subject] = pose
			}
			w.mu.Unlock()
			continue
		}
		written++
	}
	if written > 0 {
		log.Debug().Str("module", "app.persist").Int("written", written).Msg("positions flushed")
	}
	return written
}
