package database

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"gatekeeper/internal/domain"

	"github.com/charmbracelet/log"
	"gorm.io/gorm"
)

const (
	trafficBatchWindow   = 250 * time.Millisecond
	trafficBatchMaxItems = 512
	trafficQueueSize     = 8192
	trafficInsertTimeout = 5 * time.Second
)

// TrafficLogWriter records admission decisions without putting the database
// on the request path. Entries are batched and inserted from one goroutine;
// when the queue is full new entries are dropped and counted.
type TrafficLogWriter struct {
	db      *gorm.DB
	entries chan domain.TrafficLog
	dropped atomic.Uint64
	onDrop  func()

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

func NewTrafficLogWriter(db *gorm.DB) *TrafficLogWriter {
	w := &TrafficLogWriter{
		db:      db,
		entries: make(chan domain.TrafficLog, trafficQueueSize),
		done:    make(chan struct{}),
	}
	go w.run()
	return w
}

// OnDrop registers a callback invoked for every dropped entry.
func (w *TrafficLogWriter) OnDrop(fn func()) {
	w.onDrop = fn
}

// Record enqueues entry and never blocks.
func (w *TrafficLogWriter) Record(entry domain.TrafficLog) {
	if entry.At.IsZero() {
		entry.At = time.Now()
	}

	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return
	}

	select {
	case w.entries <- entry:
	default:
		w.dropped.Add(1)
		if w.onDrop != nil {
			w.onDrop()
		}
	}
}

func (w *TrafficLogWriter) Dropped() uint64 {
	return w.dropped.Load()
}

// Close flushes queued entries and stops the writer.
func (w *TrafficLogWriter) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	close(w.entries)
	w.mu.Unlock()

	<-w.done
}

func (w *TrafficLogWriter) run() {
	defer close(w.done)

	batch := make([]domain.TrafficLog, 0, trafficBatchMaxItems)
	ticker := time.NewTicker(trafficBatchWindow)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		w.insert(batch)
		batch = batch[:0]
	}

	for {
		select {
		case entry, ok := <-w.entries:
			if !ok {
				flush()
				return
			}
			batch = append(batch, entry)
			if len(batch) >= trafficBatchMaxItems {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (w *TrafficLogWriter) insert(batch []domain.TrafficLog) {
	ctx, cancel := context.WithTimeout(context.Background(), trafficInsertTimeout)
	defer cancel()

	if err := w.db.WithContext(ctx).CreateInBatches(batch, len(batch)).Error; err != nil {
		log.Error("Failed to write traffic log batch", "entries", len(batch), "error", err)
	}
}

// DeleteTrafficLogsBefore removes entries recorded before cutoff.
func DeleteTrafficLogsBefore(ctx context.Context, db *gorm.DB, cutoff time.Time) (int64, error) {
	result := db.WithContext(ctx).Where("at < ?", cutoff).Delete(&domain.TrafficLog{})
	return result.RowsAffected, result.Error
}
