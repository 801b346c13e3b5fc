package audit

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hellio/hrchat/internal/observability"
	"github.com/hellio/hrchat/internal/storage"
)

const (
	defaultFlushInterval = time.Minute
	defaultBatchSize     = 500
	maxBufferedBatches   = 10
	finalFlushTimeout    = 10 * time.Second
)

type ArchiverConfig struct {
	FlushInterval time.Duration
	BatchSize     int
}

// ParquetArchiver buffers records and uploads them in parquet batches. Uploads run without the buffer lock.
type ParquetArchiver struct {
	Store  storage.ObjectStore
	Config ArchiverConfig
	Logger *slog.Logger
	Clock  func() time.Time

	mu      sync.Mutex
	pending []Record
	flushCh chan struct{}
	once    sync.Once
}

func (a *ParquetArchiver) Emit(_ context.Context, record Record) {
	a.ensureDefaults()

	a.mu.Lock()
	if len(a.pending) >= a.Config.BatchSize*maxBufferedBatches {
		a.mu.Unlock()
		if a.Logger != nil {
			a.Logger.Warn("audit buffer full, dropping record", slog.String("audit_id", record.ID))
		}
		return
	}
	a.pending = append(a.pending, record)
	full := len(a.pending) >= a.Config.BatchSize
	a.mu.Unlock()

	if full {
		select {
		case a.flushCh <- struct{}{}:
		default:
		}
	}
}

// Run flushes on every interval tick or full batch until ctx ends, then drains what is left.
func (a *ParquetArchiver) Run(ctx context.Context) error {
	a.ensureDefaults()

	ticker := time.NewTicker(a.Config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			finalCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalFlushTimeout)
			defer cancel()
			return a.Drain(finalCtx)
		case <-ticker.C:
		case <-a.flushCh:
		}
		if err := a.FlushOnce(ctx); err != nil && a.Logger != nil {
			a.Logger.ErrorContext(ctx, "audit archive flush failed", slog.Any("error", err))
		}
	}
}

func (a *ParquetArchiver) FlushOnce(ctx context.Context) error {
	a.ensureDefaults()

	a.mu.Lock()
	batch := a.pending
	if len(batch) > a.Config.BatchSize {
		batch = batch[:a.Config.BatchSize]
	}
	a.pending = append([]Record(nil), a.pending[len(batch):]...)
	a.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	err := a.upload(ctx, batch)
	observability.ObserveAuditArchive(len(batch), err)
	if err != nil {
		a.requeue(batch)
		return err
	}
	return nil
}

// Drain uploads batches until the buffer is empty. It stops at the first failed upload.
func (a *ParquetArchiver) Drain(ctx context.Context) error {
	for a.Pending() > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := a.FlushOnce(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (a *ParquetArchiver) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

func (a *ParquetArchiver) upload(ctx context.Context, batch []Record) error {
	data, err := EncodeRecords(batch)
	if err != nil {
		return fmt.Errorf("encode audit batch: %w", err)
	}
	key, err := storage.BuildAuditBatchPath(a.Clock(), uuid.NewString())
	if err != nil {
		return fmt.Errorf("build audit batch path: %w", err)
	}
	info, err := a.Store.Put(ctx, key, bytes.NewReader(data), int64(len(data)), storage.PutOptions{ContentType: "application/vnd.apache.parquet"})
	if err != nil {
		return fmt.Errorf("put audit batch: %w", err)
	}
	if a.Logger != nil {
		a.Logger.InfoContext(ctx, "audit batch archived",
			slog.String("key", info.Key),
			slog.Int("records", len(batch)),
			slog.Int64("bytes", int64(len(data))),
		)
	}
	return nil
}

// requeue puts a failed batch back in front of newer records, within the buffer cap.
func (a *ParquetArchiver) requeue(batch []Record) {
	a.mu.Lock()
	defer a.mu.Unlock()
	room := a.Config.BatchSize*maxBufferedBatches - len(a.pending)
	if room <= 0 {
		return
	}
	if len(batch) > room {
		batch = batch[:room]
	}
	a.pending = append(append([]Record(nil), batch...), a.pending...)
}

func (a *ParquetArchiver) ensureDefaults() {
	a.once.Do(func() {
		if a.Clock == nil {
			a.Clock = time.Now
		}
		if a.Config.FlushInterval <= 0 {
			a.Config.FlushInterval = defaultFlushInterval
		}
		if a.Config.BatchSize <= 0 {
			a.Config.BatchSize = defaultBatchSize
		}
		a.flushCh = make(chan struct{}, 1)
	})
}
