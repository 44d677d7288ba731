// internal/journal/recorder.go
package journal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"comm-service/internal/events"
)

const writeTimeout = 5 * time.Second

// Recorder persists adapter lifecycle events from the bus and enforces retention
type Recorder struct {
	repo            Repository
	bus             *events.Bus
	logger          *zap.Logger
	retention       time.Duration
	cleanupInterval time.Duration

	mu     sync.Mutex
	sub    *events.Subscription
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRecorder creates a recorder. A zero retention disables cleanup.
func NewRecorder(repo Repository, bus *events.Bus, logger *zap.Logger, retention, cleanupInterval time.Duration) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cleanupInterval <= 0 {
		cleanupInterval = time.Hour
	}
	return &Recorder{
		repo:            repo,
		bus:             bus,
		logger:          logger.With(zap.String("component", "journal")),
		retention:       retention,
		cleanupInterval: cleanupInterval,
	}
}

// Start subscribes to the bus and begins persisting entries
func (r *Recorder) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sub != nil {
		return
	}

	ctx, r.cancel = context.WithCancel(ctx)
	r.sub = r.bus.Subscribe(
		events.TypeAdapterCreated,
		events.TypeAdapterRemoved,
		events.TypeAdapterStateChanged,
		events.TypeAdapterError,
	)

	r.wg.Add(1)
	go r.record(ctx, r.sub)

	if r.retention > 0 {
		r.wg.Add(1)
		go r.cleanupLoop(ctx)
	}

	r.logger.Info("Journal recorder started", zap.Duration("retention", r.retention))
}

// Stop unsubscribes and waits for the background loops to exit
func (r *Recorder) Stop() {
	r.mu.Lock()
	if r.sub == nil {
		r.mu.Unlock()
		return
	}
	r.sub.Unsubscribe()
	r.cancel()
	r.sub = nil
	r.mu.Unlock()

	r.wg.Wait()
	r.logger.Info("Journal recorder stopped")
}

// Entries lists the newest entries for an adapter
func (r *Recorder) Entries(ctx context.Context, filter *Filter) ([]*Entry, error) {
	return r.repo.List(ctx, filter)
}

// Cleanup deletes entries older than the retention window
func (r *Recorder) Cleanup(ctx context.Context) (int64, error) {
	if r.retention <= 0 {
		return 0, nil
	}
	deleted, err := r.repo.DeleteBefore(ctx, time.Now().Add(-r.retention))
	if err != nil {
		return 0, fmt.Errorf("journal cleanup failed: %w", err)
	}
	if deleted > 0 {
		r.logger.Info("Journal cleanup completed", zap.Int64("deleted", deleted))
	}
	return deleted, nil
}

func (r *Recorder) record(ctx context.Context, sub *events.Subscription) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-sub.C:
			entry := EntryFromEvent(event)
			if entry == nil {
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			if err := r.repo.Insert(writeCtx, entry); err != nil {
				r.logger.Warn("Failed to record journal entry",
					zap.String("adapter", entry.Adapter),
					zap.String("kind", string(entry.Kind)),
					zap.Error(err),
				)
			}
			cancel()
		}
	}
}

func (r *Recorder) cleanupLoop(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Cleanup(ctx); err != nil {
				r.logger.Warn("Journal cleanup failed", zap.Error(err))
			}
		}
	}
}

// EntryFromEvent maps a bus event to a journal entry, or nil for event types
// that are not journaled
func EntryFromEvent(event events.Event) *Entry {
	var kind Kind
	switch event.Type {
	case events.TypeAdapterCreated:
		kind = KindCreated
	case events.TypeAdapterRemoved:
		kind = KindRemoved
	case events.TypeAdapterStateChanged:
		kind = KindStateChanged
	case events.TypeAdapterError:
		kind = KindError
	default:
		return nil
	}

	createdAt := event.Timestamp
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	return &Entry{
		ID:        uuid.New(),
		Adapter:   event.Source,
		Protocol:  stringField(event.Data, "protocol"),
		Kind:      kind,
		State:     stringField(event.Data, "state"),
		Message:   stringField(event.Data, "error"),
		CreatedAt: createdAt.UTC(),
	}
}

func stringField(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}
