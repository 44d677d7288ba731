package journal

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"comm-service/internal/events"
	"comm-service/internal/protocol"
)

type fakeRepository struct {
	mu       sync.Mutex
	entries  []*Entry
	cutoffs  []time.Time
	failures int
}

func (f *fakeRepository) Insert(_ context.Context, entry *Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return errors.New("db down")
	}
	f.entries = append(f.entries, entry)
	return nil
}

func (f *fakeRepository) List(_ context.Context, filter *Filter) ([]*Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*Entry
	for _, e := range f.entries {
		if filter != nil && filter.Adapter != "" && e.Adapter != filter.Adapter {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (f *fakeRepository) DeleteBefore(_ context.Context, before time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cutoffs = append(f.cutoffs, before)
	var kept []*Entry
	var deleted int64
	for _, e := range f.entries {
		if e.CreatedAt.Before(before) {
			deleted++
			continue
		}
		kept = append(kept, e)
	}
	f.entries = kept
	return deleted, nil
}

func (f *fakeRepository) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}

func startBus(t *testing.T) *events.Bus {
	t.Helper()
	bus := events.NewBus(zaptest.NewLogger(t), 16)
	bus.Start(context.Background())
	t.Cleanup(bus.Close)
	return bus
}

func TestRecorderPersistsLifecycleEvents(t *testing.T) {
	bus := startBus(t)
	repo := &fakeRepository{}
	rec := NewRecorder(repo, bus, zaptest.NewLogger(t), 0, 0)
	rec.Start(context.Background())
	defer rec.Stop()

	bus.AdapterCreated("plc", protocol.TypeModbusTCP)
	bus.ObserveAdapter("plc", protocol.Event{Kind: protocol.EventStateChanged, Protocol: protocol.TypeModbusTCP, State: protocol.StateConnected})
	bus.ObserveAdapter("plc", protocol.Event{Kind: protocol.EventSent, Protocol: protocol.TypeModbusTCP, Bytes: 12})
	bus.ObserveAdapter("plc", protocol.Event{
		Kind:     protocol.EventError,
		Protocol: protocol.TypeModbusTCP,
		State:    protocol.StateError,
		Err:      errors.New("connection refused"),
	})

	require.Eventually(t, func() bool { return repo.count() == 3 }, time.Second, 10*time.Millisecond)

	entries, err := rec.Entries(context.Background(), &Filter{Adapter: "plc"})
	require.NoError(t, err)
	require.Len(t, entries, 3)

	assert.Equal(t, KindCreated, entries[0].Kind)
	assert.Equal(t, "modbus_tcp", entries[0].Protocol)
	assert.Equal(t, KindStateChanged, entries[1].Kind)
	assert.Equal(t, "connected", entries[1].State)
	assert.Equal(t, KindError, entries[2].Kind)
	assert.Equal(t, "connection refused", entries[2].Message)
	for _, e := range entries {
		assert.NotEqual(t, uuid.Nil, e.ID)
	}
}

func TestRecorderSurvivesInsertFailures(t *testing.T) {
	bus := startBus(t)
	repo := &fakeRepository{failures: 1}
	rec := NewRecorder(repo, bus, zaptest.NewLogger(t), 0, 0)
	rec.Start(context.Background())

	bus.AdapterCreated("a", protocol.TypeHTTP)
	bus.AdapterRemoved("a", protocol.TypeHTTP)
	require.Eventually(t, func() bool { return repo.count() == 1 }, time.Second, 10*time.Millisecond)

	entries, err := rec.Entries(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, KindRemoved, entries[0].Kind)

	rec.Stop()
	rec.Stop()
	assert.Equal(t, 0, bus.SubscriberCount())
}

func TestRecorderCleanup(t *testing.T) {
	repo := &fakeRepository{entries: []*Entry{
		{Adapter: "old", CreatedAt: time.Now().Add(-48 * time.Hour)},
		{Adapter: "new", CreatedAt: time.Now()},
	}}
	rec := NewRecorder(repo, events.NewBus(nil, 1), nil, 24*time.Hour, time.Hour)

	deleted, err := rec.Cleanup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)
	assert.Equal(t, 1, repo.count())
	require.Len(t, repo.cutoffs, 1)
	assert.WithinDuration(t, time.Now().Add(-24*time.Hour), repo.cutoffs[0], time.Minute)

	disabled := NewRecorder(repo, events.NewBus(nil, 1), nil, 0, 0)
	deleted, err = disabled.Cleanup(context.Background())
	require.NoError(t, err)
	assert.Zero(t, deleted)
}

func TestEntryFromEventIgnoresOtherTypes(t *testing.T) {
	assert.Nil(t, EntryFromEvent(events.Event{Type: "device.status_changed", Source: "x"}))

	entry := EntryFromEvent(events.Event{Type: events.TypeAdapterRemoved, Source: "x"})
	require.NotNil(t, entry)
	assert.Equal(t, KindRemoved, entry.Kind)
	assert.False(t, entry.CreatedAt.IsZero())
}

func TestBuildListQuery(t *testing.T) {
	since := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	query, args := buildListQuery(&Filter{Adapter: "plc", Kind: KindError, Since: &since, Limit: 5})

	assert.Contains(t, query, "WHERE adapter = $1 AND kind = $2 AND created_at >= $3")
	assert.Contains(t, query, "LIMIT $4")
	assert.Equal(t, []interface{}{"plc", "error", since, 5}, args)

	query, args = buildListQuery(nil)
	assert.NotContains(t, query, "WHERE")
	assert.Contains(t, query, "LIMIT $1")
	assert.Equal(t, []interface{}{defaultListLimit}, args)
}
