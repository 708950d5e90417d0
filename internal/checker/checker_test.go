package checker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"tubewatch/internal/feed"
	"tubewatch/internal/storage"
	"tubewatch/pkg/logx"
)

type fakeStore struct {
	mu       sync.Mutex
	channels []storage.Channel
	fenced   []string
	lastSync map[string]time.Time
	videos   map[string]storage.Video
	cleaned  int64
}

func newFakeStore(channels ...storage.Channel) *fakeStore {
	return &fakeStore{
		channels: channels,
		lastSync: map[string]time.Time{},
		videos:   map[string]storage.Video{},
	}
}

func (f *fakeStore) ChannelsForSync(ctx context.Context) ([]storage.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]storage.Channel(nil), f.channels...), nil
}

func (f *fakeStore) SetChannelsSyncTimeout(ctx context.Context, ids []string, d time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fenced = append(f.fenced, ids...)
	return nil
}

func (f *fakeStore) SetChannelsLastSyncAt(ctx context.Context, ids []string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		f.lastSync[id] = at
	}
	return nil
}

func (f *fakeStore) AddVideoWithDeliveries(ctx context.Context, v storage.Video) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.videos[v.ID]; ok {
		return false, nil
	}
	f.videos[v.ID] = v
	return true, nil
}

func (f *fakeStore) CleanUnusedChannels(ctx context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cleaned, nil
}

type fakeSource struct {
	mu      sync.Mutex
	queries map[string]feed.ChannelQuery
	items   map[string][]feed.Item
	fail    map[string]error
	// fencedFirst records whether the fence stamp happened before any fetch.
	store       *fakeStore
	fencedFirst bool
	checked     bool
}

func (f *fakeSource) Fetch(ctx context.Context, q feed.ChannelQuery) ([]feed.Item, error) {
	f.mu.Lock()
	if !f.checked {
		f.store.mu.Lock()
		f.fencedFirst = len(f.store.fenced) > 0
		f.store.mu.Unlock()
		f.checked = true
	}
	f.queries[q.ChannelID] = q
	items := f.items[q.ChannelID]
	err := f.fail[q.ChannelID]
	f.mu.Unlock()
	return items, err
}

func TestCheckSyncsDueChannels(t *testing.T) {
	t.Parallel()
	t0 := time.Now().Add(-2 * time.Hour).Truncate(time.Second)
	store := newFakeStore(
		storage.Channel{ID: "fresh"},
		storage.Channel{ID: "seen", LastSyncAt: &t0},
		storage.Channel{ID: "bad", LastSyncAt: &t0},
	)
	source := &fakeSource{
		store:   store,
		queries: map[string]feed.ChannelQuery{},
		items: map[string][]feed.Item{
			"fresh": {
				{ID: "v1", ChannelID: "fresh", Title: "one", PublishedAt: time.Now()},
				{ID: "v2", ChannelID: "fresh", Title: "two", PublishedAt: time.Now()},
			},
			"seen": {
				{ID: "v2", ChannelID: "seen", Title: "dup", PublishedAt: time.Now()},
			},
		},
		fail: map[string]error{"bad": errors.New("quota exceeded")},
	}
	cfg := Config{SyncTimeout: 5 * time.Minute, Backfill: 48 * time.Hour}
	s := New(cfg, store, source, logx.Nop())

	before := time.Now()
	stats, err := s.Check(context.Background())
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	after := time.Now()

	if stats.Channels != 3 {
		t.Fatalf("Channels = %d, want 3", stats.Channels)
	}
	// v2 is seen twice across channels; only the first insert counts.
	if stats.NewVideos != 2 {
		t.Fatalf("NewVideos = %d, want 2", stats.NewVideos)
	}
	if stats.Failed != 1 {
		t.Fatalf("Failed = %d, want 1", stats.Failed)
	}

	if !source.fencedFirst {
		t.Fatal("sync fences must be stamped before the first fetch")
	}
	store.mu.Lock()
	fenced := len(store.fenced)
	store.mu.Unlock()
	if fenced != 3 {
		t.Fatalf("fenced %d channels, want 3", fenced)
	}

	// Watermarks: never-synced channels look back by the backfill window,
	// synced channels from their last watermark.
	q := source.queries["fresh"]
	wantAfter := before.Add(-cfg.Backfill)
	if q.PublishedAfter.Before(wantAfter.Add(-2*time.Second)) || q.PublishedAfter.After(after.Add(-cfg.Backfill).Add(2*time.Second)) {
		t.Fatalf("fresh PublishedAfter = %v, want about %v", q.PublishedAfter, wantAfter)
	}
	if got := source.queries["seen"].PublishedAfter; !got.Equal(t0) {
		t.Fatalf("seen PublishedAfter = %v, want %v", got, t0)
	}

	// lastSyncAt advances only for channels that fetched successfully, to a
	// time at or past everything the fetch could have seen.
	store.mu.Lock()
	defer store.mu.Unlock()
	for _, id := range []string{"fresh", "seen"} {
		at, ok := store.lastSync[id]
		if !ok {
			t.Fatalf("lastSyncAt not advanced for %s", id)
		}
		if at.Before(before) || at.After(after) {
			t.Fatalf("lastSyncAt for %s = %v, want within [%v, %v]", id, at, before, after)
		}
	}
	if _, ok := store.lastSync["bad"]; ok {
		t.Fatal("lastSyncAt must not advance for a failed channel")
	}
}

func TestCheckNoChannelsIsNoop(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	source := &fakeSource{store: store, queries: map[string]feed.ChannelQuery{}}
	s := New(Config{}, store, source, logx.Nop())

	stats, err := s.Check(context.Background())
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if stats.Channels != 0 || stats.NewVideos != 0 {
		t.Fatalf("stats = %+v, want zeros", stats)
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.fenced) != 0 {
		t.Fatal("no fences should be stamped when nothing is due")
	}
}

func TestCleanReportsRemovals(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	store.cleaned = 4
	s := New(Config{}, store, &fakeSource{store: store, queries: map[string]feed.ChannelQuery{}}, logx.Nop())

	n, err := s.Clean(context.Background())
	if err != nil {
		t.Fatalf("Clean: %v", err)
	}
	if n != 4 {
		t.Fatalf("Clean = %d, want 4", n)
	}
}
