// Package checker discovers new feed items for tracked channels.
//
// On each check it selects channels whose sync fence has elapsed, stamps a
// fresh fence so an outstanding fetch cannot be re-selected, fetches items
// published after each channel's watermark and persists them together with
// their fan-out pending deliveries.
package checker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"tubewatch/internal/feed"
	"tubewatch/internal/storage"
)

// Store is the persistence subset the checker needs.
type Store interface {
	ChannelsForSync(ctx context.Context) ([]storage.Channel, error)
	SetChannelsSyncTimeout(ctx context.Context, ids []string, d time.Duration) error
	SetChannelsLastSyncAt(ctx context.Context, ids []string, at time.Time) error
	AddVideoWithDeliveries(ctx context.Context, v storage.Video) (bool, error)
	CleanUnusedChannels(ctx context.Context) (int64, error)
}

type Config struct {
	// SyncTimeout is the fencing window stamped on selected channels.
	SyncTimeout time.Duration
	// Backfill is how far back a never-synced channel looks.
	Backfill time.Duration
	// FetchParallelism bounds concurrent per-channel feed fetches.
	FetchParallelism int
}

func (c Config) withDefaults() Config {
	if c.SyncTimeout <= 0 {
		c.SyncTimeout = 5 * time.Minute
	}
	if c.Backfill <= 0 {
		c.Backfill = 7 * 24 * time.Hour
	}
	if c.FetchParallelism <= 0 {
		c.FetchParallelism = 4
	}
	return c
}

// Stats summarizes one check run.
type Stats struct {
	RunID     string
	Channels  int
	NewVideos int
	Failed    int
}

type Service struct {
	cfg    Config
	store  Store
	source feed.Source
	log    zerolog.Logger
	now    func() time.Time

	// checkMu and cleanMu keep at most one check / clean running; an
	// overlapping timer tick is a no-op instead of a queued re-run.
	checkMu sync.Mutex
	cleanMu sync.Mutex
}

func New(cfg Config, store Store, source feed.Source, log zerolog.Logger) *Service {
	return &Service{
		cfg:    cfg.withDefaults(),
		store:  store,
		source: source,
		log:    log,
		now:    time.Now,
	}
}

// Check runs one sync pass over all channels due for it.
func (s *Service) Check(ctx context.Context) (Stats, error) {
	stats := Stats{RunID: uuid.NewString()}
	if !s.checkMu.TryLock() {
		return stats, nil
	}
	defer s.checkMu.Unlock()
	log := s.log.With().Str("sync_run", stats.RunID).Logger()

	channels, err := s.store.ChannelsForSync(ctx)
	if err != nil {
		return stats, fmt.Errorf("checker: select channels: %w", err)
	}
	if len(channels) == 0 {
		return stats, nil
	}
	stats.Channels = len(channels)
	startedAt := s.now()

	ids := make([]string, len(channels))
	for i, ch := range channels {
		ids[i] = ch.ID
	}
	if err := s.store.SetChannelsSyncTimeout(ctx, ids, s.cfg.SyncTimeout); err != nil {
		return stats, fmt.Errorf("checker: stamp sync fences: %w", err)
	}

	var mu sync.Mutex
	var synced []string
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.FetchParallelism)
	for _, ch := range channels {
		ch := ch
		g.Go(func() error {
			created, err := s.syncChannel(gctx, ch)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				stats.Failed++
				log.Warn().Str("channel_id", ch.ID).Err(err).Msg("checker: channel sync failed")
				return nil // one channel's failure must not abort the run
			}
			stats.NewVideos += created
			synced = append(synced, ch.ID)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return stats, err
	}

	// The watermark moves to the sync start time, which is at or past every
	// published timestamp the fetch could have seen.
	if len(synced) > 0 {
		if err := s.store.SetChannelsLastSyncAt(ctx, synced, startedAt); err != nil {
			return stats, fmt.Errorf("checker: advance watermarks: %w", err)
		}
	}

	log.Info().Int("channels", stats.Channels).Int("new_videos", stats.NewVideos).Int("failed", stats.Failed).
		Msg("checker: sync finished")
	return stats, nil
}

func (s *Service) syncChannel(ctx context.Context, ch storage.Channel) (int, error) {
	after := s.now().Add(-s.cfg.Backfill)
	if ch.LastSyncAt != nil {
		after = *ch.LastSyncAt
	}
	items, err := s.source.Fetch(ctx, feed.ChannelQuery{ChannelID: ch.ID, PublishedAfter: after})
	if err != nil {
		return 0, err
	}

	created := 0
	for _, it := range items {
		ok, err := s.store.AddVideoWithDeliveries(ctx, storage.Video{
			ID:          it.ID,
			ChannelID:   ch.ID,
			Title:       it.Title,
			URL:         it.URL,
			PreviewURL:  it.PreviewURL,
			PublishedAt: it.PublishedAt,
		})
		if err != nil {
			return created, fmt.Errorf("persist video %s: %w", it.ID, err)
		}
		if ok {
			created++
		}
	}
	return created, nil
}

// Clean deletes channels no chat references anymore.
func (s *Service) Clean(ctx context.Context) (int64, error) {
	if !s.cleanMu.TryLock() {
		return 0, nil
	}
	defer s.cleanMu.Unlock()

	n, err := s.store.CleanUnusedChannels(ctx)
	if err != nil {
		return 0, fmt.Errorf("checker: clean channels: %w", err)
	}
	if n > 0 {
		s.log.Info().Int64("removed", n).Msg("checker: orphaned channels removed")
	}
	return n, nil
}
