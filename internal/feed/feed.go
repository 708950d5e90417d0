// Package feed defines the abstract "fetch new items since a watermark"
// operation the checker drives. Provider-specific clients live in
// subpackages.
package feed

import (
	"context"
	"errors"
	"time"
)

// ErrLockTimeout marks a fetch that exceeded its wall-clock budget and was
// force-aborted, as opposed to an error reported by the remote side.
var ErrLockTimeout = errors.New("feed: lock timeout fired")

// Item is one discovered feed entry.
type Item struct {
	ID          string
	ChannelID   string
	Title       string
	URL         string
	PreviewURL  string
	PublishedAt time.Time
}

// ChannelQuery asks for items of one channel published after the watermark.
type ChannelQuery struct {
	ChannelID      string
	PublishedAfter time.Time
}

// Source fetches new items for one channel. Implementations handle their own
// pagination; the checker only sees the flattened result.
type Source interface {
	Fetch(ctx context.Context, q ChannelQuery) ([]Item, error)
}

// SourceFunc adapts a function to the Source interface.
type SourceFunc func(ctx context.Context, q ChannelQuery) ([]Item, error)

func (f SourceFunc) Fetch(ctx context.Context, q ChannelQuery) ([]Item, error) {
	return f(ctx, q)
}
