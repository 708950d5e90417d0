package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a row does not exist. A missing video is a
// terminal condition for a single pending delivery, never for the chat.
var ErrNotFound = errors.New("storage: not found")

// Channel is an external content source one or more chats follow.
//
// LastSyncAt is the watermark: nil means the channel has never been synced.
// SyncTimeoutExpiresAt is a fencing timestamp; while it is in the future the
// channel is not selected for sync again.
type Channel struct {
	ID                   string
	Service              string
	Title                string
	LastSyncAt           *time.Time
	SyncTimeoutExpiresAt *time.Time
}

// Chat is a message recipient. Data is an opaque client-specific state blob.
type Chat struct {
	ID                   int64
	Data                 string
	SendTimeoutExpiresAt *time.Time
}

// Video is a discovered feed item. Immutable once created.
type Video struct {
	ID           string
	ChannelID    string
	ChannelTitle string // filled by VideoWithChannelByID
	Title        string
	URL          string
	PreviewURL   string
	PublishedAt  time.Time
}

// Store is the full persistence API. Consumers declare the narrow subset
// they need; the sqlite implementation satisfies all of it.
type Store interface {
	// chats and subscriptions
	EnsureChat(ctx context.Context, id int64) error
	ChatsByIDs(ctx context.Context, ids []int64) ([]Chat, error)
	ChatIDsPage(ctx context.Context, offset, limit int) ([]int64, error)
	DeleteChatsByIDs(ctx context.Context, ids []int64) error
	SetChatsSendTimeout(ctx context.Context, ids []int64, d time.Duration) error
	AddSubscription(ctx context.Context, chatID int64, ch Channel) error
	RemoveSubscription(ctx context.Context, chatID int64, channelID string) error
	Subscriptions(ctx context.Context, chatID int64) ([]Channel, error)

	// channels
	ChannelsForSync(ctx context.Context) ([]Channel, error)
	SetChannelsSyncTimeout(ctx context.Context, ids []string, d time.Duration) error
	SetChannelsLastSyncAt(ctx context.Context, ids []string, at time.Time) error
	CleanUnusedChannels(ctx context.Context) (int64, error)

	// videos and pending deliveries
	AddVideoWithDeliveries(ctx context.Context, v Video) (bool, error)
	VideoByID(ctx context.Context, id string) (Video, error)
	VideoWithChannelByID(ctx context.Context, id string) (Video, error)
	ChatIDsWithPending(ctx context.Context) ([]int64, error)
	PendingVideoIDs(ctx context.Context, chatID int64, limit, offset int) ([]string, error)
	DeletePendingDelivery(ctx context.Context, chatID int64, videoID string) error

	Close() error
}
