// Package transport defines the outbound messaging surface the dispatch
// pipeline talks to, plus the closed error classification shared by the
// chat senders and the existence sweep.
package transport

import "context"

// ChatAction is a lightweight presence signal (e.g. "typing"). The existence
// sweep uses it as a liveness probe because it is the cheapest call that
// still surfaces a blocked-recipient error.
type ChatAction string

const (
	ActionTyping      ChatAction = "typing"
	ActionUploadPhoto ChatAction = "upload_photo"
)

// SendOptions tweaks message rendering. Nil means transport defaults.
type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// Client is the outbound messaging API consumed by the dispatch pipeline.
// Implementations own their internal rate limiting; callers only see the
// classified errors defined in this package.
type Client interface {
	SendMessage(ctx context.Context, chatID int64, text string, opts *SendOptions) error
	SendPhotoByURL(ctx context.Context, chatID int64, photoURL, caption string, opts *SendOptions) error
	SendChatAction(ctx context.Context, chatID int64, action ChatAction) error
}
