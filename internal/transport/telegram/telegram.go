// Package telegram implements transport.Client on top of the Bot API.
package telegram

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"tubewatch/internal/transport"
)

type Config struct {
	Token string
	// RatePerSec caps outbound calls across all chats. 0 means 30 (the Bot
	// API's global limit).
	RatePerSec int
	// CallTimeout is the wall-clock budget per API call; a call that exceeds
	// it surfaces as a lock timeout, not a remote error. 0 means 60s.
	CallTimeout time.Duration
	// Offline skips the getMe handshake (tests).
	Offline bool
}

type Adapter struct {
	bot     *tele.Bot
	limiter *rate.Limiter
	log     zerolog.Logger
}

var _ transport.Client = (*Adapter)(nil)

func New(cfg Config, log zerolog.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" && !cfg.Offline {
		return nil, errors.New("telegram token is empty")
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 30
	}
	callTimeout := cfg.CallTimeout
	if callTimeout <= 0 {
		callTimeout = 60 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		Offline: cfg.Offline,
		// The client timeout is the lock budget: a hung call is aborted here
		// and classified as a lock timeout instead of hanging a slot.
		Client: &http.Client{Timeout: callTimeout},
	})
	if err != nil {
		return nil, err
	}
	return &Adapter{
		bot:     b,
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
		log:     log,
	}, nil
}

func (a *Adapter) SendMessage(ctx context.Context, chatID int64, text string, opts *transport.SendOptions) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return classify("sendMessage", err)
	}
	_, err := a.bot.Send(&tele.Chat{ID: chatID}, text, toTeleOpts(opts))
	return classify("sendMessage", err)
}

func (a *Adapter) SendPhotoByURL(ctx context.Context, chatID int64, photoURL, caption string, opts *transport.SendOptions) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return classify("sendPhoto", err)
	}
	photo := &tele.Photo{File: tele.FromURL(photoURL), Caption: caption}
	_, err := a.bot.Send(&tele.Chat{ID: chatID}, photo, toTeleOpts(opts))
	return classify("sendPhoto", err)
}

func (a *Adapter) SendChatAction(ctx context.Context, chatID int64, action transport.ChatAction) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return classify("sendChatAction", err)
	}
	err := a.bot.Notify(&tele.Chat{ID: chatID}, tele.ChatAction(action))
	return classify("sendChatAction", err)
}

func toTeleOpts(opts *transport.SendOptions) *tele.SendOptions {
	if opts == nil {
		return &tele.SendOptions{}
	}
	return &tele.SendOptions{
		ParseMode:             opts.ParseMode,
		DisableWebPagePreview: opts.DisablePreview,
	}
}

// blockedErrs are the Bot API responses that mean the recipient is gone for
// good: retrying can never succeed, the chat should be removed.
var blockedErrs = []error{
	tele.ErrBlockedByUser,
	tele.ErrUserIsDeactivated,
	tele.ErrNotStartedByUser,
	tele.ErrChatNotFound,
	tele.ErrKickedFromGroup,
	tele.ErrKickedFromSuperGroup,
	tele.ErrKickedFromChannel,
}

// classify maps a raw telebot error onto the closed transport error kinds.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	for _, blocked := range blockedErrs {
		if errors.Is(err, blocked) {
			return &transport.Error{Kind: transport.KindBlocked, Op: op, Err: err}
		}
	}
	var flood tele.FloodError
	if errors.As(err, &flood) {
		return &transport.Error{Kind: transport.KindFlood, Op: op, Err: err}
	}
	if isTimeout(err) {
		return &transport.Error{Kind: transport.KindLockTimeout, Op: op, Err: err}
	}
	return &transport.Error{Kind: transport.KindUnknown, Op: op, Err: err}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	var ue *url.Error
	return errors.As(err, &ue) && ue.Timeout()
}
