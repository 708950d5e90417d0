package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"tubewatch/internal/storage"
	"tubewatch/internal/transport"
)

type stepResult int

const (
	// stepYield means the sender still has (or may have) work and should be
	// suspended for another turn.
	stepYield stepResult = iota
	// stepDone means the sender drained its queue or hit a terminal
	// condition and must be retired from the registry.
	stepDone
)

// chatSender drains one chat's pending-delivery queue, one video per step.
//
// The offset cursor normally stays at zero because delivered and dropped rows
// are deleted as the sender goes; it only advances past rows the sender had
// to leave behind (a failed delete), so pagination never re-reads them.
type chatSender struct {
	svc    *Service
	chatID int64
	log    zerolog.Logger

	offset int
	batch  []string
	errs   int // consecutive transient step failures, reset on progress
}

func newChatSender(svc *Service, chatID int64) *chatSender {
	return &chatSender{
		svc:    svc,
		chatID: chatID,
		log:    svc.log.With().Int64("chat_id", chatID).Logger(),
	}
}

// step advances the sender by one delivery. It fetches the next page of
// pending video ids when the in-memory batch is empty, then delivers exactly
// one video. Transient failures are returned to the scheduler; terminal
// conditions are resolved here.
func (cs *chatSender) step(ctx context.Context) (stepResult, error) {
	if err := ctx.Err(); err != nil {
		return stepYield, err
	}

	if len(cs.batch) == 0 {
		// Refresh the send fence so the next Check scan does not register a
		// second sender for this chat while we are still draining it.
		if err := cs.svc.store.SetChatsSendTimeout(ctx, []int64{cs.chatID}, cs.svc.cfg.SendTimeout); err != nil {
			return stepYield, fmt.Errorf("stamp send fence: %w", err)
		}
		ids, err := cs.svc.store.PendingVideoIDs(ctx, cs.chatID, cs.svc.cfg.PageSize, cs.offset)
		if err != nil {
			return stepYield, fmt.Errorf("fetch pending page: %w", err)
		}
		if len(ids) == 0 {
			cs.log.Debug().Msg("dispatch: chat drained")
			return stepDone, nil
		}
		cs.batch = ids
	}

	videoID := cs.batch[0]
	video, err := cs.svc.videos.Get(ctx, videoID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// Terminal for this pair only: drop it and move on.
			cs.log.Warn().Str("video_id", videoID).Msg("dispatch: pending video vanished, dropping")
			cs.shift(ctx, videoID)
			return stepYield, nil
		}
		return stepYield, fmt.Errorf("resolve video %s: %w", videoID, err)
	}

	// Inter-send pacing; also the step's cancellation point.
	select {
	case <-ctx.Done():
		return stepYield, ctx.Err()
	case <-time.After(cs.svc.cfg.SendDelay):
	}

	if err := cs.deliver(ctx, video); err != nil {
		if transport.IsBlocked(err) {
			// Terminal for the whole chat: stop driving it and remove it.
			cs.log.Info().Err(err).Msg("dispatch: recipient blocked, removing chat")
			if derr := cs.svc.store.DeleteChatsByIDs(ctx, []int64{cs.chatID}); derr != nil {
				return stepYield, fmt.Errorf("remove blocked chat: %w", derr)
			}
			return stepDone, nil
		}
		return stepYield, fmt.Errorf("deliver video %s: %w", videoID, err)
	}

	cs.log.Debug().Str("video_id", videoID).Msg("dispatch: delivered")
	cs.shift(ctx, videoID)
	return stepYield, nil
}

// shift removes the head of the batch and its pending row. If the row cannot
// be deleted the cursor skips past it instead, so the next page fetch does
// not return it again.
func (cs *chatSender) shift(ctx context.Context, videoID string) {
	cs.batch = cs.batch[1:]
	if err := cs.svc.store.DeletePendingDelivery(ctx, cs.chatID, videoID); err != nil {
		cs.offset++
		cs.log.Warn().Str("video_id", videoID).Err(err).Msg("dispatch: failed to delete pending row, skipping it")
	}
}

func (cs *chatSender) deliver(ctx context.Context, v storage.Video) error {
	text := renderText(v)
	if v.PreviewURL != "" {
		return cs.svc.client.SendPhotoByURL(ctx, cs.chatID, v.PreviewURL, text, nil)
	}
	return cs.svc.client.SendMessage(ctx, cs.chatID, text, nil)
}

func renderText(v storage.Video) string {
	title := v.Title
	if v.ChannelTitle != "" {
		title = v.ChannelTitle + ": " + title
	}
	if v.URL == "" {
		return title
	}
	return title + "\n" + v.URL
}
