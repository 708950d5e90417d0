package dispatch

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"tubewatch/internal/transport"
)

// SweepReport summarizes one existence sweep.
type SweepReport struct {
	RunID   string
	Checked int
	Removed int
	Errored int
}

// SweepChats pages through every known chat and probes each with a cheap
// chat-action call. Chats the transport classifies as permanently blocked are
// bulk-deleted after their page; the next page offset shrinks by the number
// removed so pagination stays correct under the concurrent deletion.
func (s *Service) SweepChats(ctx context.Context) (SweepReport, error) {
	rep := SweepReport{RunID: uuid.NewString()}
	log := s.log.With().Str("sweep_run", rep.RunID).Logger()

	offset := 0
	for {
		ids, err := s.store.ChatIDsPage(ctx, offset, s.cfg.SweepPageSize)
		if err != nil {
			return rep, fmt.Errorf("sweep: page at offset %d: %w", offset, err)
		}
		if len(ids) == 0 {
			break
		}

		blocked := make([]bool, len(ids))
		errored := make([]bool, len(ids))
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(s.cfg.SweepParallelism)
		for i, id := range ids {
			i, id := i, id
			g.Go(func() error {
				err := s.client.SendChatAction(gctx, id, transport.ActionTyping)
				switch {
				case err == nil:
				case transport.IsBlocked(err):
					blocked[i] = true
				default:
					errored[i] = true
					log.Debug().Int64("chat_id", id).Err(err).Msg("sweep: probe failed")
				}
				return nil
			})
		}
		_ = g.Wait()
		if err := ctx.Err(); err != nil {
			return rep, err
		}

		rep.Checked += len(ids)
		var remove []int64
		for i := range ids {
			if blocked[i] {
				remove = append(remove, ids[i])
			}
			if errored[i] {
				rep.Errored++
			}
		}
		if len(remove) > 0 {
			if err := s.store.DeleteChatsByIDs(ctx, remove); err != nil {
				return rep, fmt.Errorf("sweep: delete blocked chats: %w", err)
			}
			rep.Removed += len(remove)
		}

		if len(ids) < s.cfg.SweepPageSize {
			break
		}
		offset += len(ids) - len(remove)
	}

	log.Info().Int("checked", rep.Checked).Int("removed", rep.Removed).Int("errored", rep.Errored).
		Msg("sweep: finished")
	return rep, nil
}
