// Package dispatch drives pending deliveries to completion.
//
// The scheduler owns a bounded pool of in-flight slots and a queue of
// suspended per-chat senders. Each scheduling turn advances one sender by one
// step, so a slow or failing chat occupies at most one slot and cannot starve
// the others.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tubewatch/internal/storage"
	"tubewatch/internal/transport"
)

// Store is the persistence subset the dispatcher needs.
type Store interface {
	ChatIDsWithPending(ctx context.Context) ([]int64, error)
	SetChatsSendTimeout(ctx context.Context, ids []int64, d time.Duration) error
	PendingVideoIDs(ctx context.Context, chatID int64, limit, offset int) ([]string, error)
	DeletePendingDelivery(ctx context.Context, chatID int64, videoID string) error
	DeleteChatsByIDs(ctx context.Context, ids []int64) error
	ChatIDsPage(ctx context.Context, offset, limit int) ([]int64, error)
}

// VideoResolver resolves a pending video id to full video data.
type VideoResolver interface {
	Get(ctx context.Context, id string) (storage.Video, error)
}

type Config struct {
	// Slots bounds how many senders are advanced concurrently.
	Slots int
	// PageSize is how many pending video ids a sender fetches per page.
	PageSize int
	// SendDelay is the pause before each delivery, respecting downstream
	// rate limits.
	SendDelay time.Duration
	// SendTimeout is the fencing window stamped on chats being drained.
	SendTimeout time.Duration
	// MaxStepErrors retires a sender after that many consecutive transient
	// step failures instead of retrying forever.
	MaxStepErrors int

	SweepPageSize    int
	SweepParallelism int
}

func (c Config) withDefaults() Config {
	if c.Slots <= 0 {
		c.Slots = 10
	}
	if c.PageSize <= 0 {
		c.PageSize = 10
	}
	if c.SendDelay <= 0 {
		c.SendDelay = 150 * time.Millisecond
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 5 * time.Minute
	}
	if c.MaxStepErrors <= 0 {
		c.MaxStepErrors = 3
	}
	if c.SweepPageSize <= 0 {
		c.SweepPageSize = 100
	}
	if c.SweepParallelism <= 0 {
		c.SweepParallelism = 10
	}
	return c
}

type Service struct {
	cfg    Config
	store  Store
	videos VideoResolver
	client transport.Client
	log    zerolog.Logger

	// checkMu collapses bursts of Check triggers into one scan.
	checkMu sync.Mutex

	// mu guards the registry, the suspended queue and the run-loop state.
	// Invariant: a chat id is in senders exactly while its sender is either
	// suspended or occupying a slot, never both.
	mu        sync.Mutex
	senders   map[int64]*chatSender
	suspended []*chatSender
	running   bool
	runDone   chan struct{}
}

func New(cfg Config, store Store, videos VideoResolver, client transport.Client, log zerolog.Logger) *Service {
	return &Service{
		cfg:     cfg.withDefaults(),
		store:   store,
		videos:  videos,
		client:  client,
		log:     log,
		senders: map[int64]*chatSender{},
	}
}

// Check scans storage for chats with pending deliveries, registers a sender
// for each chat that does not have one yet and makes sure the run loop is
// going. Overlapping calls collapse: a Check issued while another is scanning
// returns immediately.
func (s *Service) Check(ctx context.Context) (int, error) {
	if !s.checkMu.TryLock() {
		return 0, nil
	}
	defer s.checkMu.Unlock()

	chatIDs, err := s.store.ChatIDsWithPending(ctx)
	if err != nil {
		return 0, fmt.Errorf("dispatch check: %w", err)
	}

	s.mu.Lock()
	fresh := chatIDs[:0:0]
	for _, id := range chatIDs {
		if _, ok := s.senders[id]; !ok {
			fresh = append(fresh, id)
		}
	}
	s.mu.Unlock()

	if len(fresh) == 0 {
		return 0, nil
	}
	if err := s.store.SetChatsSendTimeout(ctx, fresh, s.cfg.SendTimeout); err != nil {
		return 0, fmt.Errorf("dispatch check: stamp send fences: %w", err)
	}

	added := 0
	s.mu.Lock()
	for _, id := range fresh {
		if _, ok := s.senders[id]; ok {
			continue
		}
		cs := newChatSender(s, id)
		s.senders[id] = cs
		s.suspended = append(s.suspended, cs)
		added++
	}
	start := !s.running && len(s.suspended) > 0
	if start {
		s.running = true
		s.runDone = make(chan struct{})
	}
	s.mu.Unlock()

	if start {
		go s.run(ctx)
	}
	if added > 0 {
		s.log.Debug().Int("added", added).Msg("dispatch: senders registered")
	}
	return added, nil
}

// Wait blocks until the current run loop (if any) drains.
func (s *Service) Wait(ctx context.Context) error {
	for {
		s.mu.Lock()
		if !s.running {
			s.mu.Unlock()
			return nil
		}
		done := s.runDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

type stepOutcome struct {
	cs       *chatSender
	res      stepResult
	err      error
	panicked bool
}

// run is the work-conserving loop: it never lets a slot idle while suspended
// work exists and never exceeds cfg.Slots concurrent steps. Exactly one run
// loop exists at a time (the running flag), and it keeps the context of the
// Check call that started it; a later Check that only enqueues work does not
// replace it, so all senders of one run share one cancellation.
func (s *Service) run(ctx context.Context) {
	results := make(chan stepOutcome)
	inFlight := 0
	for {
		if ctx.Err() != nil {
			s.retireSuspended()
		}
		for inFlight < s.cfg.Slots {
			cs := s.popSuspended()
			if cs == nil {
				break
			}
			inFlight++
			go s.drive(ctx, cs, results)
		}
		if inFlight == 0 {
			if s.tryFinish() {
				return
			}
			continue // work arrived between the pop and the finish check
		}
		out := <-results
		inFlight--
		s.settle(ctx, out)
	}
}

func (s *Service) drive(ctx context.Context, cs *chatSender, results chan<- stepOutcome) {
	out := stepOutcome{cs: cs}
	defer func() {
		if rec := recover(); rec != nil {
			out.err = fmt.Errorf("step panic: %v", rec)
			out.panicked = true
		}
		results <- out
	}()
	out.res, out.err = cs.step(ctx)
}

func (s *Service) settle(ctx context.Context, out stepOutcome) {
	cs := out.cs
	switch {
	case out.panicked:
		s.log.Error().Int64("chat_id", cs.chatID).Err(out.err).Msg("dispatch: sender step panicked, retiring")
		s.retire(cs)
	case out.err != nil:
		if ctx.Err() != nil || errors.Is(out.err, context.Canceled) {
			s.retire(cs)
			return
		}
		cs.errs++
		if cs.errs >= s.cfg.MaxStepErrors {
			s.log.Warn().Int64("chat_id", cs.chatID).Int("attempts", cs.errs).Err(out.err).
				Msg("dispatch: sender keeps failing, retiring until next check")
			s.retire(cs)
			return
		}
		s.log.Debug().Int64("chat_id", cs.chatID).Err(out.err).Msg("dispatch: step failed, will retry")
		s.resuspend(cs)
	case out.res == stepDone:
		s.retire(cs)
	default:
		cs.errs = 0
		s.resuspend(cs)
	}
}

func (s *Service) popSuspended() *chatSender {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.suspended) == 0 {
		return nil
	}
	cs := s.suspended[0]
	s.suspended = s.suspended[1:]
	return cs
}

func (s *Service) resuspend(cs *chatSender) {
	s.mu.Lock()
	s.suspended = append(s.suspended, cs)
	s.mu.Unlock()
}

func (s *Service) retire(cs *chatSender) {
	s.mu.Lock()
	delete(s.senders, cs.chatID)
	s.mu.Unlock()
}

func (s *Service) retireSuspended() {
	s.mu.Lock()
	for _, cs := range s.suspended {
		delete(s.senders, cs.chatID)
	}
	s.suspended = nil
	s.mu.Unlock()
}

func (s *Service) tryFinish() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.suspended) > 0 {
		return false
	}
	s.running = false
	close(s.runDone)
	return true
}
