package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"tubewatch/internal/storage"
	"tubewatch/internal/transport"
	"tubewatch/pkg/logx"
)

// ---- fakes ----

type fakeStore struct {
	mu           sync.Mutex
	pending      map[int64][]string
	chatIDs      []int64
	deletedChats map[int64]bool
	fenceStamps  int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		pending:      map[int64][]string{},
		deletedChats: map[int64]bool{},
	}
}

func (f *fakeStore) addPending(chatID int64, videoIDs ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending[chatID] = append(f.pending[chatID], videoIDs...)
	for _, id := range f.chatIDs {
		if id == chatID {
			return
		}
	}
	f.chatIDs = append(f.chatIDs, chatID)
	sort.Slice(f.chatIDs, func(i, j int) bool { return f.chatIDs[i] < f.chatIDs[j] })
}

func (f *fakeStore) ChatIDsWithPending(ctx context.Context) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []int64
	for id, q := range f.pending {
		if len(q) > 0 {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (f *fakeStore) SetChatsSendTimeout(ctx context.Context, ids []int64, d time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fenceStamps++
	return nil
}

func (f *fakeStore) PendingVideoIDs(ctx context.Context, chatID int64, limit, offset int) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q := f.pending[chatID]
	if offset >= len(q) {
		return nil, nil
	}
	q = q[offset:]
	if len(q) > limit {
		q = q[:limit]
	}
	return append([]string(nil), q...), nil
}

func (f *fakeStore) DeletePendingDelivery(ctx context.Context, chatID int64, videoID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	q := f.pending[chatID]
	for i, id := range q {
		if id == videoID {
			f.pending[chatID] = append(q[:i:i], q[i+1:]...)
			return nil
		}
	}
	return nil
}

func (f *fakeStore) DeleteChatsByIDs(ctx context.Context, ids []int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		f.deletedChats[id] = true
		delete(f.pending, id)
		for i, cid := range f.chatIDs {
			if cid == id {
				f.chatIDs = append(f.chatIDs[:i:i], f.chatIDs[i+1:]...)
				break
			}
		}
	}
	return nil
}

func (f *fakeStore) ChatIDsPage(ctx context.Context, offset, limit int) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if offset >= len(f.chatIDs) {
		return nil, nil
	}
	page := f.chatIDs[offset:]
	if len(page) > limit {
		page = page[:limit]
	}
	return append([]int64(nil), page...), nil
}

func (f *fakeStore) pendingFor(chatID int64) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.pending[chatID]...)
}

type fakeResolver struct {
	mu       sync.Mutex
	notFound map[string]bool
}

func (f *fakeResolver) Get(ctx context.Context, id string) (storage.Video, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.notFound[id] {
		return storage.Video{}, storage.ErrNotFound
	}
	// Title doubles as the delivered text so tests can assert order.
	return storage.Video{ID: id, Title: id}, nil
}

type fakeClient struct {
	mu       sync.Mutex
	sends    map[int64][]string
	attempts map[int64]int
	// blockedAfter[chat] = N: the N+1th delivery attempt reports blocked.
	blockedAfter map[int64]int
	failWith     map[int64]error
	delay        time.Duration

	cur, maxSeen int
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		sends:        map[int64][]string{},
		attempts:     map[int64]int{},
		blockedAfter: map[int64]int{},
		failWith:     map[int64]error{},
	}
}

func (f *fakeClient) enter() {
	f.mu.Lock()
	f.cur++
	if f.cur > f.maxSeen {
		f.maxSeen = f.cur
	}
	f.mu.Unlock()
}

func (f *fakeClient) leave() {
	f.mu.Lock()
	f.cur--
	f.mu.Unlock()
}

func (f *fakeClient) SendMessage(ctx context.Context, chatID int64, text string, opts *transport.SendOptions) error {
	f.enter()
	defer f.leave()
	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts[chatID]++
	if limit, ok := f.blockedAfter[chatID]; ok && len(f.sends[chatID]) >= limit {
		return &transport.Error{Kind: transport.KindBlocked, Op: "sendMessage", Err: errors.New("bot was blocked by the user")}
	}
	if err := f.failWith[chatID]; err != nil {
		return err
	}
	f.sends[chatID] = append(f.sends[chatID], text)
	return nil
}

func (f *fakeClient) SendPhotoByURL(ctx context.Context, chatID int64, photoURL, caption string, opts *transport.SendOptions) error {
	return f.SendMessage(ctx, chatID, caption, opts)
}

func (f *fakeClient) SendChatAction(ctx context.Context, chatID int64, action transport.ChatAction) error {
	f.enter()
	defer f.leave()
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts[chatID]++
	if limit, ok := f.blockedAfter[chatID]; ok && len(f.sends[chatID]) >= limit {
		return &transport.Error{Kind: transport.KindBlocked, Op: "sendChatAction", Err: errors.New("bot was blocked by the user")}
	}
	if err := f.failWith[chatID]; err != nil {
		return err
	}
	return nil
}

func (f *fakeClient) sentTo(chatID int64) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sends[chatID]...)
}

func (f *fakeClient) attemptsTo(chatID int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts[chatID]
}

func (f *fakeClient) maxConcurrent() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxSeen
}

func testConfig() Config {
	return Config{
		Slots:         10,
		PageSize:      10,
		SendDelay:     time.Millisecond,
		SendTimeout:   time.Minute,
		MaxStepErrors: 3,
	}
}

func runToQuiescence(t *testing.T, s *Service) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := s.Check(ctx); err != nil {
		t.Fatalf("Check: %v", err)
	}
	if err := s.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}

// ---- tests ----

func TestDeliversAllInFetchOrder(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	var want []string
	for i := 0; i < 25; i++ {
		id := fmt.Sprintf("v%02d", i)
		want = append(want, id)
		store.addPending(1, id)
	}
	client := newFakeClient()
	s := New(testConfig(), store, &fakeResolver{}, client, logx.Nop())

	runToQuiescence(t, s)

	got := client.sentTo(1)
	if len(got) != len(want) {
		t.Fatalf("delivered %d items, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("delivery %d = %q, want %q (order must match fetch order)", i, got[i], want[i])
		}
	}
	if rest := store.pendingFor(1); len(rest) != 0 {
		t.Fatalf("pending rows left: %v", rest)
	}
}

func TestSlotLimitNeverExceeded(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	for chat := int64(1); chat <= 25; chat++ {
		store.addPending(chat, fmt.Sprintf("v-%d", chat))
	}
	client := newFakeClient()
	client.delay = 10 * time.Millisecond
	s := New(testConfig(), store, &fakeResolver{}, client, logx.Nop())

	runToQuiescence(t, s)

	if got := client.maxConcurrent(); got > 10 {
		t.Fatalf("max concurrent deliveries = %d, want <= 10", got)
	}
	total := 0
	for chat := int64(1); chat <= 25; chat++ {
		sent := client.sentTo(chat)
		if len(sent) != 1 {
			t.Fatalf("chat %d got %d deliveries, want 1", chat, len(sent))
		}
		total += len(sent)
	}
	if total != 25 {
		t.Fatalf("total deliveries = %d, want 25", total)
	}
}

func TestBlockedChatStopsAndIsRemoved(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	store.addPending(7, "a", "b", "c")
	client := newFakeClient()
	client.blockedAfter[7] = 1 // first delivery succeeds, second reports blocked
	s := New(testConfig(), store, &fakeResolver{}, client, logx.Nop())

	runToQuiescence(t, s)

	if got := client.sentTo(7); len(got) != 1 || got[0] != "a" {
		t.Fatalf("delivered = %v, want [a]", got)
	}
	if got := client.attemptsTo(7); got != 2 {
		t.Fatalf("attempts = %d, want 2 (one success, one blocked)", got)
	}
	store.mu.Lock()
	deleted := store.deletedChats[7]
	store.mu.Unlock()
	if !deleted {
		t.Fatal("blocked chat was not removed from storage")
	}
	s.mu.Lock()
	registered := len(s.senders)
	s.mu.Unlock()
	if registered != 0 {
		t.Fatalf("registry still holds %d senders", registered)
	}
}

func TestNotFoundDropsPairAndContinues(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	store.addPending(3, "v1", "v2")
	resolver := &fakeResolver{notFound: map[string]bool{"v2": true}}
	client := newFakeClient()
	s := New(testConfig(), store, resolver, client, logx.Nop())

	runToQuiescence(t, s)

	if got := client.sentTo(3); len(got) != 1 || got[0] != "v1" {
		t.Fatalf("delivered = %v, want [v1]", got)
	}
	if rest := store.pendingFor(3); len(rest) != 0 {
		t.Fatalf("pending rows left after not-found drop: %v", rest)
	}
	store.mu.Lock()
	deleted := store.deletedChats[3]
	store.mu.Unlock()
	if deleted {
		t.Fatal("chat must not be removed for an item-level not-found")
	}
}

func TestTransientErrorsRetryBounded(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	store.addPending(9, "x")
	client := newFakeClient()
	client.failWith[9] = errors.New("connection reset")
	s := New(testConfig(), store, &fakeResolver{}, client, logx.Nop())

	runToQuiescence(t, s)

	if got := client.attemptsTo(9); got != 3 {
		t.Fatalf("attempts = %d, want 3 (bounded retry)", got)
	}
	if rest := store.pendingFor(9); len(rest) != 1 {
		t.Fatalf("pending row must survive transient failures, got %v", rest)
	}
	s.mu.Lock()
	registered := len(s.senders)
	s.mu.Unlock()
	if registered != 0 {
		t.Fatal("failing sender must be retired until the next check")
	}

	// The next scan picks the chat up again.
	client.mu.Lock()
	delete(client.failWith, 9)
	client.mu.Unlock()
	runToQuiescence(t, s)
	if got := client.sentTo(9); len(got) != 1 {
		t.Fatalf("delivered after recovery = %v, want one item", got)
	}
}

func TestCheckDoesNotDuplicateActiveSenders(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	for i := 0; i < 20; i++ {
		store.addPending(5, fmt.Sprintf("v%02d", i))
	}
	client := newFakeClient()
	client.delay = 5 * time.Millisecond
	s := New(testConfig(), store, &fakeResolver{}, client, logx.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	added, err := s.Check(ctx)
	if err != nil {
		t.Fatalf("first Check: %v", err)
	}
	if added != 1 {
		t.Fatalf("first Check added = %d, want 1", added)
	}
	// The chat still has pending rows and an active sender: no second sender.
	added, err = s.Check(ctx)
	if err != nil {
		t.Fatalf("second Check: %v", err)
	}
	if added != 0 {
		t.Fatalf("second Check added = %d, want 0 (sender already active)", added)
	}
	if err := s.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	got := client.sentTo(5)
	seen := map[string]bool{}
	for _, id := range got {
		if seen[id] {
			t.Fatalf("item %q delivered twice", id)
		}
		seen[id] = true
	}
	if len(got) != 20 {
		t.Fatalf("delivered %d items, want 20", len(got))
	}
}
