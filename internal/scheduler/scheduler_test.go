package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/somnolab/somnia/internal/content"
	"github.com/somnolab/somnia/internal/journal"
	"github.com/somnolab/somnia/internal/model"
	"github.com/somnolab/somnia/internal/store"
	"github.com/somnolab/somnia/internal/store/storetest"
)

type fakeNotifier struct {
	mu    sync.Mutex
	sent  []int64
	fail  map[int64]int // chatID -> remaining calls to fail
	calls int
	ch    chan struct{}
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{fail: make(map[int64]int), ch: make(chan struct{}, 64)}
}

func (f *fakeNotifier) Notify(_ context.Context, chatID int64, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fail[chatID] > 0 {
		f.fail[chatID]--
		return errors.New("delivery refused")
	}
	f.sent = append(f.sent, chatID)
	f.ch <- struct{}{}
	return nil
}

func (f *fakeNotifier) delivered() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]int64, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *fakeNotifier) wait(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-f.ch:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for delivery %d of %d", i+1, n)
		}
	}
}

func newTestScheduler(t *testing.T, at time.Time, cfg Config) (*Scheduler, store.Store, *fakeNotifier) {
	t.Helper()
	st := storetest.NewMem()
	svc := journal.New(st, zerolog.Nop())
	n := newFakeNotifier()
	if cfg.RetryBackoff == 0 {
		cfg.RetryBackoff = time.Millisecond
	}
	s := New(st, svc, n, cfg, zerolog.Nop())
	s.now = func() time.Time { return at }
	s.prime(at)
	return s, st, n
}

func addUser(t *testing.T, st store.Store, userID, chatID int64) {
	t.Helper()
	_, err := st.Users().Upsert(context.Background(), &model.User{UserID: userID, ChatID: chatID, TimeZone: "UTC"})
	require.NoError(t, err)
}

func TestRealityCheckFiresAtSlot(t *testing.T) {
	base := time.Date(2026, 3, 2, 6, 59, 0, 0, time.UTC) // Monday, just before 07:00
	s, st, n := newTestScheduler(t, base, Config{RealityCheckTZ: time.UTC})
	addUser(t, st, 1, 100)
	ctx := context.Background()

	require.NoError(t, s.tickOnce(ctx, base))
	require.Empty(t, n.delivered(), "nothing due before the slot")

	require.NoError(t, s.tickOnce(ctx, base.Add(2*time.Minute)))
	n.wait(t, 1)
	require.Equal(t, []int64{100}, n.delivered())
	require.Equal(t, uint64(1), s.Counts()["reality_check"])

	// The same slot does not fire again on the next tick.
	require.NoError(t, s.tickOnce(ctx, base.Add(3*time.Minute)))
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, uint64(1), s.Counts()["reality_check"])
}

func TestMissedOccurrencesFireOnceWithoutBackfill(t *testing.T) {
	base := time.Date(2026, 3, 2, 6, 0, 0, 0, time.UTC) // Monday
	s, st, n := newTestScheduler(t, base, Config{RealityCheckTZ: time.UTC})
	addUser(t, st, 1, 100)
	require.NoError(t, s.journal.SeedExercises(context.Background(), content.SeedExercises))

	// A week passes without a single tick.
	later := base.AddDate(0, 0, 7)
	require.NoError(t, s.tickOnce(context.Background(), later))

	// 3 reality check slots + 1 weekly exercise, not 21 + 1.
	n.wait(t, 4)
	counts := s.Counts()
	require.Equal(t, uint64(3), counts["reality_check"])
	require.Equal(t, uint64(1), counts["weekly_exercise"])
}

func TestRescheduleNeverBeforeNow(t *testing.T) {
	base := time.Date(2026, 3, 2, 6, 0, 0, 0, time.UTC)
	s, _, _ := newTestScheduler(t, base, Config{RealityCheckTZ: time.UTC})

	later := base.AddDate(0, 0, 9)
	require.NoError(t, s.tickOnce(context.Background(), later))

	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(t, s.queue)
	for _, j := range s.queue {
		require.True(t, j.at.After(later), "job %s scheduled at %s, now %s", j.kind, j.at, later)
	}
}

func TestWeeklyExerciseOnSundayMorning(t *testing.T) {
	sat := time.Date(2026, 3, 7, 12, 0, 0, 0, time.UTC) // Saturday noon
	s, st, n := newTestScheduler(t, sat, Config{RealityCheckTZ: time.UTC})
	addUser(t, st, 1, 100)
	addUser(t, st, 2, 200)
	ctx := context.Background()
	require.NoError(t, s.journal.SeedExercises(ctx, content.SeedExercises))

	sunEarly := time.Date(2026, 3, 8, 8, 0, 0, 0, time.UTC)
	require.NoError(t, s.tickOnce(ctx, sunEarly))
	require.Equal(t, uint64(0), s.Counts()["weekly_exercise"])

	sunLate := time.Date(2026, 3, 8, 9, 1, 0, 0, time.UTC)
	require.NoError(t, s.tickOnce(ctx, sunLate))
	n.wait(t, 2)
	require.Equal(t, uint64(1), s.Counts()["weekly_exercise"])
	require.ElementsMatch(t, []int64{100, 200}, n.delivered())
}

func TestCustomReminderLifecycle(t *testing.T) {
	base := time.Date(2026, 3, 2, 5, 0, 0, 0, time.UTC)
	s, st, n := newTestScheduler(t, base, Config{RealityCheckTZ: time.UTC})
	addUser(t, st, 1, 100)
	ctx := context.Background()

	slot := "06:00"
	require.NoError(t, st.Users().SetReminder(ctx, 1, &slot))

	// First tick queues it, nothing fires yet.
	require.NoError(t, s.tickOnce(ctx, base))
	require.Empty(t, n.delivered())

	require.NoError(t, s.tickOnce(ctx, base.Add(90*time.Minute)))
	n.wait(t, 1)
	require.Equal(t, uint64(1), s.Counts()["custom_reminder"])

	// Clearing the setting stops future occurrences, the queued entry is
	// dropped lazily.
	require.NoError(t, st.Users().SetReminder(ctx, 1, nil))
	require.NoError(t, s.tickOnce(ctx, base.AddDate(0, 0, 1).Add(90*time.Minute)))
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, uint64(1), s.Counts()["custom_reminder"])
}

func TestReminderSlotChangeTakesEffect(t *testing.T) {
	base := time.Date(2026, 3, 2, 5, 0, 0, 0, time.UTC)
	s, st, n := newTestScheduler(t, base, Config{RealityCheckTZ: time.UTC})
	addUser(t, st, 1, 100)
	ctx := context.Background()

	early := "06:00"
	require.NoError(t, st.Users().SetReminder(ctx, 1, &early))
	require.NoError(t, s.tickOnce(ctx, base))

	late := "23:00"
	require.NoError(t, st.Users().SetReminder(ctx, 1, &late))
	require.NoError(t, s.tickOnce(ctx, base.Add(30*time.Minute)))

	// The stale 06:00 entry must not fire.
	require.NoError(t, s.tickOnce(ctx, base.Add(90*time.Minute)))
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, uint64(0), s.Counts()["custom_reminder"])

	require.NoError(t, s.tickOnce(ctx, time.Date(2026, 3, 2, 23, 5, 0, 0, time.UTC)))
	n.wait(t, 1)
	require.Equal(t, uint64(1), s.Counts()["custom_reminder"])
}

func TestDeliveryRetriedOnce(t *testing.T) {
	base := time.Date(2026, 3, 2, 6, 59, 0, 0, time.UTC)
	s, st, n := newTestScheduler(t, base, Config{RealityCheckTZ: time.UTC, Retries: 1})
	addUser(t, st, 1, 100)
	n.fail[100] = 1 // first attempt refused, retry succeeds

	require.NoError(t, s.tickOnce(context.Background(), base.Add(2*time.Minute)))
	n.wait(t, 1)
	require.Equal(t, []int64{100}, n.delivered())
}

func TestFailingChatDoesNotBlockOthers(t *testing.T) {
	base := time.Date(2026, 3, 2, 6, 59, 0, 0, time.UTC)
	s, st, n := newTestScheduler(t, base, Config{RealityCheckTZ: time.UTC, Retries: 0})
	addUser(t, st, 1, 100)
	addUser(t, st, 2, 200)
	n.fail[100] = 10 // chat 100 is down

	require.NoError(t, s.tickOnce(context.Background(), base.Add(2*time.Minute)))
	n.wait(t, 1)
	require.Equal(t, []int64{200}, n.delivered())
}
