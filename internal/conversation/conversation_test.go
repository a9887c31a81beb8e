package conversation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/somnolab/somnia/internal/journal"
	"github.com/somnolab/somnia/internal/model"
	"github.com/somnolab/somnia/internal/store"
	"github.com/somnolab/somnia/internal/store/storetest"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []Message
	done chan struct{}
}

func newFakeSender() *fakeSender {
	return &fakeSender{done: make(chan struct{}, 16)}
}

func (f *fakeSender) Send(_ context.Context, msg Message) error {
	f.mu.Lock()
	f.sent = append(f.sent, msg)
	f.mu.Unlock()
	f.done <- struct{}{}
	return nil
}

func (f *fakeSender) messages() []Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Message, len(f.sent))
	copy(out, f.sent)
	return out
}

type fakeGenerator struct {
	mu      sync.Mutex
	interp  string
	err     error
	release chan struct{} // when non-nil, calls block until closed
	calls   int
}

func (f *fakeGenerator) InterpretLatest(ctx context.Context, userID int64) (*model.Interpretation, error) {
	f.mu.Lock()
	f.calls++
	release := f.release
	f.mu.Unlock()
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return &model.Interpretation{UserID: userID, Text: f.interp}, nil
}

func (f *fakeGenerator) Generate(ctx context.Context, userID int64) (*model.Interpretation, *model.Protocol, error) {
	in, err := f.InterpretLatest(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	days := make([]model.ProtocolDay, model.ProtocolDays)
	for i := range days {
		days[i] = model.ProtocolDay{Day: i + 1, Instruction: "practice", Tier: model.TierMin}
	}
	return in, &model.Protocol{UserID: userID, Days: days}, nil
}

func newTestEngine(t *testing.T) (*Engine, store.Store, *fakeSender, *fakeGenerator) {
	t.Helper()
	st := storetest.NewMem()
	svc := journal.New(st, zerolog.Nop())
	sender := newFakeSender()
	gen := &fakeGenerator{interp: "the water recurs"}
	eng := New(svc, gen, sender, 24*time.Hour, zerolog.Nop())
	return eng, st, sender, gen
}

func send(t *testing.T, eng *Engine, userID int64, text string) Message {
	t.Helper()
	return eng.HandleInput(context.Background(), userID, userID*10, nil, text)
}

func waitSent(t *testing.T, sender *fakeSender) {
	t.Helper()
	select {
	case <-sender.done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for async send")
	}
}

func TestCaptureFlowPersistsEntry(t *testing.T) {
	eng, st, sender, _ := newTestEngine(t)
	ctx := context.Background()

	send(t, eng, 1, "/start")
	send(t, eng, 1, "new")
	send(t, eng, 1, "an endless library with moving shelves")
	send(t, eng, 1, "my grandfather and a librarian")
	send(t, eng, 1, "curiosity, then awe")
	send(t, eng, 1, "yes")
	send(t, eng, 1, "4")
	send(t, eng, 1, "Books, Water , books")
	reply := send(t, eng, 1, "yes")
	require.Contains(t, reply.Text, "Dream saved")
	require.Contains(t, reply.Text, "Streak: 1")

	entries, err := st.Entries().ListRecent(ctx, 1, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	en := entries[0]
	require.Equal(t, "an endless library with moving shelves", en.Setting)
	require.Equal(t, "my grandfather and a librarian", en.Characters)
	require.Equal(t, "curiosity, then awe", en.Emotions)
	require.True(t, en.Lucid)
	require.Equal(t, 4, en.Clarity)
	require.Equal(t, []string{"books", "water"}, en.Symbols)

	waitSent(t, sender)
	msgs := sender.messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "the water recurs", msgs[0].Text)
}

func TestCancelDiscardsDraft(t *testing.T) {
	eng, st, _, _ := newTestEngine(t)
	ctx := context.Background()

	send(t, eng, 2, "new")
	send(t, eng, 2, "a rooftop at dusk")
	send(t, eng, 2, "nobody")
	reply := send(t, eng, 2, "/cancel")
	require.Contains(t, reply.Text, "canceled")

	entries, err := st.Entries().ListRecent(ctx, 2, 10)
	require.NoError(t, err)
	require.Empty(t, entries)

	// A fresh capture starts from the first section, not where the old one left off.
	reply = send(t, eng, 2, "new")
	require.Contains(t, reply.Text, "1/5")
}

func TestCommandsRejectedMidCapture(t *testing.T) {
	eng, st, _, _ := newTestEngine(t)
	ctx := context.Background()

	send(t, eng, 3, "new")
	send(t, eng, 3, "a train underwater")

	for _, cmd := range []string{"/menu", "/start", "/set_reminder 07:00"} {
		reply := send(t, eng, 3, cmd)
		require.Contains(t, reply.Text, "/cancel", "command %q should point at /cancel", cmd)
	}

	// The flow resumes exactly where it paused.
	reply := send(t, eng, 3, "a conductor with no face")
	require.Contains(t, reply.Text, "3/5")

	u, err := st.Users().Get(ctx, 3)
	require.NoError(t, err)
	require.Nil(t, u.ReminderUTC, "mid-capture /set_reminder must not take effect")
}

func TestDiscardOnConfirmNo(t *testing.T) {
	eng, st, _, _ := newTestEngine(t)

	send(t, eng, 4, "new")
	send(t, eng, 4, "setting")
	send(t, eng, 4, "characters")
	send(t, eng, 4, "emotions")
	send(t, eng, 4, "no")
	send(t, eng, 4, "2")
	send(t, eng, 4, "skip")
	reply := send(t, eng, 4, "no")
	require.Contains(t, reply.Text, "discarded")

	entries, err := st.Entries().ListRecent(context.Background(), 4, 10)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestSectionValidationReprompts(t *testing.T) {
	eng, _, _, _ := newTestEngine(t)

	send(t, eng, 5, "new")
	send(t, eng, 5, "setting")
	send(t, eng, 5, "characters")
	send(t, eng, 5, "emotions")

	reply := send(t, eng, 5, "sort of")
	require.Contains(t, reply.Text, "yes or no")
	reply = send(t, eng, 5, "yes")
	require.Contains(t, reply.Text, "5/5")

	reply = send(t, eng, 5, "9")
	require.Contains(t, reply.Text, "1 to 5")
	reply = send(t, eng, 5, "crystal")
	require.Contains(t, reply.Text, "1 to 5")
	reply = send(t, eng, 5, "5")
	require.Contains(t, reply.Text, "symbols")
}

func TestSetReminderValidation(t *testing.T) {
	eng, st, _, _ := newTestEngine(t)
	ctx := context.Background()

	reply := send(t, eng, 6, "/set_reminder 24:00")
	require.Contains(t, reply.Text, "Invalid time")
	u, err := st.Users().Get(ctx, 6)
	require.NoError(t, err)
	require.Nil(t, u.ReminderUTC)

	reply = send(t, eng, 6, "/set_reminder 07:30")
	require.Contains(t, reply.Text, "07:30 UTC")
	u, err = st.Users().Get(ctx, 6)
	require.NoError(t, err)
	require.NotNil(t, u.ReminderUTC)
	require.Equal(t, "07:30", *u.ReminderUTC)

	reply = send(t, eng, 6, "/clear_reminder")
	require.Contains(t, reply.Text, "removed")
	reply = send(t, eng, 6, "/clear_reminder")
	require.Contains(t, reply.Text, "No reminder")
}

func TestStaleGenerationDiscarded(t *testing.T) {
	eng, st, sender, gen := newTestEngine(t)
	ctx := context.Background()

	_, err := st.Entries().Create(ctx, &model.DreamEntry{UserID: 7, Setting: "a maze"})
	require.NoError(t, err)

	gen.release = make(chan struct{})

	reply := send(t, eng, 7, "interpret")
	require.Contains(t, reply.Text, "Generating")

	// Cancelling a capture bumps the generation, invalidating in-flight work.
	send(t, eng, 7, "new")
	send(t, eng, 7, "/cancel")

	close(gen.release)
	time.Sleep(100 * time.Millisecond)
	require.Empty(t, sender.messages(), "stale interpretation must not be delivered")
}

func TestInterpretWithoutEntries(t *testing.T) {
	eng, _, _, _ := newTestEngine(t)
	reply := send(t, eng, 8, "interpret")
	require.Contains(t, reply.Text, "No dream found")
}

func TestGenerationFailureStillNotifies(t *testing.T) {
	eng, st, sender, gen := newTestEngine(t)
	ctx := context.Background()

	_, err := st.Entries().Create(ctx, &model.DreamEntry{UserID: 9, Setting: "an orchard"})
	require.NoError(t, err)
	gen.err = errors.New("model unavailable")

	send(t, eng, 9, "interpret")
	waitSent(t, sender)
	msgs := sender.messages()
	require.Len(t, msgs, 1)
	require.Contains(t, msgs[0].Text, "unavailable")
}

func TestConcurrentUsersDoNotRace(t *testing.T) {
	eng, _, _, _ := newTestEngine(t)

	var wg sync.WaitGroup
	for userID := int64(1); userID <= 4; userID++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				send(t, eng, id, "/menu")
			}
		}(userID)
	}
	wg.Wait()

	// Every user ends up with a live idle session.
	require.Equal(t, 0, eng.EvictIdle())
}

func TestRunEvictionSweepsWithoutTraffic(t *testing.T) {
	eng, _, _, _ := newTestEngine(t)

	base := time.Now()
	eng.now = func() time.Time { return base }
	send(t, eng, 11, "new")

	eng.now = func() time.Time { return base.Add(25 * time.Hour) }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = eng.RunEviction(ctx, 5*time.Millisecond)
	}()
	require.Eventually(t, func() bool {
		eng.mu.Lock()
		defer eng.mu.Unlock()
		return len(eng.sessions) == 0
	}, 2*time.Second, 5*time.Millisecond, "expired draft must be swept with no inbound events")
	cancel()
	<-done
}

func TestSummarizeKeepsRunesWhole(t *testing.T) {
	long := strings.Repeat("ü", 50) // 2-byte runes
	out := summarize(long, 40)
	require.True(t, utf8.ValidString(out))
	require.Equal(t, strings.Repeat("ü", 37)+"...", out)

	require.Equal(t, "short", summarize("  short  ", 40))
}

func TestIdleEviction(t *testing.T) {
	eng, _, _, _ := newTestEngine(t)

	base := time.Now()
	eng.now = func() time.Time { return base }
	send(t, eng, 10, "new")
	send(t, eng, 10, "setting so far")

	eng.now = func() time.Time { return base.Add(25 * time.Hour) }
	require.Equal(t, 1, eng.EvictIdle())

	// The expired draft is gone; the next contact starts clean.
	reply := send(t, eng, 10, "hello")
	require.Contains(t, reply.Text, "menu")
}
