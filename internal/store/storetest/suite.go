package storetest

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/somnolab/somnia/internal/model"
	"github.com/somnolab/somnia/internal/store"
)

// Run exercises a compliance suite against a store.Store implementation.
// Implementations should provide a clean, isolated store from makeStore.
func Run(t *testing.T, makeStore func(t *testing.T) store.Store) {
	t.Helper()

	s := makeStore(t)
	ctx := context.Background()

	// Unique test identifiers
	userID := rand.Int63n(1 << 40)
	username := "dreamer-" + uuid.New().String()[:8]

	// Users
	u, err := s.Users().Upsert(ctx, &model.User{UserID: userID, ChatID: userID, Username: &username, TimeZone: "UTC"})
	if err != nil {
		t.Fatalf("Upsert user: %v", err)
	}
	if u.Streak != 0 || u.CreationTime.IsZero() {
		t.Fatalf("unexpected new user: %+v", u)
	}

	// Upsert is idempotent and must not touch streak fields.
	if err := s.Users().SetStreak(ctx, userID, 3, "2026-08-30"); err != nil {
		t.Fatalf("SetStreak: %v", err)
	}
	again, err := s.Users().Upsert(ctx, &model.User{UserID: userID, ChatID: userID + 1, Username: &username})
	if err != nil {
		t.Fatalf("Upsert user again: %v", err)
	}
	if again.Streak != 3 || again.LastCaptureDate == nil || *again.LastCaptureDate != "2026-08-30" {
		t.Fatalf("upsert clobbered streak fields: %+v", again)
	}
	if again.ChatID != userID+1 {
		t.Fatalf("upsert did not refresh chat id: %+v", again)
	}

	// Reminders
	hhmm := "07:30"
	if err := s.Users().SetReminder(ctx, userID, &hhmm); err != nil {
		t.Fatalf("SetReminder: %v", err)
	}
	got, err := s.Users().Get(ctx, userID)
	if err != nil || got.ReminderUTC == nil || *got.ReminderUTC != "07:30" {
		t.Fatalf("GetUser after SetReminder: got=%+v err=%v", got, err)
	}
	if err := s.Users().SetReminder(ctx, userID, nil); err != nil {
		t.Fatalf("ClearReminder: %v", err)
	}
	got, err = s.Users().Get(ctx, userID)
	if err != nil || got.ReminderUTC != nil {
		t.Fatalf("GetUser after ClearReminder: got=%+v err=%v", got, err)
	}
	if err := s.Users().SetReminder(ctx, userID+999999, &hhmm); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("SetReminder unknown user: want ErrNotFound, got %v", err)
	}

	if lst, err := s.Users().List(ctx); err != nil || len(lst) == 0 {
		t.Fatalf("ListUsers: n=%d err=%v", len(lst), err)
	}

	// Entries
	base := time.Now().UTC().Add(-48 * time.Hour).Truncate(time.Second)
	e1, err := s.Entries().Create(ctx, &model.DreamEntry{
		UserID: userID, Title: "mirror city", Setting: "rooftops", Characters: "a stranger",
		Emotions: "curious", Lucid: false, Clarity: 3,
		Symbols: []string{"mirror", "water"}, CaptureTime: base,
	})
	if err != nil {
		t.Fatalf("CreateEntry e1: %v", err)
	}
	if e1.EntryID == "" {
		t.Fatal("CreateEntry e1: empty id")
	}
	e2, err := s.Entries().Create(ctx, &model.DreamEntry{
		UserID: userID, Setting: "shoreline", Characters: "nobody", Emotions: "calm",
		Lucid: true, Clarity: 5, Symbols: []string{"water"}, CaptureTime: base.Add(24 * time.Hour),
	})
	if err != nil {
		t.Fatalf("CreateEntry e2: %v", err)
	}

	latest, err := s.Entries().Latest(ctx, userID)
	if err != nil || latest.EntryID != e2.EntryID {
		t.Fatalf("Latest: got=%+v err=%v", latest, err)
	}
	if !latest.Lucid || latest.Clarity != 5 {
		t.Fatalf("Latest payload mismatch: %+v", latest)
	}
	if len(latest.Symbols) != 1 || latest.Symbols[0] != "water" {
		t.Fatalf("Latest symbols mismatch: %v", latest.Symbols)
	}

	recent, err := s.Entries().ListRecent(ctx, userID, 10)
	if err != nil || len(recent) != 2 {
		t.Fatalf("ListRecent: n=%d err=%v", len(recent), err)
	}
	if recent[0].EntryID != e2.EntryID {
		t.Fatalf("ListRecent order: newest first expected, got %s", recent[0].EntryID)
	}

	since, err := s.Entries().ListSince(ctx, userID, base.Add(12*time.Hour))
	if err != nil || len(since) != 1 || since[0].EntryID != e2.EntryID {
		t.Fatalf("ListSince: n=%d err=%v", len(since), err)
	}

	// Symbols are maintained per tag with exact counts.
	for _, e := range []*model.DreamEntry{e1, e2} {
		for _, tag := range e.Symbols {
			if err := s.Symbols().Bump(ctx, userID, tag, e.EntryID, e.CaptureTime); err != nil {
				t.Fatalf("Bump %q: %v", tag, err)
			}
		}
	}
	syms, err := s.Symbols().List(ctx, userID)
	if err != nil {
		t.Fatalf("ListSymbols: %v", err)
	}
	counts := map[string]int{}
	for _, sm := range syms {
		counts[sm.Tag] = sm.Count
	}
	if counts["water"] != 2 || counts["mirror"] != 1 {
		t.Fatalf("symbol counts mismatch: %v", counts)
	}
	if syms[0].Tag != "water" {
		t.Fatalf("symbol order: most frequent first expected, got %s", syms[0].Tag)
	}

	// Exercises
	ex, err := s.Exercises().Put(ctx, &model.Exercise{Title: "reality check ladder", Instructions: "check hands, re-read text", Tier: 1})
	if err != nil {
		t.Fatalf("PutExercise: %v", err)
	}
	if _, err := s.Exercises().Put(ctx, &model.Exercise{Title: "WBTB", Instructions: "wake back to bed after 5h", Tier: 2}); err != nil {
		t.Fatalf("PutExercise 2: %v", err)
	}
	if got, err := s.Exercises().GetByID(ctx, ex.ExerciseID); err != nil || got.Title != ex.Title {
		t.Fatalf("GetExercise: got=%+v err=%v", got, err)
	}
	if lst, err := s.Exercises().List(ctx); err != nil || len(lst) < 2 {
		t.Fatalf("ListExercises: n=%d err=%v", len(lst), err)
	}
	if rnd, err := s.Exercises().Random(ctx); err != nil || rnd.ExerciseID == "" {
		t.Fatalf("RandomExercise: got=%+v err=%v", rnd, err)
	}

	// Interpretations + entry back-link
	in, err := s.Interpretations().Create(ctx, &model.Interpretation{UserID: userID, EntryID: e2.EntryID, Text: "water as threshold"})
	if err != nil {
		t.Fatalf("CreateInterpretation: %v", err)
	}
	if err := s.Entries().SetInterpretation(ctx, userID, e2.EntryID, in.InterpretationID); err != nil {
		t.Fatalf("SetInterpretation: %v", err)
	}
	latest, err = s.Entries().Latest(ctx, userID)
	if err != nil || latest.InterpretationID == nil || *latest.InterpretationID != in.InterpretationID {
		t.Fatalf("interpretation back-link missing: %+v err=%v", latest, err)
	}
	if got, err := s.Interpretations().Get(ctx, userID, in.InterpretationID); err != nil || got.Text != in.Text {
		t.Fatalf("GetInterpretation: got=%+v err=%v", got, err)
	}

	// Protocols supersede, latest wins
	if _, err := s.Protocols().Latest(ctx, userID); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("Latest protocol on empty: want ErrNotFound, got %v", err)
	}
	mkDays := func(tier int) []model.ProtocolDay {
		days := make([]model.ProtocolDay, model.ProtocolDays)
		for i := range days {
			days[i] = model.ProtocolDay{Day: i + 1, ExerciseID: &ex.ExerciseID, Tier: tier, Rationale: "baseline"}
		}
		return days
	}
	p1, err := s.Protocols().Put(ctx, &model.Protocol{UserID: userID, Days: mkDays(1), CreationTime: base})
	if err != nil {
		t.Fatalf("PutProtocol p1: %v", err)
	}
	p2, err := s.Protocols().Put(ctx, &model.Protocol{UserID: userID, Days: mkDays(2), CreationTime: base.Add(time.Hour)})
	if err != nil {
		t.Fatalf("PutProtocol p2: %v", err)
	}
	lp, err := s.Protocols().Latest(ctx, userID)
	if err != nil {
		t.Fatalf("LatestProtocol: %v", err)
	}
	if lp.ProtocolID != p2.ProtocolID || lp.ProtocolID == p1.ProtocolID {
		t.Fatalf("latest protocol mismatch: got %s", lp.ProtocolID)
	}
	if len(lp.Days) != model.ProtocolDays || lp.Days[0].Tier != 2 {
		t.Fatalf("protocol days round-trip mismatch: %+v", lp.Days)
	}

	// Unknown user lookups
	if _, err := s.Users().Get(ctx, userID+999999); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("GetUser unknown: want ErrNotFound, got %v", err)
	}
	if _, err := s.Entries().Latest(ctx, userID+999999); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("Latest unknown: want ErrNotFound, got %v", err)
	}
}
