// Package journal orchestrates dream-entry persistence and the derived
// per-user state: recurring-symbol counters, streaks, and progress stats.
package journal

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/somnolab/somnia/internal/model"
	"github.com/somnolab/somnia/internal/store"
)

const dateLayout = "2006-01-02"

var hhmmRx = regexp.MustCompile(`^([01][0-9]|2[0-3]):([0-5][0-9])$`)

// ValidateReminderTime checks an HH:MM 24-hour UTC time string.
func ValidateReminderTime(v string) error {
	if !hhmmRx.MatchString(v) {
		return fmt.Errorf("%w: reminder time must be HH:MM in 24h format", model.ErrValidation)
	}
	return nil
}

// Service owns all writes that derive state from entries. Streak and symbol
// updates for one user must not interleave, so writes are serialized per user.
type Service struct {
	store store.Store
	log   zerolog.Logger

	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

func New(s store.Store, log zerolog.Logger) *Service {
	return &Service{store: s, log: log, locks: make(map[int64]*sync.Mutex)}
}

func (s *Service) userLock(userID int64) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[userID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[userID] = l
	}
	return l
}

// EnsureUser creates the profile on first contact and refreshes chat metadata.
func (s *Service) EnsureUser(ctx context.Context, userID, chatID int64, username *string) (*model.User, error) {
	return s.store.Users().Upsert(ctx, &model.User{UserID: userID, ChatID: chatID, Username: username, TimeZone: "UTC"})
}

// PersistEntry writes a confirmed entry and applies the derived updates:
// each tag's recurring-symbol counter and the consecutive-day streak.
// Returns the stored entry and the user's streak after the update.
func (s *Service) PersistEntry(ctx context.Context, draft *model.DreamEntry) (*model.DreamEntry, int, error) {
	lock := s.userLock(draft.UserID)
	lock.Lock()
	defer lock.Unlock()

	user, err := s.store.Users().Get(ctx, draft.UserID)
	if err != nil {
		return nil, 0, fmt.Errorf("load user %d: %w", draft.UserID, err)
	}

	if draft.CaptureTime.IsZero() {
		draft.CaptureTime = time.Now().UTC()
	}
	draft.Symbols = NormalizeTags(draft.Symbols)

	entry, err := s.store.Entries().Create(ctx, draft)
	if err != nil {
		return nil, 0, fmt.Errorf("persist entry: %w", err)
	}

	for _, tag := range entry.Symbols {
		if err := s.store.Symbols().Bump(ctx, entry.UserID, tag, entry.EntryID, entry.CaptureTime); err != nil {
			return nil, 0, fmt.Errorf("bump symbol %q: %w", tag, err)
		}
	}

	streak, err := s.applyStreak(ctx, user, entry.CaptureTime)
	if err != nil {
		return nil, 0, err
	}

	s.log.Info().
		Int64("user_id", entry.UserID).
		Str("entry_id", entry.EntryID).
		Int("symbols", len(entry.Symbols)).
		Int("streak", streak).
		Msg("dream entry persisted")
	return entry, streak, nil
}

// applyStreak implements the consecutive-day rule: +1 when the capture date is
// exactly one calendar day after the previous one (in the user's timezone),
// reset to 1 on a gap, unchanged for a same-day repeat.
func (s *Service) applyStreak(ctx context.Context, user *model.User, captured time.Time) (int, error) {
	loc, err := time.LoadLocation(user.TimeZone)
	if err != nil {
		loc = time.UTC
	}
	day := captured.In(loc).Format(dateLayout)

	streak := 1
	if user.LastCaptureDate != nil {
		switch *user.LastCaptureDate {
		case day:
			return user.Streak, nil // same-day repeat, no change
		case previousDay(day):
			streak = user.Streak + 1
		}
	}
	if err := s.store.Users().SetStreak(ctx, user.UserID, streak, day); err != nil {
		return 0, fmt.Errorf("update streak: %w", err)
	}
	return streak, nil
}

func previousDay(day string) string {
	t, err := time.Parse(dateLayout, day)
	if err != nil {
		return ""
	}
	return t.AddDate(0, 0, -1).Format(dateLayout)
}

// NormalizeTags lowercases, trims, and dedupes symbol tags, preserving order.
func NormalizeTags(tags []string) []string {
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, raw := range tags {
		tag := strings.ToLower(strings.TrimSpace(raw))
		if tag == "" || seen[tag] {
			continue
		}
		seen[tag] = true
		out = append(out, tag)
	}
	return out
}

// SetReminder validates and stores the user's daily reminder time (UTC).
func (s *Service) SetReminder(ctx context.Context, userID int64, hhmm string) error {
	if err := ValidateReminderTime(hhmm); err != nil {
		return err
	}
	return s.store.Users().SetReminder(ctx, userID, &hhmm)
}

// ClearReminder removes the user's daily reminder. Reports whether one was set.
func (s *Service) ClearReminder(ctx context.Context, userID int64) (bool, error) {
	user, err := s.store.Users().Get(ctx, userID)
	if err != nil {
		return false, err
	}
	if user.ReminderUTC == nil {
		return false, nil
	}
	return true, s.store.Users().SetReminder(ctx, userID, nil)
}

// Stats assembles the 30-day progress snapshot.
func (s *Service) Stats(ctx context.Context, userID int64) (*model.Stats, error) {
	user, err := s.store.Users().Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	since := time.Now().UTC().AddDate(0, 0, -30)
	entries, err := s.store.Entries().ListSince(ctx, userID, since)
	if err != nil {
		return nil, err
	}
	lucid := 0
	for _, e := range entries {
		if e.Lucid {
			lucid++
		}
	}
	ratio := 0.0
	if len(entries) > 0 {
		ratio = float64(lucid) / float64(len(entries)) * 100
	}

	syms, err := s.store.Symbols().List(ctx, userID)
	if err != nil {
		return nil, err
	}
	top := make([]model.SymbolCount, 0, 5)
	for _, sym := range syms {
		if len(top) == 5 {
			break
		}
		top = append(top, model.SymbolCount{Tag: sym.Tag, Count: sym.Count})
	}

	return &model.Stats{
		UserID:     userID,
		Entries30:  len(entries),
		Lucid30:    lucid,
		LucidRatio: ratio,
		Streak:     user.Streak,
		TopSymbols: top,
	}, nil
}

// RecentEntries returns the newest entries for the dream index.
func (s *Service) RecentEntries(ctx context.Context, userID int64, limit int) ([]*model.DreamEntry, error) {
	return s.store.Entries().ListRecent(ctx, userID, limit)
}

// LatestEntry returns the most recent entry or model.ErrNotFound.
func (s *Service) LatestEntry(ctx context.Context, userID int64) (*model.DreamEntry, error) {
	return s.store.Entries().Latest(ctx, userID)
}

// SeedExercises loads the catalog; existing ids are refreshed in place.
func (s *Service) SeedExercises(ctx context.Context, catalog []model.Exercise) error {
	for i := range catalog {
		if _, err := s.store.Exercises().Put(ctx, &catalog[i]); err != nil {
			return fmt.Errorf("seed exercise %q: %w", catalog[i].Title, err)
		}
	}
	s.log.Info().Int("count", len(catalog)).Msg("exercise catalog seeded")
	return nil
}

// DrawExercise picks an exercise for the user. With an active protocol the
// draw is weighted toward the protocol's current tier (weight halves per tier
// of distance); otherwise the draw is uniform.
func (s *Service) DrawExercise(ctx context.Context, userID int64) (*model.Exercise, error) {
	prot, err := s.store.Protocols().Latest(ctx, userID)
	if errors.Is(err, model.ErrNotFound) {
		return s.store.Exercises().Random(ctx)
	}
	if err != nil {
		return nil, err
	}

	all, err := s.store.Exercises().List(ctx)
	if err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return nil, model.ErrNotFound
	}

	target := prot.MaxTier()
	weights := make([]int, len(all))
	total := 0
	for i, ex := range all {
		d := ex.Tier - target
		if d < 0 {
			d = -d
		}
		w := 4 >> d
		if w < 1 {
			w = 1
		}
		weights[i] = w
		total += w
	}
	pick := rand.Intn(total)
	for i, w := range weights {
		pick -= w
		if pick < 0 {
			return all[i], nil
		}
	}
	return all[len(all)-1], nil
}
