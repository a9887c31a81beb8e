// Package scheduler drives time-based outreach: fixed reality checks, the
// weekly exercise broadcast, and per-user daily reminders. All pending work
// lives in an in-memory priority queue; occurrences missed while the process
// was down fire once on the next tick and are never backfilled.
package scheduler

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"

	"github.com/somnolab/somnia/internal/content"
	"github.com/somnolab/somnia/internal/journal"
	"github.com/somnolab/somnia/internal/store"
)

// Reality checks go out three times a day at fixed local times in the
// configured reference zone. The weekly exercise lands Sunday morning UTC.
var realityCheckSlots = []string{"07:00", "14:00", "21:00"}

const (
	weeklyExerciseDay  = time.Sunday
	weeklyExerciseHour = 9
)

// Notifier delivers one outbound text to one chat.
type Notifier interface {
	Notify(ctx context.Context, chatID int64, text string) error
}

// Config controls polling cadence and delivery retries.
type Config struct {
	Interval       time.Duration
	RealityCheckTZ *time.Location
	// Retries is the number of redelivery attempts after a failed dispatch.
	Retries      uint64
	RetryBackoff time.Duration
}

// Scheduler owns the job queue and the polling loop.
type Scheduler struct {
	store    store.Store
	journal  *journal.Service
	notifier Notifier
	cfg      Config
	log      zerolog.Logger

	mu        sync.Mutex
	queue     jobHeap
	seq       uint64
	scheduled map[int64]string // userID -> reminder slot currently queued
	fired     map[string]uint64
	failed    map[string]uint64

	now func() time.Time
}

func New(st store.Store, j *journal.Service, n Notifier, cfg Config, log zerolog.Logger) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.RealityCheckTZ == nil {
		cfg.RealityCheckTZ = time.UTC
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 2 * time.Second
	}
	s := &Scheduler{
		store:     st,
		journal:   j,
		notifier:  n,
		cfg:       cfg,
		log:       log,
		scheduled: make(map[int64]string),
		fired:     make(map[string]uint64),
		failed:    make(map[string]uint64),
		now:       time.Now,
	}
	s.prime(s.now())
	return s
}

// prime seeds the queue with the next occurrence of every fixed job.
func (s *Scheduler) prime(now time.Time) {
	s.queue = s.queue[:0]
	heap.Init(&s.queue)
	for _, slot := range realityCheckSlots {
		s.push(&job{at: nextDaily(now, slot, s.cfg.RealityCheckTZ), kind: jobRealityCheck, slot: slot})
	}
	s.push(&job{at: nextWeekly(now), kind: jobWeeklyExercise})
}

// Run starts the polling loop until ctx is canceled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Info().Dur("interval", s.cfg.Interval).Str("reality_check_tz", s.cfg.RealityCheckTZ.String()).Msg("scheduler starting")
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("scheduler stopping")
			return ctx.Err()
		case <-ticker.C:
			if err := s.tickOnce(ctx, s.now()); err != nil {
				// Log and continue; a bad tick must not stop the loop
				s.log.Error().Err(err).Msg("scheduler tick")
			}
		}
	}
}

// tickOnce syncs per-user reminders into the queue, then fires everything
// due. A job that was due several times while the process slept fires once;
// its next occurrence is computed from now, never from the missed slot.
func (s *Scheduler) tickOnce(ctx context.Context, now time.Time) error {
	if err := s.syncReminders(ctx, now); err != nil {
		return fmt.Errorf("sync reminders: %w", err)
	}

	for _, j := range s.popDue(now) {
		if j.kind == jobCustomReminder && !s.reminderCurrent(j) {
			// Setting changed or was cleared after this entry was queued.
			continue
		}
		s.markFired(j.kind)
		go s.dispatch(j)
		s.reschedule(j, now)
	}
	return nil
}

func (s *Scheduler) popDue(now time.Time) []*job {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*job
	for s.queue.Len() > 0 && !s.queue[0].at.After(now) {
		due = append(due, heap.Pop(&s.queue).(*job))
	}
	return due
}

func (s *Scheduler) push(j *job) {
	s.seq++
	j.seq = s.seq
	heap.Push(&s.queue, j)
}

func (s *Scheduler) reschedule(j *job, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := *j
	switch j.kind {
	case jobRealityCheck:
		next.at = nextDaily(now, j.slot, s.cfg.RealityCheckTZ)
	case jobWeeklyExercise:
		next.at = nextWeekly(now)
	case jobCustomReminder:
		next.at = nextDaily(now, j.slot, time.UTC)
	}
	s.push(&next)
}

// syncReminders walks user profiles and queues a job for every reminder
// setting not yet represented in the queue. Stale entries for changed or
// cleared settings are dropped lazily when popped.
func (s *Scheduler) syncReminders(ctx context.Context, now time.Time) error {
	users, err := s.store.Users().List(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[int64]bool, len(users))
	for _, u := range users {
		if u.ReminderUTC == nil {
			continue
		}
		seen[u.UserID] = true
		if s.scheduled[u.UserID] == *u.ReminderUTC {
			continue
		}
		s.scheduled[u.UserID] = *u.ReminderUTC
		s.push(&job{at: nextDaily(now, *u.ReminderUTC, time.UTC), kind: jobCustomReminder, slot: *u.ReminderUTC, userID: u.UserID})
	}
	for id := range s.scheduled {
		if !seen[id] {
			delete(s.scheduled, id)
		}
	}
	return nil
}

func (s *Scheduler) reminderCurrent(j *job) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scheduled[j.userID] == j.slot
}

// dispatch delivers one occurrence. Delivery runs off the tick path so one
// slow chat cannot delay the rest of the queue.
func (s *Scheduler) dispatch(j *job) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	var err error
	switch j.kind {
	case jobRealityCheck:
		err = s.broadcastRealityCheck(ctx)
	case jobWeeklyExercise:
		err = s.broadcastWeeklyExercise(ctx)
	case jobCustomReminder:
		err = s.sendReminder(ctx, j.userID)
	}
	if err != nil {
		s.markFailed(j.kind)
		s.log.Warn().Err(err).Str("kind", j.kind.String()).Str("slot", j.slot).Msg("dispatch failed")
	}
}

func (s *Scheduler) broadcastRealityCheck(ctx context.Context) error {
	users, err := s.store.Users().List(ctx)
	if err != nil {
		return err
	}
	n := s.firedCount(jobRealityCheck)
	question := content.ProbingQuestions[int(n)%len(content.ProbingQuestions)]
	text := "Reality check. Right now: " + question

	var firstErr error
	for _, u := range users {
		if err := s.notify(ctx, u.ChatID, text); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *Scheduler) broadcastWeeklyExercise(ctx context.Context) error {
	users, err := s.store.Users().List(ctx)
	if err != nil {
		return err
	}
	var firstErr error
	for _, u := range users {
		ex, err := s.journal.DrawExercise(ctx, u.UserID)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		text := fmt.Sprintf("Weekly exercise:\n%s (tier %d)\n\n%s", ex.Title, ex.Tier, ex.Instructions)
		if err := s.notify(ctx, u.ChatID, text); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *Scheduler) sendReminder(ctx context.Context, userID int64) error {
	u, err := s.store.Users().Get(ctx, userID)
	if err != nil {
		return err
	}
	text := "Daily check-in. Morning: jot down anything you recall from last night ('new'). " +
		"Evening: set tonight's intention - I will know I'm dreaming."
	return s.notify(ctx, u.ChatID, text)
}

// notify sends with bounded redelivery: one failed attempt gets retried
// after a short pause, then the occurrence is dropped.
func (s *Scheduler) notify(ctx context.Context, chatID int64, text string) error {
	backoff := retry.WithMaxRetries(s.cfg.Retries, retry.NewConstant(s.cfg.RetryBackoff))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := s.notifier.Notify(ctx, chatID, text); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
}

func (s *Scheduler) markFired(k jobKind) {
	s.mu.Lock()
	s.fired[k.String()]++
	s.mu.Unlock()
}

func (s *Scheduler) markFailed(k jobKind) {
	s.mu.Lock()
	s.failed[k.String()]++
	s.mu.Unlock()
}

func (s *Scheduler) firedCount(k jobKind) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fired[k.String()]
}

// Counts reports per-kind fired occurrence totals since start.
func (s *Scheduler) Counts() map[string]uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]uint64, len(s.fired))
	for k, v := range s.fired {
		out[k] = v
	}
	return out
}

// nextDaily returns the first wall-clock occurrence of slot ("HH:MM" in loc)
// strictly after now.
func nextDaily(now time.Time, slot string, loc *time.Location) time.Time {
	var hh, mm int
	fmt.Sscanf(slot, "%d:%d", &hh, &mm)
	local := now.In(loc)
	next := time.Date(local.Year(), local.Month(), local.Day(), hh, mm, 0, 0, loc)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// nextWeekly returns the next Sunday 09:00 UTC strictly after now.
func nextWeekly(now time.Time) time.Time {
	utc := now.UTC()
	next := time.Date(utc.Year(), utc.Month(), utc.Day(), weeklyExerciseHour, 0, 0, 0, time.UTC)
	for next.Weekday() != weeklyExerciseDay || !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}
