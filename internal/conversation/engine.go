// Package conversation drives the per-user dream capture state machine:
// menu navigation, the multi-section entry flow, and cancellation.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/somnolab/somnia/internal/content"
	"github.com/somnolab/somnia/internal/journal"
	"github.com/somnolab/somnia/internal/model"
)

// Message is one outbound chat message.
type Message struct {
	ChatID   int64
	Text     string
	ShowMenu bool
}

// Sender delivers asynchronous follow-ups (interpretation and protocol
// results) outside the request/response cycle.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// Generator produces interpretations and adaptive protocols.
type Generator interface {
	// Generate builds a fresh interpretation plus a 7-day protocol from the
	// user's recent history.
	Generate(ctx context.Context, userID int64) (*model.Interpretation, *model.Protocol, error)
	// InterpretLatest interprets the user's most recent entry.
	InterpretLatest(ctx context.Context, userID int64) (*model.Interpretation, error)
}

const menuText = `Main menu:
1. new - New dream entry
2. index - Dream index
3. exercise - Random exercise
4. interpret - Interpret last dream
5. protocol - 7-day protocol
6. stats - Streak & progress
7. drill - Reality check drill
8. tips - Recall tips
9. types - Dream types guide

Send a number or keyword. /set_reminder HH:MM for a daily prompt.`

const welcomeText = `Dream Diary activated.

Structured nightly journal, pattern detection, AI interpretation and a
7-day lucid protocol, with a streak system to keep you going.

Reality checks are sent 3x/day; a weekly exercise lands every Sunday.
Use /set_reminder HH:MM (UTC) for a personal daily prompt.`

// Engine is the per-user finite state machine. Sessions live in memory only
// and expire after idleTTL without activity.
type Engine struct {
	journal *journal.Service
	gen     Generator
	sender  Sender
	idleTTL time.Duration
	log     zerolog.Logger

	mu       sync.Mutex
	sessions map[int64]*session

	now func() time.Time
}

func New(j *journal.Service, gen Generator, sender Sender, idleTTL time.Duration, log zerolog.Logger) *Engine {
	return &Engine{
		journal:  j,
		gen:      gen,
		sender:   sender,
		idleTTL:  idleTTL,
		log:      log,
		sessions: make(map[int64]*session),
		now:      time.Now,
	}
}

// HandleInput processes one inbound message for one user and returns the
// reply. Side effects on the store happen only on explicit confirmation.
func (e *Engine) HandleInput(ctx context.Context, userID, chatID int64, username *string, text string) Message {
	if _, err := e.journal.EnsureUser(ctx, userID, chatID, username); err != nil {
		e.log.Error().Err(err).Int64("user_id", userID).Msg("ensure user")
		return Message{ChatID: chatID, Text: "Something went wrong on our side. Please try again."}
	}

	e.sweepIdle()

	sess := e.session(userID)

	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "/") {
		return e.handleCommand(ctx, sess, userID, chatID, text)
	}
	return e.handleText(ctx, sess, userID, chatID, text)
}

// EvictIdle drops sessions idle for longer than the TTL and returns how many
// were removed. In-progress drafts are discarded, never persisted.
func (e *Engine) EvictIdle() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	cutoff := e.now().Add(-e.idleTTL)
	n := 0
	for id, s := range e.sessions {
		if s.lastActivity.Before(cutoff) {
			delete(e.sessions, id)
			n++
		}
	}
	return n
}

// RunEviction sweeps idle sessions on a timer until ctx is canceled, so
// expired drafts are dropped even when no inbound traffic arrives.
func (e *Engine) RunEviction(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.sweepIdle()
		}
	}
}

func (e *Engine) sweepIdle() {
	if n := e.EvictIdle(); n > 0 {
		e.log.Debug().Int("evicted", n).Msg("idle sessions dropped")
	}
}

// session returns the user's session, creating one if needed, and stamps the
// activity time. The stamp happens under the mutex because EvictIdle reads
// lastActivity across all sessions.
func (e *Engine) session(userID int64) *session {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[userID]
	if !ok {
		s = &session{}
		e.sessions[userID] = s
	}
	s.lastActivity = e.now()
	return s
}

func (e *Engine) handleCommand(ctx context.Context, sess *session, userID, chatID int64, text string) Message {
	cmd, arg, _ := strings.Cut(text, " ")
	cmd = strings.ToLower(cmd)
	arg = strings.TrimSpace(arg)

	// Cancel is the only command honored mid-capture.
	if cmd == "/cancel" {
		if !sess.capturing() {
			return Message{ChatID: chatID, Text: "Nothing to cancel.", ShowMenu: true}
		}
		e.resetSession(sess)
		return Message{ChatID: chatID, Text: "Current flow canceled. Nothing was saved.", ShowMenu: true}
	}

	if sess.capturing() {
		return Message{ChatID: chatID, Text: fmt.Sprintf(
			"You're in the middle of a dream entry (%s). Finish it or send /cancel first.", sess.state)}
	}

	switch cmd {
	case "/start":
		return Message{ChatID: chatID, Text: welcomeText, ShowMenu: true}
	case "/menu":
		return Message{ChatID: chatID, Text: menuText, ShowMenu: true}
	case "/set_reminder":
		if arg == "" {
			return Message{ChatID: chatID, Text: "Usage: /set_reminder HH:MM (24h, UTC). Example: /set_reminder 07:30"}
		}
		if err := e.journal.SetReminder(ctx, userID, arg); err != nil {
			if errors.Is(err, model.ErrValidation) {
				return Message{ChatID: chatID, Text: "Invalid time format. Use HH:MM in 24h format."}
			}
			e.log.Error().Err(err).Int64("user_id", userID).Msg("set reminder")
			return Message{ChatID: chatID, Text: "Could not save the reminder. Please try again."}
		}
		return Message{ChatID: chatID, Text: fmt.Sprintf(
			"Daily reminder set at %s UTC. I will prompt morning recall and evening intention every day.", arg)}
	case "/clear_reminder":
		removed, err := e.journal.ClearReminder(ctx, userID)
		if err != nil {
			e.log.Error().Err(err).Int64("user_id", userID).Msg("clear reminder")
			return Message{ChatID: chatID, Text: "Could not update the reminder. Please try again."}
		}
		if removed {
			return Message{ChatID: chatID, Text: "Reminder removed."}
		}
		return Message{ChatID: chatID, Text: "No reminder found."}
	default:
		return Message{ChatID: chatID, Text: "Unknown command. Use /menu to see options.", ShowMenu: true}
	}
}

func (e *Engine) handleText(ctx context.Context, sess *session, userID, chatID int64, text string) Message {
	switch sess.state {
	case stateIdle:
		return e.handleMenuChoice(ctx, sess, userID, chatID, text)
	case stateSetting:
		sess.draft.Setting = text
		sess.state = stateCharacters
		return Message{ChatID: chatID, Text: "2/5: Who appeared? People, characters, creatures."}
	case stateCharacters:
		sess.draft.Characters = text
		sess.state = stateEmotions
		return Message{ChatID: chatID, Text: "3/5: What emotions ran through the dream?"}
	case stateEmotions:
		sess.draft.Emotions = text
		sess.state = stateLucidity
		return Message{ChatID: chatID, Text: "4/5: Were you lucid - aware you were dreaming? (yes/no)"}
	case stateLucidity:
		lucid, ok := parseYesNo(text)
		if !ok {
			return Message{ChatID: chatID, Text: "Please answer yes or no: were you lucid?"}
		}
		sess.draft.Lucid = lucid
		sess.state = stateClarity
		return Message{ChatID: chatID, Text: "5/5: Recall clarity from 1 (fog) to 5 (crystal)."}
	case stateClarity:
		n, err := strconv.Atoi(text)
		if err != nil || n < 1 || n > 5 {
			return Message{ChatID: chatID, Text: "Clarity must be a number from 1 to 5."}
		}
		sess.draft.Clarity = n
		sess.state = stateTags
		return Message{ChatID: chatID, Text: "Any recurring symbols? Comma-separated tags (e.g. water, mirror), or 'skip'."}
	case stateTags:
		if !strings.EqualFold(text, "skip") {
			sess.draft.Symbols = journal.NormalizeTags(strings.Split(text, ","))
		}
		sess.state = stateConfirm
		return Message{ChatID: chatID, Text: confirmSummary(&sess.draft)}
	case stateConfirm:
		switch strings.ToLower(text) {
		case "yes", "y", "confirm", "save":
			return e.confirmEntry(ctx, sess, userID, chatID)
		case "no", "n", "discard":
			e.resetSession(sess)
			return Message{ChatID: chatID, Text: "Entry discarded.", ShowMenu: true}
		default:
			return Message{ChatID: chatID, Text: "Reply 'yes' to save the entry or 'no' to discard it."}
		}
	default:
		e.resetSession(sess)
		return Message{ChatID: chatID, Text: "Use /menu to open options.", ShowMenu: true}
	}
}

func (e *Engine) handleMenuChoice(ctx context.Context, sess *session, userID, chatID int64, text string) Message {
	switch strings.ToLower(text) {
	case "1", "new":
		sess.state = stateSetting
		sess.draft = model.DreamEntry{UserID: userID}
		return Message{ChatID: chatID, Text: "1/5: Where did the dream take place? Describe the setting. (/cancel anytime)"}
	case "2", "index":
		return e.dreamIndex(ctx, userID, chatID)
	case "3", "exercise":
		ex, err := e.journal.DrawExercise(ctx, userID)
		if err != nil {
			if errors.Is(err, model.ErrNotFound) {
				return Message{ChatID: chatID, Text: "No exercises are stored yet."}
			}
			e.log.Error().Err(err).Int64("user_id", userID).Msg("draw exercise")
			return Message{ChatID: chatID, Text: "Could not fetch an exercise. Please try again."}
		}
		return Message{ChatID: chatID, Text: formatExercise(ex)}
	case "4", "interpret":
		return e.startInterpretation(ctx, sess, userID, chatID)
	case "5", "protocol":
		return e.startProtocol(ctx, sess, userID, chatID)
	case "6", "stats":
		return e.statsSnapshot(ctx, userID, chatID)
	case "7", "drill":
		return Message{ChatID: chatID, Text: realityDrill()}
	case "8", "tips":
		return Message{ChatID: chatID, Text: content.RecallTips}
	case "9", "types":
		return Message{ChatID: chatID, Text: content.DreamTypesGuide}
	default:
		return Message{ChatID: chatID, Text: "Use /menu to open options, or send 'new' to log a dream.", ShowMenu: true}
	}
}

func (e *Engine) confirmEntry(ctx context.Context, sess *session, userID, chatID int64) Message {
	draft := sess.draft
	draft.UserID = userID
	if draft.Title == "" {
		draft.Title = summarize(draft.Setting, 60)
	}
	entry, streak, err := e.journal.PersistEntry(ctx, &draft)
	if err != nil {
		// Keep the buffered sections so the user can retry confirmation.
		e.log.Error().Err(err).Int64("user_id", userID).Msg("persist entry")
		return Message{ChatID: chatID, Text: "Saving failed. Your entry is still here - reply 'yes' to retry."}
	}
	gen := e.resetSession(sess)
	e.spawnInterpretation(userID, chatID, gen)

	tags := "none"
	if len(entry.Symbols) > 0 {
		tags = strings.Join(entry.Symbols, ", ")
	}
	return Message{ChatID: chatID, ShowMenu: true, Text: fmt.Sprintf(
		"Dream saved. Streak: %d day(s).\nSymbols: %s\nInterpretation is on its way.", streak, tags)}
}

func (e *Engine) dreamIndex(ctx context.Context, userID, chatID int64) Message {
	entries, err := e.journal.RecentEntries(ctx, userID, 12)
	if err != nil {
		e.log.Error().Err(err).Int64("user_id", userID).Msg("dream index")
		return Message{ChatID: chatID, Text: "Could not load your entries. Please try again."}
	}
	if len(entries) == 0 {
		return Message{ChatID: chatID, Text: "No entries yet. Send 'new' to log your first dream."}
	}
	lines := []string{"Dream Index (latest 12):"}
	for i, en := range entries {
		mark := ""
		if en.Lucid {
			mark = " [lucid]"
		}
		title := en.Title
		if title == "" {
			title = summarize(en.Setting, 40)
		}
		lines = append(lines, fmt.Sprintf("%d. %s | %s%s",
			i+1, en.CaptureTime.Format("2006-01-02"), title, mark))
	}
	return Message{ChatID: chatID, Text: strings.Join(lines, "\n")}
}

func (e *Engine) statsSnapshot(ctx context.Context, userID, chatID int64) Message {
	stats, err := e.journal.Stats(ctx, userID)
	if err != nil {
		e.log.Error().Err(err).Int64("user_id", userID).Msg("stats")
		return Message{ChatID: chatID, Text: "Could not load your stats. Please try again."}
	}
	symParts := make([]string, 0, len(stats.TopSymbols))
	for _, sc := range stats.TopSymbols {
		symParts = append(symParts, fmt.Sprintf("%s(%d)", sc.Tag, sc.Count))
	}
	symbols := "no recurring symbols yet"
	if len(symParts) > 0 {
		symbols = strings.Join(symParts, ", ")
	}
	return Message{ChatID: chatID, Text: fmt.Sprintf(
		"Progress Snapshot:\n- 30-day entries: %d\n- 30-day lucid count: %d\n- Lucid ratio: %.1f%%\n- Current streak: %d days\n- Top recurring symbols: %s",
		stats.Entries30, stats.Lucid30, stats.LucidRatio, stats.Streak, symbols)}
}

func (e *Engine) startInterpretation(ctx context.Context, sess *session, userID, chatID int64) Message {
	if _, err := e.journal.LatestEntry(ctx, userID); err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return Message{ChatID: chatID, Text: "No dream found. Save one first."}
		}
		e.log.Error().Err(err).Int64("user_id", userID).Msg("latest entry")
		return Message{ChatID: chatID, Text: "Could not load your last dream. Please try again."}
	}
	gen := e.generationOf(sess)
	go e.deliver(userID, chatID, gen, func(ctx context.Context) (string, error) {
		in, err := e.gen.InterpretLatest(ctx, userID)
		if err != nil {
			return "", err
		}
		return in.Text, nil
	})
	return Message{ChatID: chatID, Text: "Generating interpretation..."}
}

func (e *Engine) startProtocol(ctx context.Context, sess *session, userID, chatID int64) Message {
	gen := e.generationOf(sess)
	go e.deliver(userID, chatID, gen, func(ctx context.Context) (string, error) {
		in, prot, err := e.gen.Generate(ctx, userID)
		if err != nil {
			return "", err
		}
		return in.Text + "\n\n" + formatProtocol(prot), nil
	})
	return Message{ChatID: chatID, Text: content.BaselineProtocol + "\n\nPersonalizing your 7-day protocol..."}
}

func (e *Engine) spawnInterpretation(userID, chatID int64, gen uint64) {
	go e.deliver(userID, chatID, gen, func(ctx context.Context) (string, error) {
		in, err := e.gen.InterpretLatest(ctx, userID)
		if err != nil {
			return "", err
		}
		return in.Text, nil
	})
}

// deliver runs one generation unit of work off the request path and sends the
// result, unless the session was cancelled or restarted in the meantime.
func (e *Engine) deliver(userID, chatID int64, gen uint64, run func(ctx context.Context) (string, error)) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	text, err := run(ctx)
	if err != nil {
		e.log.Warn().Err(err).Int64("user_id", userID).Msg("generation failed")
		text = "Interpretation unavailable right now, please retry in a bit."
	}

	if e.stale(userID, gen) {
		e.log.Debug().Int64("user_id", userID).Uint64("generation", gen).Msg("stale generation result discarded")
		return
	}
	if err := e.sender.Send(ctx, Message{ChatID: chatID, Text: text}); err != nil {
		e.log.Warn().Err(err).Int64("user_id", userID).Msg("async send failed")
	}
}

func (e *Engine) stale(userID int64, gen uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[userID]
	return !ok || s.generation != gen
}

// resetSession clears the capture buffer and bumps the generation so any
// in-flight async work is discarded. Returns the new generation.
func (e *Engine) resetSession(s *session) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	s.reset()
	return s.generation
}

func (e *Engine) generationOf(s *session) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return s.generation
}

func parseYesNo(text string) (bool, bool) {
	switch strings.ToLower(text) {
	case "yes", "y", "true", "lucid":
		return true, true
	case "no", "n", "false":
		return false, true
	default:
		return false, false
	}
}

func confirmSummary(d *model.DreamEntry) string {
	lucid := "no"
	if d.Lucid {
		lucid = "yes"
	}
	tags := "none"
	if len(d.Symbols) > 0 {
		tags = strings.Join(d.Symbols, ", ")
	}
	return fmt.Sprintf(
		"Review your entry:\nSetting: %s\nCharacters: %s\nEmotions: %s\nLucid: %s\nClarity: %d/5\nSymbols: %s\n\nSave it? (yes/no)",
		summarize(d.Setting, 80), summarize(d.Characters, 80), summarize(d.Emotions, 80), lucid, d.Clarity, tags)
}

// summarize collapses whitespace and truncates to max runes, never splitting
// a multi-byte character.
func summarize(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max-3]) + "..."
}

func formatExercise(ex *model.Exercise) string {
	return fmt.Sprintf("%s (tier %d)\n\n%s", ex.Title, ex.Tier, ex.Instructions)
}

func formatProtocol(p *model.Protocol) string {
	lines := []string{"Your 7-Day Protocol:"}
	for _, d := range p.Days {
		lines = append(lines, fmt.Sprintf("Day %d (tier %d): %s", d.Day, d.Tier, d.Instruction))
	}
	return strings.Join(lines, "\n")
}

func realityDrill() string {
	qs := rand.Perm(len(content.ProbingQuestions))
	n := 3
	if len(qs) < n {
		n = len(qs)
	}
	lines := []string{"Reality Check Drill:"}
	for _, i := range qs[:n] {
		lines = append(lines, "- "+content.ProbingQuestions[i])
	}
	return strings.Join(lines, "\n")
}
