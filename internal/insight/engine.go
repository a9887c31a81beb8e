// Package insight builds generation prompts from a user's recent history and
// turns the model's structured reply into a persisted interpretation plus a
// 7-day adaptive protocol.
package insight

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/somnolab/somnia/internal/model"
	"github.com/somnolab/somnia/internal/store"
)

// historyWindow bounds how many recent entries feed one generation.
const historyWindow = 14

const systemPrompt = `You are a dream analyst for a lucid dreaming journal.
You receive a user's recent dream entries, their recurring symbol frequencies
and their prior practice plan. Respond with JSON only, no prose around it:
{"interpretation": "<2-4 paragraphs of interpretation>",
 "protocol": [{"day": 1, "exercise_id": "<catalog id or omit>",
               "instruction": "<practice for the day>",
               "tier": <difficulty 1-3>, "rationale": "<one line>"}, ... exactly 7 days]}`

const strictSuffix = `

STRICT: your previous reply failed validation. Return ONLY the JSON object,
exactly 7 protocol days numbered 1 through 7, every field filled, no markdown.`

const interpretSystemPrompt = `You are a dream analyst for a lucid dreaming
journal. You receive the user's latest dream and their recurring symbol
frequencies. Respond with JSON only: {"interpretation": "<2-4 paragraphs>"}`

// Engine implements the generation contract over a store and a Completer.
type Engine struct {
	store store.Store
	llm   Completer
	log   zerolog.Logger
}

func NewEngine(st store.Store, llm Completer, log zerolog.Logger) *Engine {
	return &Engine{store: st, llm: llm, log: log}
}

type generatedPlan struct {
	Interpretation string `json:"interpretation"`
	Protocol       []struct {
		Day         int    `json:"day"`
		ExerciseID  string `json:"exercise_id"`
		Instruction string `json:"instruction"`
		Tier        int    `json:"tier"`
		Rationale   string `json:"rationale"`
	} `json:"protocol"`
}

// Generate produces and persists a fresh interpretation and protocol for the
// user. Persistence is all-or-nothing: a reply that fails validation after
// one stricter retry leaves the prior protocol in place.
func (e *Engine) Generate(ctx context.Context, userID int64) (*model.Interpretation, *model.Protocol, error) {
	entries, err := e.store.Entries().ListRecent(ctx, userID, historyWindow)
	if err != nil {
		return nil, nil, fmt.Errorf("load entries: %w", err)
	}
	if len(entries) == 0 {
		return nil, nil, fmt.Errorf("no entries for user %d: %w", userID, model.ErrNotFound)
	}
	symbols, err := e.store.Symbols().List(ctx, userID)
	if err != nil {
		return nil, nil, fmt.Errorf("load symbols: %w", err)
	}
	prior, err := e.store.Protocols().Latest(ctx, userID)
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return nil, nil, fmt.Errorf("load prior protocol: %w", err)
	}
	catalog, err := e.store.Exercises().List(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("load exercises: %w", err)
	}

	regressed := lucidityDropped(entries)
	floor := model.TierMin
	if prior != nil && !regressed {
		floor = prior.MaxTier()
	}

	payload := e.buildPayload(entries, symbols, prior, catalog, floor, regressed)

	known := make(map[string]bool, len(catalog))
	for _, ex := range catalog {
		known[ex.ExerciseID] = true
	}

	plan, err := e.completePlan(ctx, payload, known)
	if err != nil {
		return nil, nil, err
	}

	interp := &model.Interpretation{
		InterpretationID: uuid.NewString(),
		UserID:           userID,
		EntryID:          entries[0].EntryID,
		Text:             plan.Interpretation,
	}
	prot := &model.Protocol{
		ProtocolID: uuid.NewString(),
		UserID:     userID,
		Days:       planDays(plan, floor, regressed),
	}

	interp, err = e.store.Interpretations().Create(ctx, interp)
	if err != nil {
		return nil, nil, fmt.Errorf("persist interpretation: %w", err)
	}
	prot, err = e.store.Protocols().Put(ctx, prot)
	if err != nil {
		return nil, nil, fmt.Errorf("persist protocol: %w", err)
	}
	if err := e.store.Entries().SetInterpretation(ctx, userID, interp.EntryID, interp.InterpretationID); err != nil {
		return nil, nil, fmt.Errorf("link entry: %w", err)
	}
	e.log.Info().Int64("user_id", userID).Int("tier", prot.MaxTier()).Bool("regressed", regressed).Msg("protocol generated")
	return interp, prot, nil
}

// InterpretLatest produces and persists an interpretation of the user's most
// recent entry, without touching the protocol.
func (e *Engine) InterpretLatest(ctx context.Context, userID int64) (*model.Interpretation, error) {
	entry, err := e.store.Entries().Latest(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load latest entry: %w", err)
	}
	symbols, err := e.store.Symbols().List(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load symbols: %w", err)
	}

	payload := e.buildPayload([]*model.DreamEntry{entry}, symbols, nil, nil, model.TierMin, false)

	text, err := e.completeInterpretation(ctx, payload)
	if err != nil {
		return nil, err
	}

	interp := &model.Interpretation{
		InterpretationID: uuid.NewString(),
		UserID:           userID,
		EntryID:          entry.EntryID,
		Text:             text,
	}
	interp, err = e.store.Interpretations().Create(ctx, interp)
	if err != nil {
		return nil, fmt.Errorf("persist interpretation: %w", err)
	}
	if err := e.store.Entries().SetInterpretation(ctx, userID, entry.EntryID, interp.InterpretationID); err != nil {
		return nil, fmt.Errorf("link entry: %w", err)
	}
	return interp, nil
}

// completePlan calls the generation service and validates the reply, once
// more with a stricter instruction if the first reply is malformed.
func (e *Engine) completePlan(ctx context.Context, payload string, known map[string]bool) (*generatedPlan, error) {
	system := systemPrompt
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		raw, err := e.llm.Complete(ctx, system, payload)
		if err != nil {
			lastErr = err
		} else if plan, perr := parsePlan(raw, known); perr != nil {
			lastErr = perr
		} else {
			return plan, nil
		}
		e.log.Warn().Err(lastErr).Int("attempt", attempt+1).Msg("plan generation attempt failed")
		system = systemPrompt + strictSuffix
	}
	return nil, fmt.Errorf("generation failed after retry: %w", lastErr)
}

func (e *Engine) completeInterpretation(ctx context.Context, payload string) (string, error) {
	system := interpretSystemPrompt
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		raw, err := e.llm.Complete(ctx, system, payload)
		if err != nil {
			lastErr = err
		} else {
			var out struct {
				Interpretation string `json:"interpretation"`
			}
			if uerr := json.Unmarshal([]byte(extractJSON(raw)), &out); uerr != nil {
				lastErr = fmt.Errorf("malformed reply: %w", uerr)
			} else if strings.TrimSpace(out.Interpretation) == "" {
				lastErr = errors.New("empty interpretation")
			} else {
				return out.Interpretation, nil
			}
		}
		e.log.Warn().Err(lastErr).Int("attempt", attempt+1).Msg("interpretation attempt failed")
		system = interpretSystemPrompt + strictSuffix
	}
	return "", fmt.Errorf("generation failed after retry: %w", lastErr)
}

// buildPayload serializes the generation inputs as a compact JSON document.
func (e *Engine) buildPayload(entries []*model.DreamEntry, symbols []*model.Symbol, prior *model.Protocol, catalog []*model.Exercise, floor int, regressed bool) string {
	type entryLine struct {
		Date       string   `json:"date"`
		Setting    string   `json:"setting"`
		Characters string   `json:"characters"`
		Emotions   string   `json:"emotions"`
		Lucid      bool     `json:"lucid"`
		Clarity    int      `json:"clarity"`
		Symbols    []string `json:"symbols,omitempty"`
	}
	type exerciseLine struct {
		ID    string `json:"id"`
		Title string `json:"title"`
		Tier  int    `json:"tier"`
	}
	doc := struct {
		Entries    []entryLine    `json:"recentEntries"`
		Symbols    map[string]int `json:"symbolFrequencies"`
		PriorTiers []int          `json:"priorProtocolTiers,omitempty"`
		Catalog    []exerciseLine `json:"exerciseCatalog,omitempty"`
		FloorTier  int            `json:"minimumTier"`
		Regressed  bool           `json:"lucidityRegressed"`
	}{
		Symbols:   make(map[string]int, len(symbols)),
		FloorTier: floor,
		Regressed: regressed,
	}
	for _, en := range entries {
		doc.Entries = append(doc.Entries, entryLine{
			Date:       en.CaptureTime.Format("2006-01-02"),
			Setting:    en.Setting,
			Characters: en.Characters,
			Emotions:   en.Emotions,
			Lucid:      en.Lucid,
			Clarity:    en.Clarity,
			Symbols:    en.Symbols,
		})
	}
	for _, s := range symbols {
		doc.Symbols[s.Tag] = s.Count
	}
	if prior != nil {
		for _, d := range prior.Days {
			doc.PriorTiers = append(doc.PriorTiers, d.Tier)
		}
	}
	for _, ex := range catalog {
		doc.Catalog = append(doc.Catalog, exerciseLine{ID: ex.ExerciseID, Title: ex.Title, Tier: ex.Tier})
	}
	b, err := json.Marshal(doc)
	if err != nil {
		e.log.Error().Err(err).Msg("payload marshal")
		return "{}"
	}
	return string(b)
}

// parsePlan validates the structural contract: non-empty interpretation and
// exactly 7 days, each resolvable to a catalog exercise or carrying a
// freeform instruction.
func parsePlan(raw string, known map[string]bool) (*generatedPlan, error) {
	var plan generatedPlan
	if err := json.Unmarshal([]byte(extractJSON(raw)), &plan); err != nil {
		return nil, fmt.Errorf("malformed reply: %w", err)
	}
	if strings.TrimSpace(plan.Interpretation) == "" {
		return nil, errors.New("empty interpretation")
	}
	if len(plan.Protocol) != model.ProtocolDays {
		return nil, fmt.Errorf("expected %d protocol days, got %d", model.ProtocolDays, len(plan.Protocol))
	}
	seen := make(map[int]bool, model.ProtocolDays)
	for _, d := range plan.Protocol {
		if d.Day < 1 || d.Day > model.ProtocolDays || seen[d.Day] {
			return nil, fmt.Errorf("bad day number %d", d.Day)
		}
		seen[d.Day] = true
		if d.ExerciseID != "" && !known[d.ExerciseID] {
			return nil, fmt.Errorf("day %d references unknown exercise %q", d.Day, d.ExerciseID)
		}
		if d.ExerciseID == "" && strings.TrimSpace(d.Instruction) == "" {
			return nil, fmt.Errorf("day %d has neither exercise nor instruction", d.Day)
		}
	}
	return &plan, nil
}

// planDays converts the parsed plan into model days with the difficulty rule
// applied: tiers never drop below the prior protocol's peak, except after a
// lucidity regression, which resets the whole plan to the lowest tier.
func planDays(plan *generatedPlan, floor int, regressed bool) []model.ProtocolDay {
	days := make([]model.ProtocolDay, 0, model.ProtocolDays)
	for _, d := range plan.Protocol {
		tier := d.Tier
		if tier < model.TierMin {
			tier = model.TierMin
		}
		if tier > model.TierMax {
			tier = model.TierMax
		}
		if regressed {
			tier = model.TierMin
		} else if tier < floor {
			tier = floor
		}
		day := model.ProtocolDay{Day: d.Day, Instruction: d.Instruction, Tier: tier, Rationale: d.Rationale}
		if d.ExerciseID != "" {
			id := d.ExerciseID
			day.ExerciseID = &id
		}
		days = append(days, day)
	}
	sortDays(days)
	return days
}

func sortDays(days []model.ProtocolDay) {
	for i := 1; i < len(days); i++ {
		for j := i; j > 0 && days[j].Day < days[j-1].Day; j-- {
			days[j], days[j-1] = days[j-1], days[j]
		}
	}
}

// lucidityDropped reports a regression signal: the most recent entry lost the
// lucidity flag its predecessor had. Entries arrive newest first.
func lucidityDropped(entries []*model.DreamEntry) bool {
	return len(entries) >= 2 && !entries[0].Lucid && entries[1].Lucid
}

// extractJSON tolerates replies wrapped in markdown fences or prose by
// slicing from the first opening brace to the last closing one.
func extractJSON(raw string) string {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return raw
	}
	return raw[start : end+1]
}
