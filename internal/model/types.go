package model

import "time"

// User is a chat-scoped profile. The streak counter and last capture date live
// on the profile row so the consecutive-day rule is a single read-modify-write.
type User struct {
	UserID          int64      `json:"userId"`
	ChatID          int64      `json:"chatId"`
	Username        *string    `json:"username,omitempty"`
	TimeZone        string     `json:"timeZone"`
	ReminderUTC     *string    `json:"reminderUtc,omitempty"` // "HH:MM", nil when no daily reminder is set
	Streak          int        `json:"streak"`
	LastCaptureDate *string    `json:"lastCaptureDate,omitempty"` // "2006-01-02" in the user's timezone
	CreationTime    time.Time  `json:"creationTime"`
	UpdateTime      *time.Time `json:"updateTime,omitempty"`
}

// DreamEntry is an immutable capture record. Only the interpretation back-link
// may change after creation.
type DreamEntry struct {
	EntryID          string    `json:"entryId"`
	UserID           int64     `json:"userId"`
	Title            string    `json:"title,omitempty"`
	Setting          string    `json:"setting"`
	Characters       string    `json:"characters"`
	Emotions         string    `json:"emotions"`
	Lucid            bool      `json:"lucid"`
	Clarity          int       `json:"clarity"` // recall clarity 1-5
	Symbols          []string  `json:"symbols,omitempty"`
	InterpretationID *string   `json:"interpretationId,omitempty"`
	CaptureTime      time.Time `json:"captureTime"`
}

// Symbol is a per-user recurring tag counter, maintained incrementally on
// every entry persist.
type Symbol struct {
	UserID      int64     `json:"userId"`
	Tag         string    `json:"tag"`
	Count       int       `json:"count"`
	LastEntryID string    `json:"lastEntryId"`
	LastSeen    time.Time `json:"lastSeen"`
}

// Difficulty tiers for exercises and protocol days.
const (
	TierMin = 1
	TierMax = 3
)

// Exercise is a catalog item from the lucid-practice library.
type Exercise struct {
	ExerciseID   string `json:"exerciseId"`
	Title        string `json:"title"`
	Instructions string `json:"instructions"`
	Tier         int    `json:"tier"`
}

// Interpretation holds generated interpretation text for one entry.
type Interpretation struct {
	InterpretationID string    `json:"interpretationId"`
	UserID           int64     `json:"userId"`
	EntryID          string    `json:"entryId,omitempty"`
	Text             string    `json:"text"`
	CreationTime     time.Time `json:"creationTime"`
}

// ProtocolDays is the fixed length of an adaptive protocol.
const ProtocolDays = 7

// ProtocolDay is one day of a generated protocol. Either ExerciseID resolves
// to a catalog exercise or Instruction carries a freeform practice.
type ProtocolDay struct {
	Day         int     `json:"day"` // 1-7
	ExerciseID  *string `json:"exerciseId,omitempty"`
	Instruction string  `json:"instruction,omitempty"`
	Tier        int     `json:"tier"`
	Rationale   string  `json:"rationale,omitempty"`
}

// Protocol is a 7-day adaptive plan. A new protocol supersedes the prior one.
type Protocol struct {
	ProtocolID   string        `json:"protocolId"`
	UserID       int64         `json:"userId"`
	Days         []ProtocolDay `json:"days"`
	CreationTime time.Time     `json:"creationTime"`
}

// MaxTier returns the highest tier across the protocol's days, or TierMin for
// an empty plan.
func (p *Protocol) MaxTier() int {
	tier := TierMin
	for _, d := range p.Days {
		if d.Tier > tier {
			tier = d.Tier
		}
	}
	return tier
}

// SymbolCount is a (tag, count) pair used in stats snapshots and prompts.
type SymbolCount struct {
	Tag   string `json:"tag"`
	Count int    `json:"count"`
}

// Stats is the progress snapshot for a user.
type Stats struct {
	UserID     int64         `json:"userId"`
	Entries30  int           `json:"entries30"`
	Lucid30    int           `json:"lucid30"`
	LucidRatio float64       `json:"lucidRatio"`
	Streak     int           `json:"streak"`
	TopSymbols []SymbolCount `json:"topSymbols"`
}
