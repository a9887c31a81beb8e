package store

import (
	"context"
	"time"

	"github.com/somnolab/somnia/internal/model"
)

// Store exposes persistence operations required by services.
// Implementations live under internal/store/<driver>/ (e.g., sqlite, postgres).
type Store interface {
	Users() Users
	Entries() Entries
	Symbols() Symbols
	Exercises() Exercises
	Interpretations() Interpretations
	Protocols() Protocols
}

type Users interface {
	// Upsert creates the profile on first contact and refreshes username and
	// chat id on subsequent ones. Streak fields are not touched.
	Upsert(ctx context.Context, u *model.User) (*model.User, error)
	Get(ctx context.Context, userID int64) (*model.User, error)
	List(ctx context.Context) ([]*model.User, error)
	SetReminder(ctx context.Context, userID int64, hhmm *string) error
	SetStreak(ctx context.Context, userID int64, streak int, lastDate string) error
}

type Entries interface {
	Create(ctx context.Context, e *model.DreamEntry) (*model.DreamEntry, error)
	Latest(ctx context.Context, userID int64) (*model.DreamEntry, error)
	ListRecent(ctx context.Context, userID int64, limit int) ([]*model.DreamEntry, error)
	ListSince(ctx context.Context, userID int64, since time.Time) ([]*model.DreamEntry, error)
	SetInterpretation(ctx context.Context, userID int64, entryID, interpretationID string) error
}

type Symbols interface {
	// Bump creates the tag with count 1 or increments it, updating last-seen.
	Bump(ctx context.Context, userID int64, tag, entryID string, seen time.Time) error
	List(ctx context.Context, userID int64) ([]*model.Symbol, error)
}

type Exercises interface {
	Put(ctx context.Context, e *model.Exercise) (*model.Exercise, error)
	GetByID(ctx context.Context, exerciseID string) (*model.Exercise, error)
	List(ctx context.Context) ([]*model.Exercise, error)
	Random(ctx context.Context) (*model.Exercise, error)
}

type Interpretations interface {
	Create(ctx context.Context, in *model.Interpretation) (*model.Interpretation, error)
	Get(ctx context.Context, userID int64, interpretationID string) (*model.Interpretation, error)
}

type Protocols interface {
	// Put persists a new protocol; it supersedes (not merges) the prior one.
	Put(ctx context.Context, p *model.Protocol) (*model.Protocol, error)
	Latest(ctx context.Context, userID int64) (*model.Protocol, error)
}
