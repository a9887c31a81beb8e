package storetest

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/somnolab/somnia/internal/model"
	"github.com/somnolab/somnia/internal/store"
)

// NewMem returns an in-memory store.Store for tests of higher layers.
func NewMem() store.Store {
	return &memStore{
		users:           map[int64]*model.User{},
		entries:         map[int64][]*model.DreamEntry{},
		symbols:         map[int64]map[string]*model.Symbol{},
		exercises:       map[string]*model.Exercise{},
		interpretations: map[string]*model.Interpretation{},
		protocols:       map[int64][]*model.Protocol{},
	}
}

type memStore struct {
	mu              sync.Mutex
	users           map[int64]*model.User
	entries         map[int64][]*model.DreamEntry
	symbols         map[int64]map[string]*model.Symbol
	exercises       map[string]*model.Exercise
	interpretations map[string]*model.Interpretation
	protocols       map[int64][]*model.Protocol
}

func (m *memStore) Users() store.Users                     { return (*memUsers)(m) }
func (m *memStore) Entries() store.Entries                 { return (*memEntries)(m) }
func (m *memStore) Symbols() store.Symbols                 { return (*memSymbols)(m) }
func (m *memStore) Exercises() store.Exercises             { return (*memExercises)(m) }
func (m *memStore) Interpretations() store.Interpretations { return (*memInterps)(m) }
func (m *memStore) Protocols() store.Protocols             { return (*memProtocols)(m) }

type memUsers memStore

func (m *memUsers) Upsert(_ context.Context, u *model.User) (*model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.users[u.UserID]
	if !ok {
		cp := *u
		if cp.TimeZone == "" {
			cp.TimeZone = "UTC"
		}
		cp.CreationTime = time.Now().UTC()
		m.users[u.UserID] = &cp
		out := cp
		return &out, nil
	}
	existing.ChatID = u.ChatID
	existing.Username = u.Username
	now := time.Now().UTC()
	existing.UpdateTime = &now
	out := *existing
	return &out, nil
}

func (m *memUsers) Get(_ context.Context, userID int64) (*model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return nil, model.ErrNotFound
	}
	out := *u
	return &out, nil
}

func (m *memUsers) List(_ context.Context) ([]*model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*model.User, 0, len(m.users))
	for _, u := range m.users {
		cp := *u
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (m *memUsers) SetReminder(_ context.Context, userID int64, hhmm *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return model.ErrNotFound
	}
	u.ReminderUTC = hhmm
	return nil
}

func (m *memUsers) SetStreak(_ context.Context, userID int64, streak int, lastDate string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return model.ErrNotFound
	}
	u.Streak = streak
	date := lastDate
	u.LastCaptureDate = &date
	return nil
}

type memEntries memStore

func (m *memEntries) Create(_ context.Context, e *model.DreamEntry) (*model.DreamEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	if cp.EntryID == "" {
		cp.EntryID = uuid.New().String()
	}
	if cp.CaptureTime.IsZero() {
		cp.CaptureTime = time.Now().UTC()
	}
	m.entries[e.UserID] = append(m.entries[e.UserID], &cp)
	out := cp
	return &out, nil
}

func (m *memEntries) sortedDesc(userID int64) []*model.DreamEntry {
	lst := append([]*model.DreamEntry(nil), m.entries[userID]...)
	sort.Slice(lst, func(i, j int) bool { return lst[i].CaptureTime.After(lst[j].CaptureTime) })
	return lst
}

func (m *memEntries) Latest(_ context.Context, userID int64) (*model.DreamEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lst := m.sortedDesc(userID)
	if len(lst) == 0 {
		return nil, model.ErrNotFound
	}
	out := *lst[0]
	return &out, nil
}

func (m *memEntries) ListRecent(_ context.Context, userID int64, limit int) ([]*model.DreamEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lst := m.sortedDesc(userID)
	if limit > 0 && len(lst) > limit {
		lst = lst[:limit]
	}
	out := make([]*model.DreamEntry, len(lst))
	for i, e := range lst {
		cp := *e
		out[i] = &cp
	}
	return out, nil
}

func (m *memEntries) ListSince(_ context.Context, userID int64, since time.Time) ([]*model.DreamEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.DreamEntry
	for _, e := range m.sortedDesc(userID) {
		if !e.CaptureTime.Before(since) {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memEntries) SetInterpretation(_ context.Context, userID int64, entryID, interpretationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries[userID] {
		if e.EntryID == entryID {
			id := interpretationID
			e.InterpretationID = &id
			return nil
		}
	}
	return model.ErrNotFound
}

type memSymbols memStore

func (m *memSymbols) Bump(_ context.Context, userID int64, tag, entryID string, seen time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byTag, ok := m.symbols[userID]
	if !ok {
		byTag = map[string]*model.Symbol{}
		m.symbols[userID] = byTag
	}
	sym, ok := byTag[tag]
	if !ok {
		byTag[tag] = &model.Symbol{UserID: userID, Tag: tag, Count: 1, LastEntryID: entryID, LastSeen: seen}
		return nil
	}
	sym.Count++
	sym.LastEntryID = entryID
	sym.LastSeen = seen
	return nil
}

func (m *memSymbols) List(_ context.Context, userID int64) ([]*model.Symbol, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Symbol
	for _, s := range m.symbols[userID] {
		cp := *s
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Tag < out[j].Tag
	})
	return out, nil
}

type memExercises memStore

func (m *memExercises) Put(_ context.Context, e *model.Exercise) (*model.Exercise, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	if cp.ExerciseID == "" {
		cp.ExerciseID = uuid.New().String()
	}
	m.exercises[cp.ExerciseID] = &cp
	out := cp
	return &out, nil
}

func (m *memExercises) GetByID(_ context.Context, exerciseID string) (*model.Exercise, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.exercises[exerciseID]
	if !ok {
		return nil, model.ErrNotFound
	}
	out := *e
	return &out, nil
}

func (m *memExercises) List(_ context.Context) ([]*model.Exercise, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Exercise
	for _, e := range m.exercises {
		cp := *e
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Tier != out[j].Tier {
			return out[i].Tier < out[j].Tier
		}
		return out[i].Title < out[j].Title
	})
	return out, nil
}

func (m *memExercises) Random(ctx context.Context) (*model.Exercise, error) {
	all, err := m.List(ctx)
	if err != nil || len(all) == 0 {
		return nil, model.ErrNotFound
	}
	return all[rand.Intn(len(all))], nil
}

type memInterps memStore

func (m *memInterps) Create(_ context.Context, in *model.Interpretation) (*model.Interpretation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *in
	if cp.InterpretationID == "" {
		cp.InterpretationID = uuid.New().String()
	}
	if cp.CreationTime.IsZero() {
		cp.CreationTime = time.Now().UTC()
	}
	m.interpretations[cp.InterpretationID] = &cp
	out := cp
	return &out, nil
}

func (m *memInterps) Get(_ context.Context, userID int64, interpretationID string) (*model.Interpretation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	in, ok := m.interpretations[interpretationID]
	if !ok || in.UserID != userID {
		return nil, model.ErrNotFound
	}
	out := *in
	return &out, nil
}

type memProtocols memStore

func (m *memProtocols) Put(_ context.Context, p *model.Protocol) (*model.Protocol, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	if cp.ProtocolID == "" {
		cp.ProtocolID = uuid.New().String()
	}
	if cp.CreationTime.IsZero() {
		cp.CreationTime = time.Now().UTC()
	}
	cp.Days = append([]model.ProtocolDay(nil), p.Days...)
	m.protocols[p.UserID] = append(m.protocols[p.UserID], &cp)
	out := cp
	return &out, nil
}

func (m *memProtocols) Latest(_ context.Context, userID int64) (*model.Protocol, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lst := m.protocols[userID]
	if len(lst) == 0 {
		return nil, model.ErrNotFound
	}
	best := lst[0]
	for _, p := range lst[1:] {
		if !p.CreationTime.Before(best.CreationTime) {
			best = p
		}
	}
	out := *best
	return &out, nil
}
