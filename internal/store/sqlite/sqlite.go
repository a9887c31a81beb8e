package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/somnolab/somnia/internal/model"
	"github.com/somnolab/somnia/internal/store"
)

// Open opens (or creates) a SQLite database at the given path and enables WAL
// journal mode. The URI parameter ensures better concurrency for read-heavy
// workloads.
func Open(path string) (*sql.DB, error) {
	if path != ":memory:" {
		// ensure parent directory exists to avoid SQLITE_CANTOPEN errors
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS users (
    user_id           INTEGER PRIMARY KEY,
    chat_id           INTEGER NOT NULL,
    username          TEXT,
    time_zone         TEXT NOT NULL DEFAULT 'UTC',
    reminder_utc      TEXT,
    streak            INTEGER NOT NULL DEFAULT 0,
    last_capture_date TEXT,
    creation_time     TIMESTAMP NOT NULL,
    update_time       TIMESTAMP
);

CREATE TABLE IF NOT EXISTS dream_entries (
    entry_id          TEXT PRIMARY KEY,
    user_id           INTEGER NOT NULL,
    title             TEXT NOT NULL DEFAULT '',
    setting           TEXT NOT NULL DEFAULT '',
    characters        TEXT NOT NULL DEFAULT '',
    emotions          TEXT NOT NULL DEFAULT '',
    lucid             INTEGER NOT NULL DEFAULT 0,
    clarity           INTEGER NOT NULL DEFAULT 0,
    symbols           TEXT NOT NULL DEFAULT '[]',
    interpretation_id TEXT,
    capture_time      TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_entries_user_time ON dream_entries(user_id, capture_time DESC);

CREATE TABLE IF NOT EXISTS symbols (
    user_id       INTEGER NOT NULL,
    tag           TEXT NOT NULL,
    count         INTEGER NOT NULL DEFAULT 0,
    last_entry_id TEXT NOT NULL DEFAULT '',
    last_seen     TIMESTAMP NOT NULL,
    PRIMARY KEY (user_id, tag)
);

CREATE TABLE IF NOT EXISTS exercises (
    exercise_id  TEXT PRIMARY KEY,
    title        TEXT NOT NULL,
    instructions TEXT NOT NULL,
    tier         INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS interpretations (
    interpretation_id TEXT PRIMARY KEY,
    user_id           INTEGER NOT NULL,
    entry_id          TEXT NOT NULL DEFAULT '',
    body              TEXT NOT NULL,
    creation_time     TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS protocols (
    protocol_id   TEXT PRIMARY KEY,
    user_id       INTEGER NOT NULL,
    days          TEXT NOT NULL,
    creation_time TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_protocols_user_time ON protocols(user_id, creation_time DESC);
`

// New opens the database at path, bootstraps the schema, and returns a Store.
func New(path string) (store.Store, error) {
	db, err := Open(path)
	if err != nil {
		return nil, err
	}
	return NewWithDB(db)
}

// NewWithDB wires a Store over an existing connection and ensures the schema.
func NewWithDB(db *sql.DB) (store.Store, error) {
	if _, err := db.Exec(schemaDDL); err != nil {
		return nil, fmt.Errorf("sqlite schema bootstrap: %w", err)
	}
	return &sqliteStore{db: db}, nil
}

type sqliteStore struct{ db *sql.DB }

func (s *sqliteStore) Users() store.Users                     { return &users{db: s.db} }
func (s *sqliteStore) Entries() store.Entries                 { return &entries{db: s.db} }
func (s *sqliteStore) Symbols() store.Symbols                 { return &symbols{db: s.db} }
func (s *sqliteStore) Exercises() store.Exercises             { return &exercises{db: s.db} }
func (s *sqliteStore) Interpretations() store.Interpretations { return &interpretations{db: s.db} }
func (s *sqliteStore) Protocols() store.Protocols             { return &protocols{db: s.db} }

// HealthPing implements the health checker used by the admin API.
func (s *sqliteStore) HealthPing(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// --- Users ---

type users struct{ db *sql.DB }

func (u *users) Upsert(ctx context.Context, m *model.User) (*model.User, error) {
	now := time.Now().UTC()
	tz := m.TimeZone
	if tz == "" {
		tz = "UTC"
	}
	_, err := u.db.ExecContext(ctx, `
        INSERT INTO users (user_id, chat_id, username, time_zone, creation_time)
        VALUES (?,?,?,?,?)
        ON CONFLICT(user_id) DO UPDATE SET
            chat_id = excluded.chat_id,
            username = excluded.username,
            update_time = ?
    `, m.UserID, m.ChatID, m.Username, tz, now, now)
	if err != nil {
		return nil, err
	}
	return u.Get(ctx, m.UserID)
}

func (u *users) Get(ctx context.Context, userID int64) (*model.User, error) {
	row := u.db.QueryRowContext(ctx, `
        SELECT user_id, chat_id, username, time_zone, reminder_utc, streak,
               last_capture_date, creation_time, update_time
        FROM users WHERE user_id = ?
    `, userID)
	return scanUser(row)
}

func (u *users) List(ctx context.Context) ([]*model.User, error) {
	rows, err := u.db.QueryContext(ctx, `
        SELECT user_id, chat_id, username, time_zone, reminder_utc, streak,
               last_capture_date, creation_time, update_time
        FROM users ORDER BY user_id
    `)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*model.User
	for rows.Next() {
		m, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (u *users) SetReminder(ctx context.Context, userID int64, hhmm *string) error {
	res, err := u.db.ExecContext(ctx,
		`UPDATE users SET reminder_utc = ?, update_time = ? WHERE user_id = ?`,
		hhmm, time.Now().UTC(), userID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (u *users) SetStreak(ctx context.Context, userID int64, streak int, lastDate string) error {
	res, err := u.db.ExecContext(ctx,
		`UPDATE users SET streak = ?, last_capture_date = ?, update_time = ? WHERE user_id = ?`,
		streak, lastDate, time.Now().UTC(), userID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*model.User, error) {
	var out model.User
	err := row.Scan(&out.UserID, &out.ChatID, &out.Username, &out.TimeZone,
		&out.ReminderUTC, &out.Streak, &out.LastCaptureDate, &out.CreationTime, &out.UpdateTime)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return model.ErrNotFound
	}
	return nil
}

// --- Entries ---

type entries struct{ db *sql.DB }

func (e *entries) Create(ctx context.Context, m *model.DreamEntry) (*model.DreamEntry, error) {
	id := m.EntryID
	if id == "" {
		id = uuid.New().String()
	}
	captured := m.CaptureTime
	if captured.IsZero() {
		captured = time.Now().UTC()
	}
	tags, err := json.Marshal(m.Symbols)
	if err != nil {
		return nil, err
	}
	_, err = e.db.ExecContext(ctx, `
        INSERT INTO dream_entries
            (entry_id, user_id, title, setting, characters, emotions, lucid, clarity, symbols, capture_time)
        VALUES (?,?,?,?,?,?,?,?,?,?)
    `, id, m.UserID, m.Title, m.Setting, m.Characters, m.Emotions, m.Lucid, m.Clarity, string(tags), captured)
	if err != nil {
		return nil, err
	}
	out := *m
	out.EntryID = id
	out.CaptureTime = captured
	return &out, nil
}

const entryCols = `entry_id, user_id, title, setting, characters, emotions,
    lucid, clarity, symbols, interpretation_id, capture_time`

func (e *entries) Latest(ctx context.Context, userID int64) (*model.DreamEntry, error) {
	row := e.db.QueryRowContext(ctx,
		`SELECT `+entryCols+` FROM dream_entries WHERE user_id = ? ORDER BY capture_time DESC LIMIT 1`,
		userID)
	return scanEntry(row)
}

func (e *entries) ListRecent(ctx context.Context, userID int64, limit int) ([]*model.DreamEntry, error) {
	if limit <= 0 {
		limit = 30
	}
	rows, err := e.db.QueryContext(ctx,
		`SELECT `+entryCols+` FROM dream_entries WHERE user_id = ? ORDER BY capture_time DESC LIMIT ?`,
		userID, limit)
	if err != nil {
		return nil, err
	}
	return collectEntries(rows)
}

func (e *entries) ListSince(ctx context.Context, userID int64, since time.Time) ([]*model.DreamEntry, error) {
	rows, err := e.db.QueryContext(ctx,
		`SELECT `+entryCols+` FROM dream_entries WHERE user_id = ? AND capture_time >= ? ORDER BY capture_time DESC`,
		userID, since)
	if err != nil {
		return nil, err
	}
	return collectEntries(rows)
}

func (e *entries) SetInterpretation(ctx context.Context, userID int64, entryID, interpretationID string) error {
	res, err := e.db.ExecContext(ctx,
		`UPDATE dream_entries SET interpretation_id = ? WHERE user_id = ? AND entry_id = ?`,
		interpretationID, userID, entryID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func scanEntry(row rowScanner) (*model.DreamEntry, error) {
	var out model.DreamEntry
	var rawTags string
	err := row.Scan(&out.EntryID, &out.UserID, &out.Title, &out.Setting, &out.Characters,
		&out.Emotions, &out.Lucid, &out.Clarity, &rawTags, &out.InterpretationID, &out.CaptureTime)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	// Tolerate documents written before the symbols column carried JSON.
	if rawTags != "" {
		_ = json.Unmarshal([]byte(rawTags), &out.Symbols)
	}
	return &out, nil
}

func collectEntries(rows *sql.Rows) ([]*model.DreamEntry, error) {
	defer func() { _ = rows.Close() }()
	var out []*model.DreamEntry
	for rows.Next() {
		m, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// --- Symbols ---

type symbols struct{ db *sql.DB }

func (s *symbols) Bump(ctx context.Context, userID int64, tag, entryID string, seen time.Time) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO symbols (user_id, tag, count, last_entry_id, last_seen)
        VALUES (?,?,1,?,?)
        ON CONFLICT(user_id, tag) DO UPDATE SET
            count = count + 1,
            last_entry_id = excluded.last_entry_id,
            last_seen = excluded.last_seen
    `, userID, tag, entryID, seen)
	return err
}

func (s *symbols) List(ctx context.Context, userID int64) ([]*model.Symbol, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT user_id, tag, count, last_entry_id, last_seen
        FROM symbols WHERE user_id = ? ORDER BY count DESC, tag ASC
    `, userID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*model.Symbol
	for rows.Next() {
		var m model.Symbol
		if err := rows.Scan(&m.UserID, &m.Tag, &m.Count, &m.LastEntryID, &m.LastSeen); err != nil {
			return nil, err
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

// --- Exercises ---

type exercises struct{ db *sql.DB }

func (x *exercises) Put(ctx context.Context, m *model.Exercise) (*model.Exercise, error) {
	id := m.ExerciseID
	if id == "" {
		id = uuid.New().String()
	}
	_, err := x.db.ExecContext(ctx, `
        INSERT INTO exercises (exercise_id, title, instructions, tier)
        VALUES (?,?,?,?)
        ON CONFLICT(exercise_id) DO UPDATE SET
            title = excluded.title,
            instructions = excluded.instructions,
            tier = excluded.tier
    `, id, m.Title, m.Instructions, m.Tier)
	if err != nil {
		return nil, err
	}
	out := *m
	out.ExerciseID = id
	return &out, nil
}

func (x *exercises) GetByID(ctx context.Context, exerciseID string) (*model.Exercise, error) {
	row := x.db.QueryRowContext(ctx,
		`SELECT exercise_id, title, instructions, tier FROM exercises WHERE exercise_id = ?`,
		exerciseID)
	return scanExercise(row)
}

func (x *exercises) List(ctx context.Context) ([]*model.Exercise, error) {
	rows, err := x.db.QueryContext(ctx,
		`SELECT exercise_id, title, instructions, tier FROM exercises ORDER BY tier, title`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*model.Exercise
	for rows.Next() {
		m, err := scanExercise(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (x *exercises) Random(ctx context.Context) (*model.Exercise, error) {
	row := x.db.QueryRowContext(ctx,
		`SELECT exercise_id, title, instructions, tier FROM exercises ORDER BY RANDOM() LIMIT 1`)
	return scanExercise(row)
}

func scanExercise(row rowScanner) (*model.Exercise, error) {
	var out model.Exercise
	err := row.Scan(&out.ExerciseID, &out.Title, &out.Instructions, &out.Tier)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// --- Interpretations ---

type interpretations struct{ db *sql.DB }

func (i *interpretations) Create(ctx context.Context, m *model.Interpretation) (*model.Interpretation, error) {
	id := m.InterpretationID
	if id == "" {
		id = uuid.New().String()
	}
	created := m.CreationTime
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := i.db.ExecContext(ctx, `
        INSERT INTO interpretations (interpretation_id, user_id, entry_id, body, creation_time)
        VALUES (?,?,?,?,?)
    `, id, m.UserID, m.EntryID, m.Text, created)
	if err != nil {
		return nil, err
	}
	out := *m
	out.InterpretationID = id
	out.CreationTime = created
	return &out, nil
}

func (i *interpretations) Get(ctx context.Context, userID int64, interpretationID string) (*model.Interpretation, error) {
	var out model.Interpretation
	row := i.db.QueryRowContext(ctx, `
        SELECT interpretation_id, user_id, entry_id, body, creation_time
        FROM interpretations WHERE user_id = ? AND interpretation_id = ?
    `, userID, interpretationID)
	err := row.Scan(&out.InterpretationID, &out.UserID, &out.EntryID, &out.Text, &out.CreationTime)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// --- Protocols ---

type protocols struct{ db *sql.DB }

func (p *protocols) Put(ctx context.Context, m *model.Protocol) (*model.Protocol, error) {
	id := m.ProtocolID
	if id == "" {
		id = uuid.New().String()
	}
	created := m.CreationTime
	if created.IsZero() {
		created = time.Now().UTC()
	}
	days, err := json.Marshal(m.Days)
	if err != nil {
		return nil, err
	}
	_, err = p.db.ExecContext(ctx, `
        INSERT INTO protocols (protocol_id, user_id, days, creation_time)
        VALUES (?,?,?,?)
    `, id, m.UserID, string(days), created)
	if err != nil {
		return nil, err
	}
	out := *m
	out.ProtocolID = id
	out.CreationTime = created
	return &out, nil
}

func (p *protocols) Latest(ctx context.Context, userID int64) (*model.Protocol, error) {
	var out model.Protocol
	var rawDays string
	row := p.db.QueryRowContext(ctx, `
        SELECT protocol_id, user_id, days, creation_time
        FROM protocols WHERE user_id = ? ORDER BY creation_time DESC LIMIT 1
    `, userID)
	err := row.Scan(&out.ProtocolID, &out.UserID, &rawDays, &out.CreationTime)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(rawDays), &out.Days); err != nil {
		return nil, fmt.Errorf("decode protocol days: %w", err)
	}
	return &out, nil
}
