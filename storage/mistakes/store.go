// Package mistakes persists the grammar mistakes reported during chats and
// fans new reports out to other services.
package mistakes

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"voicetutor/core"
)

var ErrNotFound = errors.New("mistake not found")

// fixed width so created_at sorts as text
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SavedMistake is a stored mistake with its id.
type SavedMistake struct {
	ID string `json:"id"`
	core.Mistake
	UtteranceID string    `json:"utteranceId,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Sink receives the mistakes reported for one utterance.
type Sink interface {
	Save(ctx context.Context, utteranceID string, mistakes []core.Mistake) error
}

// Store is a SQLite-backed mistake store.
type Store struct {
	db     *sql.DB
	logger *core.Logger
	clock  func() time.Time
}

// Open creates the database file and schema if needed.
func Open(ctx context.Context, path string, logger *core.Logger) (*Store, error) {
	if logger == nil {
		logger = core.GetLogger()
	}
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, logger: logger, clock: time.Now}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	logger.Info("mistake store opened", "path", path)
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS mistakes (
    id TEXT PRIMARY KEY,
    utterance_id TEXT,
    mistake TEXT NOT NULL,
    correct TEXT NOT NULL,
    topic TEXT NOT NULL,
    practice TEXT NOT NULL,
    created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_mistakes_created ON mistakes(created_at);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Create stores one mistake under a fresh id.
func (s *Store) Create(ctx context.Context, utteranceID string, m core.Mistake) (SavedMistake, error) {
	saved, err := s.CreateMany(ctx, utteranceID, []core.Mistake{m})
	if err != nil {
		return SavedMistake{}, err
	}
	return saved[0], nil
}

// CreateMany stores all mistakes in one transaction.
func (s *Store) CreateMany(ctx context.Context, utteranceID string, mistakes []core.Mistake) (saved []SavedMistake, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	now := s.clock().UTC()
	saved = make([]SavedMistake, 0, len(mistakes))
	for i, m := range mistakes {
		row := SavedMistake{
			ID:          uuid.NewString(),
			Mistake:     m,
			UtteranceID: utteranceID,
			// keeps insertion order stable when listing
			CreatedAt: now.Add(time.Duration(i)),
		}
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO mistakes(id, utterance_id, mistake, correct, topic, practice, created_at)
			 VALUES(?, ?, ?, ?, ?, ?, ?)`,
			row.ID, row.UtteranceID, m.Mistake, m.Correct, m.Topic, m.Practice,
			row.CreatedAt.Format(timeLayout)); err != nil {
			return nil, fmt.Errorf("insert mistake: %w", err)
		}
		saved = append(saved, row)
	}
	if err = tx.Commit(); err != nil {
		return nil, err
	}
	return saved, nil
}

// Save implements Sink.
func (s *Store) Save(ctx context.Context, utteranceID string, mistakes []core.Mistake) error {
	if len(mistakes) == 0 {
		return nil
	}
	_, err := s.CreateMany(ctx, utteranceID, mistakes)
	return err
}

// List returns every mistake, oldest first.
func (s *Store) List(ctx context.Context) ([]SavedMistake, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, utterance_id, mistake, correct, topic, practice, created_at
		 FROM mistakes ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []SavedMistake{}
	for rows.Next() {
		m, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) Get(ctx context.Context, id string) (SavedMistake, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, utterance_id, mistake, correct, topic, practice, created_at
		 FROM mistakes WHERE id = ?`, id)
	m, err := scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return SavedMistake{}, ErrNotFound
	}
	return m, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scan(r scanner) (SavedMistake, error) {
	var m SavedMistake
	var utterance sql.NullString
	var created string
	if err := r.Scan(&m.ID, &utterance, &m.Mistake.Mistake, &m.Correct, &m.Topic, &m.Practice, &created); err != nil {
		return SavedMistake{}, err
	}
	m.UtteranceID = utterance.String
	if ts, err := time.Parse(timeLayout, created); err == nil {
		m.CreatedAt = ts
	}
	return m, nil
}
