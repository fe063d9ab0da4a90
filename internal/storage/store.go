// internal/storage/store.go
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lumix-ai/lottoseq/internal/dataset"
	"github.com/lumix-ai/lottoseq/internal/sampler"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
)

// Store - SQLite persistence for the draw history and the log of served
// generations. It satisfies dataset.Source.
type Store struct {
	db *sql.DB
}

var _ dataset.Source = (*Store)(nil)

// Open opens (creating if needed) the database at path and ensures the
// schema exists. ":memory:" gives a private in-memory database.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("storage: open: %w", err)
	}
	// sqlite allows one writer; a single connection also keeps :memory:
	// databases alive across calls.
	db.SetMaxOpenConns(1)
	s := &Store{db: db}
	if err := s.init(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS draws (
			draw_no INTEGER PRIMARY KEY,
			date TEXT NOT NULL DEFAULT '',
			numbers TEXT NOT NULL,
			bonus INTEGER NOT NULL,
			imported_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS generations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			batch_id TEXT NOT NULL,
			variant TEXT NOT NULL,
			temperature REAL NOT NULL,
			top_k INTEGER NOT NULL,
			set_index INTEGER NOT NULL,
			numbers TEXT NOT NULL,
			bonus INTEGER NOT NULL,
			created_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_generations_batch ON generations(batch_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("storage: init schema: %w", err)
		}
	}
	return nil
}

// UpsertDraws inserts or replaces draws by draw number in one transaction
// and returns how many rows were written.
func (s *Store) UpsertDraws(ctx context.Context, draws []dataset.Draw) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("storage: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO draws (draw_no, date, numbers, bonus, imported_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(draw_no) DO UPDATE SET
			date = excluded.date,
			numbers = excluded.numbers,
			bonus = excluded.bonus,
			imported_at = excluded.imported_at`)
	if err != nil {
		return 0, fmt.Errorf("storage: prepare upsert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, d := range draws {
		if err := d.Validate(); err != nil {
			return 0, err
		}
		nums, err := json.Marshal(d.Numbers)
		if err != nil {
			return 0, fmt.Errorf("storage: marshal numbers: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, d.DrawNo, d.Date, string(nums), d.Bonus, now); err != nil {
			return 0, fmt.Errorf("storage: upsert draw %d: %w", d.DrawNo, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("storage: commit draws: %w", err)
	}
	log.Debug().Int("draws", len(draws)).Msg("Draws stored")
	return len(draws), nil
}

// Draws returns the stored history in draw order, validating every row.
func (s *Store) Draws(ctx context.Context) ([]dataset.Draw, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT draw_no, date, numbers, bonus FROM draws ORDER BY draw_no`)
	if err != nil {
		return nil, fmt.Errorf("storage: query draws: %w", err)
	}
	defer rows.Close()

	var draws []dataset.Draw
	for rows.Next() {
		var (
			no, bonus int
			date, raw string
			nums      []int
		)
		if err := rows.Scan(&no, &date, &raw, &bonus); err != nil {
			return nil, fmt.Errorf("storage: scan draw: %w", err)
		}
		if err := json.Unmarshal([]byte(raw), &nums); err != nil {
			return nil, fmt.Errorf("storage: draw %d numbers: %w", no, err)
		}
		d, err := dataset.NewDraw(no, date, nums, bonus)
		if err != nil {
			return nil, err
		}
		draws = append(draws, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: iterate draws: %w", err)
	}
	return draws, nil
}

func (s *Store) CountDraws(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM draws`).Scan(&n); err != nil {
		return 0, fmt.Errorf("storage: count draws: %w", err)
	}
	return n, nil
}

// Batch - one served generation request.
type Batch struct {
	ID          uuid.UUID
	Variant     string
	Temperature float64
	TopK        int
	Sets        []sampler.GeneratedSet
	CreatedAt   time.Time
}

// RecordBatch stores every set of b under its batch id.
func (s *Store) RecordBatch(ctx context.Context, b Batch) error {
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for i, set := range b.Sets {
		nums, err := json.Marshal(set.Main)
		if err != nil {
			return fmt.Errorf("storage: marshal set: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO generations (batch_id, variant, temperature, top_k, set_index, numbers, bonus, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			b.ID.String(), b.Variant, b.Temperature, b.TopK, i, string(nums), set.Bonus, b.CreatedAt)
		if err != nil {
			return fmt.Errorf("storage: record set: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage: commit batch: %w", err)
	}
	return nil
}

// LoadBatch returns a recorded batch; found is false when the id is unknown.
func (s *Store) LoadBatch(ctx context.Context, id uuid.UUID) (b Batch, found bool, err error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT variant, temperature, top_k, numbers, bonus, created_at
		FROM generations WHERE batch_id = ? ORDER BY set_index`, id.String())
	if err != nil {
		return Batch{}, false, fmt.Errorf("storage: query batch: %w", err)
	}
	defer rows.Close()

	b.ID = id
	for rows.Next() {
		var (
			raw   string
			bonus int
			main  []int
		)
		if err := rows.Scan(&b.Variant, &b.Temperature, &b.TopK, &raw, &bonus, &b.CreatedAt); err != nil {
			return Batch{}, false, fmt.Errorf("storage: scan set: %w", err)
		}
		if err := json.Unmarshal([]byte(raw), &main); err != nil {
			return Batch{}, false, fmt.Errorf("storage: set numbers: %w", err)
		}
		set, err := sampler.NewGeneratedSet(main, bonus)
		if err != nil {
			return Batch{}, false, err
		}
		b.Sets = append(b.Sets, set)
	}
	if err := rows.Err(); err != nil {
		return Batch{}, false, fmt.Errorf("storage: iterate batch: %w", err)
	}
	return b, len(b.Sets) > 0, nil
}

func (s *Store) CountBatches(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(DISTINCT batch_id) FROM generations`).Scan(&n); err != nil {
		return 0, fmt.Errorf("storage: count batches: %w", err)
	}
	return n, nil
}
