package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // pure-Go sqlite driver

	"github.com/gantryhq/gantry/internal/constants"
	"github.com/gantryhq/gantry/internal/ctxutil"
	"github.com/gantryhq/gantry/internal/domain"
	gantryerrors "github.com/gantryhq/gantry/internal/errors"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS checkpoints (
	item_id   TEXT    NOT NULL,
	seq       INTEGER NOT NULL,
	stage     TEXT    NOT NULL,
	payload   BLOB    NOT NULL,
	timestamp TEXT    NOT NULL,
	PRIMARY KEY (item_id, seq)
);
CREATE INDEX IF NOT EXISTS idx_checkpoints_item ON checkpoints (item_id, seq DESC);
`

// SQLiteStore persists checkpoints in a single sqlite database shared by
// all items. The (item_id, seq) primary key enforces the append-only,
// strictly increasing sequence invariant at the database level.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the checkpoint database under
// the given gantry home directory.
func NewSQLiteStore(home string) (*SQLiteStore, error) {
	if home == "" {
		userHome, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		home = filepath.Join(userHome, constants.GantryHome)
	}
	if err := os.MkdirAll(home, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create home directory: %w", err)
	}

	dbPath := filepath.Join(home, constants.CheckpointDBFileName)
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint database: %w", err)
	}

	// sqlite handles one writer at a time; serialize at the pool level to
	// avoid SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize checkpoint schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Ensure SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

// Append records a new checkpoint at the next sequence number.
func (s *SQLiteStore) Append(ctx context.Context, itemID string, stage constants.Stage, payload *domain.CheckpointPayload) (*domain.Checkpoint, error) {
	if err := ctxutil.Canceled(ctx); err != nil {
		return nil, err
	}
	if itemID == "" {
		return nil, fmt.Errorf("failed to append checkpoint: item id %w", gantryerrors.ErrEmptyValue)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin checkpoint transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var nextSeq uint64 = 1
	var lastSeq sql.NullInt64
	row := tx.QueryRowContext(ctx, `SELECT MAX(seq) FROM checkpoints WHERE item_id = ?`, itemID)
	if err := row.Scan(&lastSeq); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to read last sequence for item %q: %w", itemID, err)
	}
	if lastSeq.Valid {
		nextSeq = uint64(lastSeq.Int64) + 1 //#nosec G115 -- sequences are always positive
	}

	cp, err := buildCheckpoint(itemID, nextSeq, stage, payload)
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO checkpoints (item_id, seq, stage, payload, timestamp) VALUES (?, ?, ?, ?, ?)`,
		cp.ItemID, cp.SequenceNumber, string(cp.Stage), []byte(cp.Payload), cp.Timestamp.Format(timeLayout))
	if err != nil {
		return nil, fmt.Errorf("failed to insert checkpoint for item %q: %w", itemID, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit checkpoint for item %q: %w", itemID, err)
	}
	return cp, nil
}

// Latest returns the most recent checkpoint for the item.
func (s *SQLiteStore) Latest(ctx context.Context, itemID string) (*domain.Checkpoint, error) {
	if err := ctxutil.Canceled(ctx); err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT item_id, seq, stage, payload, timestamp FROM checkpoints WHERE item_id = ? ORDER BY seq DESC LIMIT 1`,
		itemID)

	cp, err := scanCheckpoint(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("no checkpoints for item %q: %w", itemID, gantryerrors.ErrCheckpointNotFound)
		}
		return nil, fmt.Errorf("failed to read latest checkpoint for item %q: %w", itemID, err)
	}
	return cp, nil
}

// List returns every checkpoint for the item in sequence order.
func (s *SQLiteStore) List(ctx context.Context, itemID string) ([]*domain.Checkpoint, error) {
	if err := ctxutil.Canceled(ctx); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT item_id, seq, stage, payload, timestamp FROM checkpoints WHERE item_id = ? ORDER BY seq ASC`,
		itemID)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints for item %q: %w", itemID, err)
	}
	defer func() { _ = rows.Close() }()

	checkpoints := []*domain.Checkpoint{}
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint for item %q: %w", itemID, err)
		}
		checkpoints = append(checkpoints, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list checkpoints for item %q: %w", itemID, err)
	}
	return checkpoints, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const timeLayout = "2006-01-02T15:04:05.999999999Z07:00"

func parseTimestamp(s string) (time.Time, error) {
	ts, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse checkpoint timestamp %q: %w", s, err)
	}
	return ts, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCheckpoint(row rowScanner) (*domain.Checkpoint, error) {
	var (
		cp       domain.Checkpoint
		stage    string
		payload  []byte
		tsString string
	)
	if err := row.Scan(&cp.ItemID, &cp.SequenceNumber, &stage, &payload, &tsString); err != nil {
		return nil, err
	}
	cp.Stage = constants.Stage(stage)
	cp.Payload = payload

	ts, err := parseTimestamp(tsString)
	if err != nil {
		return nil, err
	}
	cp.Timestamp = ts
	return &cp, nil
}
