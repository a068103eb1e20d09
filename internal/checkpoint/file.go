package checkpoint

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/gantryhq/gantry/internal/constants"
	"github.com/gantryhq/gantry/internal/ctxutil"
	"github.com/gantryhq/gantry/internal/domain"
	gantryerrors "github.com/gantryhq/gantry/internal/errors"
)

// FileStore persists checkpoints as one JSONL log per item, alongside the
// item's state record. Each line is a complete checkpoint; the log is only
// ever appended to, so a partial final line from a crash is detectable and
// ignored on read.
type FileStore struct {
	home string
	mu   sync.Mutex
}

// NewFileStore creates a FileStore rooted at the given gantry home
// directory. If home is empty, ~/.gantry is used.
func NewFileStore(home string) (*FileStore, error) {
	if home == "" {
		userHome, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		home = filepath.Join(userHome, constants.GantryHome)
	}
	return &FileStore{home: home}, nil
}

// Ensure FileStore implements Store.
var _ Store = (*FileStore)(nil)

// Append records a new checkpoint at the next sequence number.
func (s *FileStore) Append(ctx context.Context, itemID string, stage constants.Stage, payload *domain.CheckpointPayload) (*domain.Checkpoint, error) {
	if err := ctxutil.Canceled(ctx); err != nil {
		return nil, err
	}
	if itemID == "" {
		return nil, fmt.Errorf("failed to append checkpoint: item id %w", gantryerrors.ErrEmptyValue)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.readLog(itemID)
	if err != nil {
		return nil, err
	}

	var nextSeq uint64 = 1
	if len(existing) > 0 {
		nextSeq = existing[len(existing)-1].SequenceNumber + 1
	}

	cp, err := buildCheckpoint(itemID, nextSeq, stage, payload)
	if err != nil {
		return nil, err
	}

	if err := s.appendLine(itemID, cp); err != nil {
		return nil, fmt.Errorf("failed to append checkpoint for item %q: %w", itemID, err)
	}
	return cp, nil
}

// Latest returns the most recent checkpoint for the item.
func (s *FileStore) Latest(ctx context.Context, itemID string) (*domain.Checkpoint, error) {
	if err := ctxutil.Canceled(ctx); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	checkpoints, err := s.readLog(itemID)
	if err != nil {
		return nil, err
	}
	if len(checkpoints) == 0 {
		return nil, fmt.Errorf("no checkpoints for item %q: %w", itemID, gantryerrors.ErrCheckpointNotFound)
	}
	return checkpoints[len(checkpoints)-1], nil
}

// List returns every checkpoint for the item in sequence order.
func (s *FileStore) List(ctx context.Context, itemID string) ([]*domain.Checkpoint, error) {
	if err := ctxutil.Canceled(ctx); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.readLog(itemID)
}

// Close is a no-op for the file backend.
func (s *FileStore) Close() error { return nil }

// readLog parses the item's checkpoint log, verifying sequence ordering.
// A missing log yields an empty slice. Callers must hold s.mu.
func (s *FileStore) readLog(itemID string) ([]*domain.Checkpoint, error) {
	f, err := os.Open(s.logPath(itemID)) //#nosec G304 -- path is constructed from trusted base
	if err != nil {
		if os.IsNotExist(err) {
			return []*domain.Checkpoint{}, nil
		}
		return nil, fmt.Errorf("failed to open checkpoint log for item %q: %w", itemID, err)
	}
	defer func() { _ = f.Close() }()

	var checkpoints []*domain.Checkpoint
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var lastSeq uint64
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var cp domain.Checkpoint
		if err := json.Unmarshal(line, &cp); err != nil {
			// A torn final line from a crash mid-append is expected;
			// everything before it is intact.
			break
		}

		if cp.SequenceNumber <= lastSeq {
			return nil, fmt.Errorf("checkpoint log for item %q has sequence %d after %d: %w",
				itemID, cp.SequenceNumber, lastSeq, gantryerrors.ErrCheckpointSequence)
		}
		lastSeq = cp.SequenceNumber
		checkpoints = append(checkpoints, &cp)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read checkpoint log for item %q: %w", itemID, err)
	}
	if checkpoints == nil {
		checkpoints = []*domain.Checkpoint{}
	}
	return checkpoints, nil
}

// appendLine appends one checkpoint as a JSON line, syncing before return.
func (s *FileStore) appendLine(itemID string, cp *domain.Checkpoint) error {
	if err := os.MkdirAll(s.itemDir(itemID), 0o750); err != nil {
		return fmt.Errorf("failed to create item directory: %w", err)
	}

	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	data = append(data, '\n')

	f, err := os.OpenFile(s.logPath(itemID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600) //#nosec G304 -- path is constructed internally
	if err != nil {
		return fmt.Errorf("failed to open checkpoint log: %w", err)
	}

	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to sync checkpoint log: %w", err)
	}
	return f.Close()
}

func (s *FileStore) itemDir(itemID string) string {
	return filepath.Join(s.home, constants.ItemsDir, itemID)
}

func (s *FileStore) logPath(itemID string) string {
	return filepath.Join(s.itemDir(itemID), constants.CheckpointLogFileName)
}
