// Package state implements the durable, versioned state store for workflow
// items. One JSON record is kept per item, written atomically and guarded
// by a file lock so that a daemon and a direct single-item trigger cannot
// race on the same id.
//
// Updates use optimistic concurrency: every successful write increments the
// item's version, and a write presenting a stale expected version fails
// with a StateConflictError. The caller must reload and retry the mutation;
// stale state is never silently merged.
package state

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/gantryhq/gantry/internal/constants"
	"github.com/gantryhq/gantry/internal/ctxutil"
	"github.com/gantryhq/gantry/internal/domain"
	gantryerrors "github.com/gantryhq/gantry/internal/errors"
	"github.com/gantryhq/gantry/internal/flock"
)

// LockTimeout is the maximum duration to wait for acquiring a file lock.
const LockTimeout = 5 * time.Second

// Directory and file permission constants.
const (
	dirPerm  = 0o750
	filePerm = 0o600
)

// Mutator applies an in-place change to a loaded item during Update.
// Returning an error aborts the update without writing.
type Mutator func(*domain.WorkflowItem) error

// Store defines the contract the orchestrator requires from item
// persistence. All writes are durable before the call returns.
type Store interface {
	// Load retrieves an item by id.
	// Returns ErrItemNotFound if the item doesn't exist.
	Load(ctx context.Context, id string) (*domain.WorkflowItem, error)

	// Create persists a new item. Returns ErrItemExists if present.
	// The stored item starts at version 1.
	Create(ctx context.Context, id string, initial *domain.WorkflowItem) (*domain.WorkflowItem, error)

	// Update applies mutate to the current record and persists the result,
	// incrementing the version. Fails with a *StateConflictError if the
	// persisted version differs from expectedVersion; the caller must
	// reload and retry.
	Update(ctx context.Context, id string, expectedVersion int64, mutate Mutator) (*domain.WorkflowItem, error)

	// Archive marks an item archived. Archived items remain readable but
	// reject further updates. Items are never physically deleted.
	Archive(ctx context.Context, id string) error

	// List returns all known items, sorted by id for deterministic
	// iteration. Archived items are included.
	List(ctx context.Context) ([]*domain.WorkflowItem, error)
}

// FileStore implements Store using the local filesystem.
type FileStore struct {
	home string // usually ~/.gantry
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

// Load retrieves an item by id.
func (s *FileStore) Load(ctx context.Context, id string) (*domain.WorkflowItem, error) {
	if err := ctxutil.Canceled(ctx); err != nil {
		return nil, err
	}
	if id == "" {
		return nil, fmt.Errorf("failed to load item: id %w", gantryerrors.ErrEmptyValue)
	}

	itemDir := s.itemDir(id)
	if _, err := os.Stat(itemDir); os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load item %q: %w", id, gantryerrors.ErrItemNotFound)
	}

	lock, err := s.acquireLock(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load item %q: %w", id, err)
	}
	defer func() { _ = s.releaseLock(lock) }()

	return s.readItem(id)
}

// Create persists a new item at version 1.
func (s *FileStore) Create(ctx context.Context, id string, initial *domain.WorkflowItem) (*domain.WorkflowItem, error) {
	if err := ctxutil.Canceled(ctx); err != nil {
		return nil, err
	}
	if id == "" {
		return nil, fmt.Errorf("failed to create item: id %w", gantryerrors.ErrEmptyValue)
	}
	if initial == nil {
		return nil, fmt.Errorf("failed to create item: initial state %w", gantryerrors.ErrEmptyValue)
	}

	itemDir := s.itemDir(id)
	if _, err := os.Stat(s.itemFilePath(id)); err == nil {
		return nil, fmt.Errorf("failed to create item %q: %w", id, gantryerrors.ErrItemExists)
	}

	if err := os.MkdirAll(itemDir, dirPerm); err != nil {
		return nil, fmt.Errorf("failed to create item directory: %w", err)
	}

	lock, err := s.acquireLock(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to create item %q: %w", id, err)
	}
	defer func() { _ = s.releaseLock(lock) }()

	// Re-check under the lock: a concurrent creator may have won.
	if _, err := os.Stat(s.itemFilePath(id)); err == nil {
		return nil, fmt.Errorf("failed to create item %q: %w", id, gantryerrors.ErrItemExists)
	}

	item := *initial
	item.ID = id
	item.Version = 1
	item.SchemaVersion = constants.ItemSchemaVersion
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}
	item.UpdatedAt = item.CreatedAt

	if err := s.writeItem(&item); err != nil {
		return nil, fmt.Errorf("failed to create item %q: %w", id, err)
	}
	return &item, nil
}

// Update applies mutate under the file lock with a version check.
func (s *FileStore) Update(ctx context.Context, id string, expectedVersion int64, mutate Mutator) (*domain.WorkflowItem, error) {
	if err := ctxutil.Canceled(ctx); err != nil {
		return nil, err
	}
	if id == "" {
		return nil, fmt.Errorf("failed to update item: id %w", gantryerrors.ErrEmptyValue)
	}
	if mutate == nil {
		return nil, fmt.Errorf("failed to update item: mutator %w", gantryerrors.ErrEmptyValue)
	}

	lock, err := s.acquireLock(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to update item %q: %w", id, err)
	}
	defer func() { _ = s.releaseLock(lock) }()

	if s.isArchived(id) {
		return nil, fmt.Errorf("failed to update item %q: %w", id, gantryerrors.ErrItemArchived)
	}

	item, err := s.readItem(id)
	if err != nil {
		return nil, err
	}

	if item.Version != expectedVersion {
		return nil, &gantryerrors.StateConflictError{
			ID:       id,
			Expected: expectedVersion,
			Actual:   item.Version,
		}
	}

	if err := mutate(item); err != nil {
		return nil, fmt.Errorf("failed to update item %q: %w", id, err)
	}

	item.Version++
	item.UpdatedAt = time.Now().UTC()

	if err := s.writeItem(item); err != nil {
		return nil, fmt.Errorf("failed to update item %q: %w", id, err)
	}
	return item, nil
}

// Archive marks an item archived via a marker file. The record and its
// checkpoint log are preserved.
func (s *FileStore) Archive(ctx context.Context, id string) error {
	if err := ctxutil.Canceled(ctx); err != nil {
		return err
	}
	if id == "" {
		return fmt.Errorf("failed to archive item: id %w", gantryerrors.ErrEmptyValue)
	}

	lock, err := s.acquireLock(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to archive item %q: %w", id, err)
	}
	defer func() { _ = s.releaseLock(lock) }()

	if _, err := os.Stat(s.itemFilePath(id)); os.IsNotExist(err) {
		return fmt.Errorf("failed to archive item %q: %w", id, gantryerrors.ErrItemNotFound)
	}

	marker := filepath.Join(s.itemDir(id), constants.ArchiveMarkerFileName)
	if err := atomicWrite(marker, []byte(time.Now().UTC().Format(time.RFC3339)+"\n")); err != nil {
		return fmt.Errorf("failed to archive item %q: %w", id, err)
	}
	return nil
}

// List returns all known items sorted by id.
func (s *FileStore) List(ctx context.Context) ([]*domain.WorkflowItem, error) {
	if err := ctxutil.Canceled(ctx); err != nil {
		return nil, err
	}

	itemsDir := s.itemsDir()
	if _, err := os.Stat(itemsDir); os.IsNotExist(err) {
		return []*domain.WorkflowItem{}, nil
	}

	entries, err := os.ReadDir(itemsDir)
	if err != nil {
		return nil, fmt.Errorf("failed to list items: %w", err)
	}

	items := make([]*domain.WorkflowItem, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if err := ctxutil.Canceled(ctx); err != nil {
			return nil, err
		}
		item, err := s.Load(ctx, entry.Name())
		if err != nil {
			// Skip directories without a readable record.
			continue
		}
		items = append(items, item)
	}

	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items, nil
}

// IsArchived reports whether the item carries the archive marker.
func (s *FileStore) IsArchived(ctx context.Context, id string) (bool, error) {
	if err := ctxutil.Canceled(ctx); err != nil {
		return false, err
	}
	return s.isArchived(id), nil
}

// readItem parses the item record. Callers must hold the lock.
func (s *FileStore) readItem(id string) (*domain.WorkflowItem, error) {
	data, err := os.ReadFile(s.itemFilePath(id)) //#nosec G304 -- path is constructed from trusted base
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read item %q: %w", id, gantryerrors.ErrItemNotFound)
		}
		return nil, fmt.Errorf("failed to read item %q: %w", id, err)
	}

	var item domain.WorkflowItem
	if err := json.Unmarshal(data, &item); err != nil {
		return nil, fmt.Errorf("failed to parse item %q: %w: %v", id, gantryerrors.ErrItemCorrupted, err)
	}
	return &item, nil
}

// writeItem marshals and atomically persists the record. Callers must hold
// the lock.
func (s *FileStore) writeItem(item *domain.WorkflowItem) error {
	data, err := json.MarshalIndent(item, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal item: %w", err)
	}
	return atomicWrite(s.itemFilePath(item.ID), data)
}

func (s *FileStore) isArchived(id string) bool {
	_, err := os.Stat(filepath.Join(s.itemDir(id), constants.ArchiveMarkerFileName))
	return err == nil
}

// Path helpers.

func (s *FileStore) itemsDir() string {
	return filepath.Join(s.home, constants.ItemsDir)
}

func (s *FileStore) itemDir(id string) string {
	return filepath.Join(s.itemsDir(), id)
}

func (s *FileStore) itemFilePath(id string) string {
	return filepath.Join(s.itemDir(id), constants.ItemFileName)
}

func (s *FileStore) lockFilePath(id string) string {
	return filepath.Join(s.itemDir(id), constants.ItemFileName+".lock")
}

// acquireLock acquires an exclusive file lock for the item, respecting
// context cancellation during the retry loop.
func (s *FileStore) acquireLock(ctx context.Context, id string) (*os.File, error) {
	if err := os.MkdirAll(s.itemDir(id), dirPerm); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}

	f, err := os.OpenFile(s.lockFilePath(id), os.O_CREATE|os.O_RDWR, filePerm) //#nosec G304 -- path is constructed internally
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}

	deadline := time.Now().Add(LockTimeout)
	for {
		if err := ctxutil.Canceled(ctx); err != nil {
			_ = f.Close()
			return nil, err
		}

		if err := flock.Exclusive(f.Fd()); err == nil {
			return f, nil
		}

		if time.Now().After(deadline) {
			_ = f.Close()
			return nil, fmt.Errorf("failed to acquire lock: %w", gantryerrors.ErrLockTimeout)
		}

		timer := time.NewTimer(50 * time.Millisecond)
		select {
		case <-ctx.Done():
			timer.Stop()
			_ = f.Close()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// releaseLock releases a file lock.
func (s *FileStore) releaseLock(f *os.File) error {
	if f == nil {
		return nil
	}
	if err := flock.Unlock(f.Fd()); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return f.Close()
}

// atomicWrite writes data to a file atomically using write-then-rename,
// syncing before the rename so an acknowledged write is never lost.
func atomicWrite(path string, data []byte) error {
	tmpPath := path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, filePerm) //#nosec G304 -- path is constructed internally
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}

	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to write data: %w", err)
	}

	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to sync file: %w", err)
	}

	if err := f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename file: %w", err)
	}
	return nil
}
