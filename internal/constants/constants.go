// Package constants provides shared constants for the GANTRY workflow engine.
// These values are used across all internal packages to ensure consistent
// naming of directories, files, and lifecycle states.
//
// This package follows strict import rules:
//   - CAN import: standard library only
//   - MUST NOT import: any other internal packages
package constants

import "time"

// Directory and file layout constants.
// All durable state lives under the gantry home directory (~/.gantry by
// default, overridable via config).
const (
	// GantryHome is the default home directory name (relative to $HOME).
	GantryHome = ".gantry"

	// ItemsDir is the subdirectory holding one directory per workflow item.
	ItemsDir = "items"

	// LogsDir is the subdirectory holding rotating log files.
	LogsDir = "logs"

	// LogFileName is the name of the main rotating log file.
	LogFileName = "gantry.log"

	// ItemFileName is the versioned state record for a workflow item.
	ItemFileName = "item.json"

	// CheckpointLogFileName is the append-only checkpoint log for an item.
	CheckpointLogFileName = "checkpoints.jsonl"

	// CheckpointDBFileName is the sqlite checkpoint database (sqlite backend).
	CheckpointDBFileName = "checkpoints.db"

	// ArchiveMarkerFileName marks an item as archived. Archived items are
	// never physically deleted.
	ArchiveMarkerFileName = "archived"

	// ConfigDirName is the per-project configuration directory.
	ConfigDirName = ".gantry"

	// ConfigFileName is the configuration file name (without extension).
	ConfigFileName = "config"
)

// Log rotation settings for the main rotating log file.
const (
	// LogMaxSizeMB is the max size of a log file before rotation.
	LogMaxSizeMB = 10

	// LogMaxBackups is the number of rotated files to keep.
	LogMaxBackups = 3

	// LogMaxAgeDays is the max age of rotated files.
	LogMaxAgeDays = 30

	// LogCompress enables gzip compression of rotated files.
	LogCompress = true
)

// HomeEnvVar overrides the gantry home directory when set.
const HomeEnvVar = "GANTRY_HOME"

// ItemSchemaVersion is the current schema version for persisted
// WorkflowItem records. Incremented on breaking layout changes.
const ItemSchemaVersion = 1

// Checkpoint backend identifiers.
const (
	// CheckpointBackendFile selects the per-item JSONL checkpoint log.
	CheckpointBackendFile = "file"

	// CheckpointBackendSQLite selects the shared sqlite checkpoint database.
	CheckpointBackendSQLite = "sqlite"
)

// Default operational tuning values. All of these are overridable via
// configuration; see internal/config.
const (
	// DefaultMaxRetries bounds transient-error retries per stage.
	DefaultMaxRetries = 3

	// DefaultMaxFixAttempts bounds test-fix cycles per task.
	DefaultMaxFixAttempts = 3

	// DefaultStageTimeout bounds a single stage execution.
	DefaultStageTimeout = 30 * time.Minute

	// DefaultTaskTimeout bounds a single task execution.
	DefaultTaskTimeout = 30 * time.Minute

	// DefaultMaxConcurrency bounds parallel task dispatch within one plan.
	DefaultMaxConcurrency = 4

	// DefaultItemConcurrency bounds concurrently processed items in daemon mode.
	DefaultItemConcurrency = 2

	// DefaultPollInterval is the daemon trigger polling interval.
	DefaultPollInterval = 30 * time.Second

	// DefaultBackoffInitial is the first retry delay.
	DefaultBackoffInitial = 1 * time.Second

	// DefaultBackoffMultiplier grows the delay between retries.
	DefaultBackoffMultiplier = 2.0

	// DefaultBackoffMax caps the retry delay.
	DefaultBackoffMax = 2 * time.Minute
)
