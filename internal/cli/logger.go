package cli

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/term"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/gantryhq/gantry/internal/constants"
	"github.com/gantryhq/gantry/internal/logging"
)

// logFileWriter holds the log file writer for cleanup during shutdown.
var logFileWriter io.WriteCloser //nolint:gochecknoglobals // Needed for cleanup

// zerologConfigOnce ensures zerolog global settings are configured exactly once.
var zerologConfigOnce sync.Once //nolint:gochecknoglobals // One-time configuration

// zerologGlobalMu protects concurrent writes to the zerolog global logger.
var zerologGlobalMu sync.Mutex //nolint:gochecknoglobals // Protects zerolog global

// configureZerologGlobals sets zerolog global field names to match the
// checkpoint and state record field naming.
func configureZerologGlobals() {
	zerologConfigOnce.Do(func() {
		zerolog.TimestampFieldName = "ts"
		zerolog.MessageFieldName = "event"
	})
}

// InitLogger creates and configures a zerolog.Logger based on verbosity flags.
//
// Log levels are set as follows:
//   - verbose=true: Debug level (most detailed)
//   - quiet=true: Warn level (errors and warnings only)
//   - default: Info level (normal operation)
//
// Output format is determined by the terminal:
//   - TTY with colors enabled: Console writer with timestamps
//   - Non-TTY or NO_COLOR set: JSON output to stderr
//
// The logger also writes to <home>/logs/gantry.log with rotation enabled.
// If the log file cannot be created, the logger continues with console-only
// output.
func InitLogger(verbose, quiet bool) zerolog.Logger {
	configureZerologGlobals()

	level := selectLevel(verbose, quiet)
	console := selectOutput()

	var writer io.Writer = console
	if fileWriter, err := createLogFileWriter(); err == nil {
		logFileWriter = fileWriter
		writer = zerolog.MultiLevelWriter(console, fileWriter)
	}

	logger := zerolog.New(writer).
		Level(level).
		Hook(logging.NewSensitiveDataHook()).
		With().Timestamp().Logger()
	setGlobalLogger(logger)
	return logger
}

// InitLoggerWithWriter creates a logger with a custom writer, for tests.
func InitLoggerWithWriter(verbose, quiet bool, w io.Writer) zerolog.Logger {
	configureZerologGlobals()

	logger := zerolog.New(w).
		Level(selectLevel(verbose, quiet)).
		Hook(logging.NewSensitiveDataHook()).
		With().Timestamp().Logger()
	setGlobalLogger(logger)
	return logger
}

// setGlobalLogger configures the global zerolog logger to match the CLI
// logger, so code using the zerolog/log package shares the formatting.
func setGlobalLogger(cliLogger zerolog.Logger) {
	zerologGlobalMu.Lock()
	defer zerologGlobalMu.Unlock()
	log.Logger = cliLogger
}

// CloseLogFile closes the global log file writer if it was opened.
// This should be called during application shutdown.
func CloseLogFile() {
	if logFileWriter != nil {
		_ = logFileWriter.Close()
		logFileWriter = nil
	}
}

// selectLevel determines the appropriate log level based on flags.
func selectLevel(verbose, quiet bool) zerolog.Level {
	switch {
	case verbose:
		return zerolog.DebugLevel
	case quiet:
		return zerolog.WarnLevel
	default:
		return zerolog.InfoLevel
	}
}

// selectOutput determines the appropriate output writer based on terminal
// capabilities and environment settings.
func selectOutput() io.Writer {
	if term.IsTerminal(int(os.Stderr.Fd())) && os.Getenv("NO_COLOR") == "" {
		return zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: time.Kitchen,
		}
	}
	return os.Stderr
}

// filteringWriteCloser wraps a WriteCloser with sensitive data filtering.
type filteringWriteCloser struct {
	filter *logging.FilteringWriter
	closer io.Closer
}

// Write implements io.Writer by delegating to the filtering writer.
func (fwc *filteringWriteCloser) Write(p []byte) (n int, err error) {
	return fwc.filter.Write(p)
}

// Close implements io.Closer by delegating to the underlying closer.
func (fwc *filteringWriteCloser) Close() error {
	return fwc.closer.Close()
}

// createLogFileWriter creates a rotating file writer for the global log,
// wrapped with a filtering writer so sensitive data never reaches disk.
func createLogFileWriter() (io.WriteCloser, error) {
	gantryHome, err := getGantryHome()
	if err != nil {
		return nil, err
	}

	logDir := filepath.Join(gantryHome, constants.LogsDir)
	logPath := filepath.Join(logDir, constants.LogFileName)

	if err := os.MkdirAll(logDir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	lj := &lumberjack.Logger{
		Filename:   logPath,
		MaxSize:    constants.LogMaxSizeMB,
		MaxBackups: constants.LogMaxBackups,
		MaxAge:     constants.LogMaxAgeDays,
		Compress:   constants.LogCompress,
	}

	return &filteringWriteCloser{
		filter: logging.NewFilteringWriter(lj),
		closer: lj,
	}, nil
}

// getGantryHome returns the gantry home directory path. GANTRY_HOME wins
// when set; otherwise ~/.gantry.
func getGantryHome() (string, error) {
	if gantryHome := os.Getenv(constants.HomeEnvVar); gantryHome != "" {
		return gantryHome, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}

	return filepath.Join(home, constants.GantryHome), nil
}

// LogFilePath returns the path to the global log file, for display.
func LogFilePath() (string, error) {
	gantryHome, err := getGantryHome()
	if err != nil {
		return "", err
	}
	return filepath.Join(gantryHome, constants.LogsDir, constants.LogFileName), nil
}
