// Package logging provides config-driven categorized file-based logging for
// the stackmemory engine. Logs are written to <project_root>/.data/logs/
// with one file per category. Logging is controlled by debug_mode in the
// engine config — when false, no logs are written and all calls are no-ops.
package logging

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Category identifies a logging subsystem, one file per category.
type Category string

const (
	CategoryBoot        Category = "boot"
	CategoryEngine      Category = "engine"
	CategoryClock       Category = "clock"
	CategoryEventLog    Category = "eventlog"
	CategoryFrameStore  Category = "framestore"
	CategoryAnchor      Category = "anchor"
	CategoryEmbedding   Category = "embedding"
	CategoryRetrieval   Category = "retrieval"
	CategoryAssembler   Category = "assembler"
	CategoryTrace       Category = "trace"
	CategoryIntent      Category = "intent"
	CategoryCache       Category = "cache"
	CategoryPersistence Category = "persistence"
	CategoryAPI         Category = "api"
)

// loggingConfig mirrors the relevant parts of config.LoggingConfig. Defined
// locally to avoid an import cycle with the config package.
type loggingConfig struct {
	DebugMode  bool            `json:"debug_mode" yaml:"debug_mode"`
	Categories map[string]bool `json:"categories" yaml:"categories"`
	Level      string          `json:"level" yaml:"level"`
	JSONFormat bool            `json:"json_format" yaml:"json_format"`
}

// Log levels.
const (
	LevelDebug = 0
	LevelInfo  = 1
	LevelWarn  = 2
	LevelError = 3
)

// StructuredLogEntry is a JSON-serializable log record.
type StructuredLogEntry struct {
	Timestamp int64                  `json:"ts"`
	Category  string                 `json:"cat"`
	Level     string                 `json:"lvl"`
	Message   string                 `json:"msg"`
	RequestID string                 `json:"req,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// Logger writes to one category's log file.
type Logger struct {
	category Category
	logger   *log.Logger
	file     *os.File
}

var (
	loggers      = make(map[Category]*Logger)
	loggersMu    sync.RWMutex
	logsDir      string
	cfg          loggingConfig
	cfgMu        sync.RWMutex
	logLevel     = LevelInfo
)

// Initialize sets up the logging directory for the given project root.
// Debug mode and category filters come from SetConfig; until SetConfig is
// called loggers default to disabled (production mode, no files written).
func Initialize(projectRoot string) error {
	if projectRoot == "" {
		return fmt.Errorf("logging: project root required")
	}
	logsDir = filepath.Join(projectRoot, ".data", "logs")
	return nil
}

// SetConfig installs the logging configuration (normally called once from
// engine.New). It controls which categories emit and whether output is
// JSON-structured.
func SetConfig(debugMode bool, categories map[string]bool, level string, jsonFormat bool) {
	cfgMu.Lock()
	defer cfgMu.Unlock()

	cfg.DebugMode = debugMode
	cfg.Categories = categories
	cfg.JSONFormat = jsonFormat
	cfg.Level = level

	switch level {
	case "debug":
		logLevel = LevelDebug
	case "warn", "warning":
		logLevel = LevelWarn
	case "error":
		logLevel = LevelError
	default:
		logLevel = LevelInfo
	}

	if debugMode && logsDir != "" {
		_ = os.MkdirAll(logsDir, 0o755)
	}
}

// IsDebugMode reports whether logging is currently enabled.
func IsDebugMode() bool {
	cfgMu.RLock()
	defer cfgMu.RUnlock()
	return cfg.DebugMode
}

// IsCategoryEnabled reports whether a category currently emits log lines.
func IsCategoryEnabled(category Category) bool {
	cfgMu.RLock()
	defer cfgMu.RUnlock()

	if !cfg.DebugMode {
		return false
	}
	if cfg.Categories == nil {
		return true
	}
	enabled, exists := cfg.Categories[string(category)]
	if !exists {
		return true
	}
	return enabled
}

// Get returns (or lazily creates) the logger for a category. A disabled
// category returns a no-op logger — callers never need to check IsDebugMode
// before logging.
func Get(category Category) *Logger {
	if !IsCategoryEnabled(category) || logsDir == "" {
		return &Logger{category: category}
	}

	loggersMu.RLock()
	if l, ok := loggers[category]; ok {
		loggersMu.RUnlock()
		return l
	}
	loggersMu.RUnlock()

	loggersMu.Lock()
	defer loggersMu.Unlock()

	if l, ok := loggers[category]; ok {
		return l
	}

	date := time.Now().Format("2006-01-02")
	filename := fmt.Sprintf("%s_%s.log", date, category)
	logPath := filepath.Join(logsDir, filename)

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[logging] could not open log file %s: %v\n", logPath, err)
		return &Logger{category: category}
	}

	l := &Logger{
		category: category,
		file:     file,
		logger:   log.New(file, "", log.Ldate|log.Ltime|log.Lmicroseconds),
	}
	loggers[category] = l
	return l
}

func (l *Logger) logJSON(level, msg string) {
	entry := StructuredLogEntry{
		Timestamp: time.Now().UnixMilli(),
		Category:  string(l.category),
		Level:     level,
		Message:   msg,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		l.logger.Printf("[%s] %s", level, msg)
		return
	}
	l.logger.Printf("%s", data)
}

func (l *Logger) Debug(format string, args ...interface{}) {
	if l.logger == nil || logLevel > LevelDebug {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if cfg.JSONFormat {
		l.logJSON("debug", msg)
		return
	}
	l.logger.Printf("[DEBUG] %s", msg)
}

func (l *Logger) Info(format string, args ...interface{}) {
	if l.logger == nil || logLevel > LevelInfo {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if cfg.JSONFormat {
		l.logJSON("info", msg)
		return
	}
	l.logger.Printf("[INFO] %s", msg)
}

func (l *Logger) Warn(format string, args ...interface{}) {
	if l.logger == nil || logLevel > LevelWarn {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if cfg.JSONFormat {
		l.logJSON("warn", msg)
		return
	}
	l.logger.Printf("[WARN] %s", msg)
}

func (l *Logger) Error(format string, args ...interface{}) {
	if l.logger == nil {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if cfg.JSONFormat {
		l.logJSON("error", msg)
		return
	}
	l.logger.Printf("[ERROR] %s", msg)
}

// CloseAll closes every open log file. Call at process shutdown.
func CloseAll() {
	loggersMu.Lock()
	defer loggersMu.Unlock()
	for _, l := range loggers {
		if l.file != nil {
			l.file.Close()
		}
	}
	loggers = make(map[Category]*Logger)
}

// Timer measures and logs an operation's duration.
type Timer struct {
	category Category
	op       string
	start    time.Time
}

// StartTimer begins timing an operation in a category.
func StartTimer(category Category, operation string) *Timer {
	return &Timer{category: category, op: operation, start: time.Now()}
}

// Stop ends the timer, logging the elapsed time at debug level.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithThreshold logs a warning if the operation exceeded threshold,
// otherwise logs at debug level. Used to surface slow storage/oracle calls.
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	elapsed := time.Since(t.start)
	if elapsed > threshold {
		Get(t.category).Warn("%s took %v (threshold %v)", t.op, elapsed, threshold)
	} else {
		Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	}
	return elapsed
}
