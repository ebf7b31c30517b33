package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
)

// LogLevelFromString converts string to LogLevel
func LogLevelFromString(level string) LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return DEBUG
	case "info":
		return INFO
	case "warn", "warning":
		return WARN
	case "error":
		return ERROR
	case "fatal":
		return FATAL
	default:
		return INFO
	}
}

// InitializeFromConfig initializes the global logger from configuration
func InitializeFromConfig(nodeID string, logConfig LogConfig) (*Logger, error) {
	if logConfig.EnableFile && logConfig.LogDir != "" {
		if err := os.MkdirAll(logConfig.LogDir, 0755); err != nil {
			return nil, errors.Wrap(err, "failed to create log directory")
		}
	}

	logFile := logConfig.LogFile
	if logFile == "" && logConfig.EnableFile {
		if logConfig.LogDir != "" {
			logFile = filepath.Join(logConfig.LogDir, fmt.Sprintf("%s.log", nodeID))
		} else {
			logFile = fmt.Sprintf("%s.log", nodeID)
		}
	}

	logger, err := NewLogger(Config{
		Level:         LogLevelFromString(logConfig.Level),
		NodeID:        nodeID,
		LogFile:       logFile,
		EnableConsole: logConfig.EnableConsole,
		EnableFile:    logConfig.EnableFile,
		JSON:          logConfig.JSON,
	})
	if err != nil {
		return nil, err
	}
	SetGlobalLogger(logger)

	return logger, nil
}

// LogConfig represents logging configuration (matching the YAML structure)
type LogConfig struct {
	Level         string `yaml:"level"`
	EnableConsole bool   `yaml:"enable_console"`
	EnableFile    bool   `yaml:"enable_file"`
	LogFile       string `yaml:"log_file"`
	LogDir        string `yaml:"log_dir"`
	JSON          bool   `yaml:"json"`
}

// ComponentNames for structured logging
const (
	ComponentStore         = "store"
	ComponentAccess        = "access"
	ComponentIndex         = "index"
	ComponentConsolidation = "consolidation"
	ComponentPersistence   = "persistence"
	ComponentFilter        = "filter"
	ComponentConfig        = "config"
	ComponentMain          = "main"
)

// ActionNames for structured logging
const (
	ActionStart       = "start"
	ActionStop        = "stop"
	ActionStore       = "store"
	ActionRetrieve    = "retrieve"
	ActionRemove      = "remove"
	ActionEvict       = "evict"
	ActionDeny        = "deny"
	ActionDefensive   = "defensive_mode"
	ActionConsolidate = "consolidate"
	ActionPersist     = "persist"
	ActionRestore     = "restore"
	ActionSnapshot    = "snapshot"
	ActionCompaction  = "compaction"
	ActionValidation  = "validation"
	ActionInvariant   = "invariant"
)
