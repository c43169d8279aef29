package common

import (
	"path/filepath"
	"sync"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/arbor/models"
)

var (
	globalLogger arbor.ILogger
	loggerMutex  sync.RWMutex
)

// GetLogger returns the global logger instance
func GetLogger() arbor.ILogger {
	loggerMutex.RLock()
	if globalLogger != nil {
		loggerMutex.RUnlock()
		return globalLogger
	}
	loggerMutex.RUnlock()

	loggerMutex.Lock()
	defer loggerMutex.Unlock()

	// Double-check after acquiring write lock
	if globalLogger == nil {
		globalLogger = arbor.NewLogger().WithConsoleWriter(models.WriterConfiguration{
			Type:             models.LogWriterTypeConsole,
			TimeFormat:       "15:04:05",
			TextOutput:       true,
			DisableTimestamp: false,
		})
	}
	return globalLogger
}

// InitLogger initializes the arbor logger with configuration.
// Console output plus a file writer at data/temp/system.log with a single
// 5 MiB rotation (system.log.old).
func InitLogger(config *Config) arbor.ILogger {
	loggerMutex.Lock()
	defer loggerMutex.Unlock()

	logger := arbor.NewLogger().WithConsoleWriter(models.WriterConfiguration{
		Type:             models.LogWriterTypeConsole,
		TimeFormat:       "15:04:05",
		TextOutput:       true,
		DisableTimestamp: false,
	})

	logFile := filepath.Join(config.TempDir(), "system.log")
	logger = logger.WithFileWriter(models.WriterConfiguration{
		Type:             models.LogWriterTypeFile,
		FileName:         logFile,
		TimeFormat:       "15:04:05",
		MaxSize:          5 * 1024 * 1024,
		MaxBackups:       1,
		TextOutput:       true,
		DisableTimestamp: false,
	})

	logger = logger.WithLevelFromString(config.Logging.Level)

	globalLogger = logger
	return logger
}
