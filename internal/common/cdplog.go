package common

import (
	"path/filepath"
	"sync"

	"github.com/phuslu/log"
)

var (
	cdpLogger *log.Logger
	cdpOnce   sync.Once
)

// CDPLogf returns printf-style sinks for chromedp's context logging.
// DevTools protocol traffic is noisy, so it goes to its own file under
// data/temp instead of the main system log.
func CDPLogf(config *Config) (logf, errf func(string, ...interface{})) {
	cdpOnce.Do(func() {
		cdpLogger = &log.Logger{
			Level: log.DebugLevel,
			Writer: &log.FileWriter{
				Filename:   filepath.Join(config.TempDir(), "cdp.log"),
				MaxSize:    10 * 1024 * 1024,
				MaxBackups: 1,
			},
		}
	})

	logf = func(format string, args ...interface{}) {
		cdpLogger.Debug().Msgf(format, args...)
	}
	errf = func(format string, args ...interface{}) {
		cdpLogger.Error().Msgf(format, args...)
	}
	return logf, errf
}
