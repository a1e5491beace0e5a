// Package logutil configures the package-level logrus logger shared by
// every component of the engine.
package logutil

import (
	"os"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
)

var once sync.Once

// Init configures the logrus level from NANCORE_LOG_LEVEL, defaulting to Info.
// It is safe to call from multiple goroutines; only the first call applies.
func Init() {
	once.Do(func() {
		levelStr := strings.ToLower(os.Getenv("NANCORE_LOG_LEVEL"))
		level, err := log.ParseLevel(levelStr)
		if err != nil {
			level = log.InfoLevel
		}

		log.SetLevel(level)
		log.SetFormatter(&log.TextFormatter{
			FullTimestamp: true,
		})
	})
}
