package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

var log = newLogger(os.Stderr)

func init() {
	if err := SetLevel(os.Getenv("LOG_LEVEL")); err != nil {
		log = log.Level(zerolog.InfoLevel)
	}
}

func newLogger(w io.Writer) zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger().
		Level(zerolog.InfoLevel)
}

// SetLevel accepts DEBUG, INFO, WARN or ERROR (case-insensitive). Empty means INFO.
func SetLevel(level string) error {
	var lvl zerolog.Level
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		lvl = zerolog.DebugLevel
	case "INFO", "":
		lvl = zerolog.InfoLevel
	case "WARN", "WARNING":
		lvl = zerolog.WarnLevel
	case "ERROR":
		lvl = zerolog.ErrorLevel
	default:
		return fmt.Errorf("unknown log level %q", level)
	}
	log = log.Level(lvl)
	return nil
}

// SetOutput redirects log output, keeping the current level.
func SetOutput(w io.Writer) {
	log = newLogger(w).Level(log.GetLevel())
}

func Debug(format string, args ...interface{}) {
	log.Debug().Msgf(format, args...)
}

func Info(format string, args ...interface{}) {
	log.Info().Msgf(format, args...)
}

func Warn(format string, args ...interface{}) {
	log.Warn().Msgf(format, args...)
}

func Error(format string, args ...interface{}) {
	log.Error().Msgf(format, args...)
}
