package observ

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger()

// Init configures the process-wide logger. Unknown levels fall back to info.
func Init(level string, pretty bool) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	out := zerolog.New(os.Stdout)
	if pretty {
		out = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	logger = out.Level(lvl).With().Timestamp().Logger()
}

// Logger returns the process logger for callers that want typed fields.
func Logger() *zerolog.Logger {
	return &logger
}

// Log emits a single structured event with ad hoc fields. Cycle decisions
// and guard blocks report through here so every line carries an event name.
func Log(event string, kv map[string]any) {
	e := logger.Info()
	for k, v := range kv {
		e = e.Interface(k, v)
	}
	e.Msg(event)
}
