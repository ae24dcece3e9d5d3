package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the process-level base logger every WithComponent call
// derives from. Subsystems never read it directly; they're handed the
// child logger returned by WithComponent at construction time.
var Logger zerolog.Logger

// Level names the four levels an operator can select at startup.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config is the startup logging configuration read from command-line
// flags: a minimum level, console vs. JSON output, and an optional
// output override for tests.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init sets the global level and builds the base Logger every
// WithComponent call derives from. Console output (the default) is
// for interactive use; JSONOutput is for log shipping.
func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case InfoLevel:
		level = zerolog.InfoLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}

// WithComponent returns a child logger tagged with component, the
// entry point every subsystem constructor uses to get its own logger
// at wiring time (see enclave.New). Callers that need a per-request
// field — shard, collection, tx id — chain their own .With() off the
// result rather than going through a dedicated WithX helper here, since
// which fields matter differs by subsystem and call site.
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}
