package debug

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Debug levels
const (
	LevelOff     = 0 // No output
	LevelInfo    = 1 // Important info (device, session, saved files)
	LevelLive    = 2 // Live info (captures, benchmarks)
	LevelVerbose = 3 // Verbose (requests, state transitions)
	LevelTrace   = 4 // Trace (frames, GPIO, very low level)
)

var (
	mu     sync.RWMutex
	level  int
	out    io.Writer = os.Stdout
	logger *zerolog.Logger
)

// Init initializes the debug system with a level (0-4).
// 0 = no output
// 1 = important info (device opened, session ready, files saved)
// 2 = live info (captures, benchmarks)
// 3 = verbose (requests, settings, state transitions)
// 4 = trace (frames, buffers, GPIO)
func Init(debugLevel int) {
	mu.Lock()
	defer mu.Unlock()
	level = debugLevel
	rebuild()
}

// SetOutput redirects log output (e.g. to mirror it to web clients).
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	out = w
	rebuild()
}

func rebuild() {
	if level <= LevelOff {
		logger = nil
		return
	}
	zerolog.SetGlobalLevel(zerolog.TraceLevel)
	cw := zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05.000000", NoColor: true}
	l := zerolog.New(cw).With().Timestamp().Str("app", "ZeroCam").Logger()
	logger = &l
}

func get(minLevel int) *zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	if level < minLevel {
		return nil
	}
	return logger
}

// Level returns the current debug level.
func Level() int {
	mu.RLock()
	defer mu.RUnlock()
	return level
}

// --- Level 1 functions (Info): important info ---

// Info prints a level 1 message (important info).
func Info(format string, args ...interface{}) {
	if l := get(LevelInfo); l != nil {
		l.Info().Msgf(format, args...)
	}
}

// Warn prints a level 1 warning.
func Warn(format string, args ...interface{}) {
	if l := get(LevelInfo); l != nil {
		l.Warn().Msgf(format, args...)
	}
}

// Summary prints an important summary (level 1).
func Summary(title string) {
	if l := get(LevelInfo); l != nil {
		l.Info().Msg("═══════════════════════════════════════")
		l.Info().Msgf("  %s", title)
		l.Info().Msg("═══════════════════════════════════════")
	}
}

// Saved prints the location of a stored photo (level 1).
func Saved(mode, location string) {
	if l := get(LevelInfo); l != nil {
		l.Info().Str("mode", mode).Str("location", location).Msg("photo saved")
	}
}

// --- Level 2 functions (Live): real-time info ---

// Live prints a level 2 message (live info).
func Live(format string, args ...interface{}) {
	if l := get(LevelLive); l != nil {
		l.Debug().Msgf(format, args...)
	}
}

// Capture prints the start of a capture (level 2).
func Capture(id, mode string, pending int) {
	if l := get(LevelLive); l != nil {
		l.Debug().Str("capture", id).Str("mode", mode).Int("pending", pending).Msg("capture started")
	}
}

// Benchmark prints the latency breakdown of a finished capture (level 2).
func Benchmark(mode string, shutter, save, total time.Duration) {
	if l := get(LevelLive); l != nil {
		l.Debug().
			Str("mode", mode).
			Dur("shutter", shutter).
			Dur("save", save).
			Dur("total", total).
			Msg("benchmark")
	}
}

// --- Level 3 functions (Verbose): everything ---

// Verbose prints a level 3 message (verbose).
func Verbose(format string, args ...interface{}) {
	if l := get(LevelVerbose); l != nil {
		l.Debug().Msgf(format, args...)
	}
}

// PrintStruct prints a struct in formatted form (level 3).
func PrintStruct(name string, v interface{}) {
	if l := get(LevelVerbose); l != nil {
		l.Debug().Msgf("%s: %+v", name, v)
	}
}

// Section prints a section separator (level 3).
func Section(name string) {
	if l := get(LevelVerbose); l != nil {
		l.Debug().Msg("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
		l.Debug().Msgf("  %s", name)
		l.Debug().Msg("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	}
}

// Step prints a numbered step (level 3).
func Step(num int, description string) {
	if l := get(LevelVerbose); l != nil {
		l.Debug().Msgf("Step %d: %s", num, description)
	}
}

// Value prints a named value in formatted form (level 1).
func Value(name string, value interface{}) {
	if l := get(LevelInfo); l != nil {
		l.Info().Msgf("  %s = %v", name, value)
	}
}

// --- Level 4 functions (Trace): very low level ---

// Trace prints a level 4 message (trace).
func Trace(format string, args ...interface{}) {
	if l := get(LevelTrace); l != nil {
		l.Trace().Msgf(format, args...)
	}
}

// GPIO prints a GPIO operation (level 4).
func GPIO(operation string, pin int, value interface{}) {
	if l := get(LevelTrace); l != nil {
		l.Trace().Str("op", operation).Int("pin", pin).Interface("value", value).Msg("gpio")
	}
}

// --- General functions ---

// Error prints a debug error (level 1+).
func Error(err error) {
	if l := get(LevelInfo); l != nil {
		l.Error().Err(err).Msg("error")
	}
}
