package observability

import (
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
}

// NewLoggerTo returns a JSON logger tagged with the component name.
func NewLoggerTo(w io.Writer, component string, level zerolog.Level) zerolog.Logger {
	return zerolog.New(w).Level(level).With().Timestamp().Str("component", component).Logger()
}

// NewMarketLogger is NewLoggerTo with the market ID attached, used by the
// engine process where every line belongs to one market.
func NewMarketLogger(w io.Writer, component, market string, level zerolog.Level) zerolog.Logger {
	return NewLoggerTo(w, component, level).With().Str("market", market).Logger()
}

// ParseLogLevel accepts zerolog level names in any case. Unknown or empty
// values fall back to info.
func ParseLogLevel(s string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(s)))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}
