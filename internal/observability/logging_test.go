package observability

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLogLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"":        zerolog.InfoLevel,
		"debug":   zerolog.DebugLevel,
		" WARN ":  zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"verbose": zerolog.InfoLevel,
	}
	for in, want := range cases {
		if got := ParseLogLevel(in); got != want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewMarketLogger_Fields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewMarketLogger(&buf, "crank", "BTC-PERP", zerolog.InfoLevel)
	logger.Debug().Msg("hidden")
	logger.Info().Msg("pass done")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("expected exactly one JSON line, got %q: %v", buf.String(), err)
	}
	if line["component"] != "crank" || line["market"] != "BTC-PERP" || line["message"] != "pass done" {
		t.Errorf("unexpected fields: %v", line)
	}
}
