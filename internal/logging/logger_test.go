package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_WritesJSON(t *testing.T) {
	var buf bytes.Buffer
	New(&buf, "info").Info().Str("callId", "call-1").Msg("session started")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "info", line["level"])
	assert.Equal(t, "session started", line["message"])
	assert.Equal(t, "call-1", line["callId"])
	assert.Contains(t, line, "time")
}

func TestNewStyled(t *testing.T) {
	for _, style := range []string{"json", "compact", "pretty", ""} {
		assert.NotNil(t, NewStyled(style, "info"), style)
	}
	assert.NotNil(t, New(nil, "info"))
}

func TestLevelFiltering(t *testing.T) {
	tests := []struct {
		level string
		want  []string
	}{
		{"debug", []string{"debug", "info", "warn", "error"}},
		{"info", []string{"info", "warn", "error"}},
		{"warn", []string{"warn", "error"}},
		{"error", []string{"error"}},
		{"silent", nil},
	}
	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			var buf bytes.Buffer
			log := New(&buf, tt.level)
			log.Debug().Msg("debug")
			log.Info().Msg("info")
			log.Warn().Msg("warn")
			log.Error().Msg("error")

			var got []string
			for _, raw := range bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n")) {
				if len(raw) == 0 {
					continue
				}
				var line map[string]any
				require.NoError(t, json.Unmarshal(raw, &line))
				got = append(got, line["message"].(string))
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"trace":   zerolog.TraceLevel,
		"Debug":   zerolog.DebugLevel,
		"WARN":    zerolog.WarnLevel,
		"fatal":   zerolog.FatalLevel,
		"silent":  zerolog.Disabled,
		"":        zerolog.InfoLevel,
		"verbose": zerolog.InfoLevel,
	}
	for in, want := range tests {
		assert.Equal(t, want, parseLevel(in), "level %q", in)
	}
}

func TestSubAndWith(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, "debug").Sub("transport").With("transport", "polling")

	log.Info().Msg("caller audio buffered")
	out := buf.String()
	assert.Contains(t, out, `"subsystem":"transport"`)
	assert.Contains(t, out, `"transport":"polling"`)

	buf.Reset()
	zl := log.Zerolog()
	zl.Warn().Msg("direct")
	assert.Contains(t, buf.String(), `"subsystem":"transport"`)
}

func TestForCall(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, "info").Sub("session").ForCall("call-42")

	log.Info().Msg("session started")
	out := buf.String()
	assert.Contains(t, out, `"callId":"call-42"`)
	assert.Contains(t, out, `"subsystem":"session"`)
}

func TestLeveledAdapter(t *testing.T) {
	var buf bytes.Buffer
	lv := New(&buf, "debug").Leveled()

	lv.Warn("retrying request", "url", "http://backend/tickets", "attempt", 2)
	out := buf.String()
	assert.Contains(t, out, "retrying request")
	assert.Contains(t, out, `"url":"http://backend/tickets"`)
	assert.Contains(t, out, `"attempt":2`)

	buf.Reset()
	lv.Debug("hidden below debug")
	assert.Empty(t, buf.String())
}

func TestLeveledAdapterOddPairs(t *testing.T) {
	var buf bytes.Buffer
	lv := New(&buf, "info").Leveled()

	lv.Error("boom", "status", 500, "dangling")
	out := buf.String()
	assert.Contains(t, out, `"status":500`)
	assert.NotContains(t, out, "dangling")
}
