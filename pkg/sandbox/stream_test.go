package sandbox

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datahive/personal-server/pkg/types"
)

type memSink struct {
	lines []string
}

func (m *memSink) AppendLog(_ string, line string) {
	m.lines = append(m.lines, line)
}

func TestStreamLinesSentinel(t *testing.T) {
	input := strings.Join([]string{
		"working...",
		`{"status": "ok", "summary": "done"}`,
		Sentinel,
		"trailing noise",
	}, "\n")

	sink := &memSink{}
	outcome := streamLines(strings.NewReader(input), "op1", sink, nil, 1<<20)

	assert.True(t, outcome.sentinelSeen)
	assert.Contains(t, outcome.lines, "working...")
	assert.Len(t, sink.lines, len(outcome.lines))
}

func TestStreamLinesDrainStops(t *testing.T) {
	var b strings.Builder
	b.WriteString(Sentinel + "\n")
	for i := 0; i < 100; i++ {
		b.WriteString("post-sentinel line\n")
	}

	outcome := streamLines(strings.NewReader(b.String()), "op1", nil, nil, 1<<20)
	assert.True(t, outcome.sentinelSeen)
	// 1 sentinel line plus at most the drain allowance
	assert.LessOrEqual(t, len(outcome.lines), 1+sentinelDrainLines)
}

func TestStreamLinesCap(t *testing.T) {
	input := strings.Repeat("0123456789\n", 100)
	sink := &memSink{}

	outcome := streamLines(strings.NewReader(input), "op1", sink, nil, 50)
	assert.True(t, outcome.truncated)
	// The sink still receives every line
	assert.Len(t, sink.lines, 100)
}

func TestStreamLinesRedaction(t *testing.T) {
	input := "the key is sk-secret-value-123\n"
	sink := &memSink{}

	outcome := streamLines(strings.NewReader(input), "op1", sink, []string{"sk-secret-value-123"}, 1<<20)
	require.Len(t, outcome.lines, 1)
	assert.Equal(t, "the key is sk-s[REDACTED]", outcome.lines[0])
	assert.Equal(t, outcome.lines[0], sink.lines[0])
}

func TestParseAgentResult(t *testing.T) {
	tests := []struct {
		name      string
		lines     []string
		wantFound bool
		wantKey   string
	}{
		{
			name:      "single result line",
			lines:     []string{"noise", `{"status": "ok", "summary": "done"}`},
			wantFound: true,
			wantKey:   "done",
		},
		{
			name: "prefers most complete",
			lines: []string{
				`{"status": "ok", "summary": "full", "result": {}, "artifacts": []}`,
				`{"status": "ok"}`,
			},
			wantFound: true,
			wantKey:   "full",
		},
		{
			name:      "ignores non-result objects",
			lines:     []string{`{"progress": 50}`, `{"unrelated": true}`},
			wantFound: false,
		},
		{
			name:      "ignores invalid json",
			lines:     []string{`{status: broken`, "plain text"},
			wantFound: false,
		},
		{
			name:      "empty",
			lines:     nil,
			wantFound: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, found := parseAgentResult(tt.lines)
			assert.Equal(t, tt.wantFound, found)
			if tt.wantKey != "" {
				require.NotNil(t, result)
				assert.Equal(t, tt.wantKey, result["summary"])
			}
		})
	}
}

func TestDeriveStatus(t *testing.T) {
	tests := []struct {
		name     string
		result   map[string]interface{}
		sentinel bool
		exit     int
		want     types.ExecStatus
	}{
		{"reported ok", map[string]interface{}{"status": "ok"}, true, 0, types.ExecOK},
		{"reported error", map[string]interface{}{"status": "error"}, true, 0, types.ExecError},
		{"json without status clean exit", map[string]interface{}{"summary": "s"}, true, 0, types.ExecOK},
		{"json without status dirty exit", map[string]interface{}{"summary": "s"}, true, 3, types.ExecWarning},
		{"sentinel no json", nil, true, 0, types.ExecWarning},
		{"no evidence nonzero exit", nil, false, 1, types.ExecError},
		{"no evidence clean exit", nil, false, 0, types.ExecWarning},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, deriveStatus(tt.result, tt.sentinel, tt.exit))
		})
	}
}

func TestRedact(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		secrets []string
		want    string
	}{
		{"basic", "token=abcdef123", []string{"abcdef123"}, "token=abcd[REDACTED]"},
		{"short secret", "k=abc", []string{"abc"}, "k=abc[REDACTED]"},
		{"multiple occurrences", "x abcdef123 y abcdef123", []string{"abcdef123"}, "x abcd[REDACTED] y abcd[REDACTED]"},
		{"no match", "clean output", []string{"abcdef123"}, "clean output"},
		{"empty secret ignored", "clean", []string{""}, "clean"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Redact(tt.in, tt.secrets))
		})
	}
}
