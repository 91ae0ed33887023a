// This file may be distributed under the terms of the GNU GPLv3 license.

package log

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := New("test")
	l.SetWriter(&buf)
	l.SetColorize(false)
	l.SetLevel(WARN)

	l.Debug("debug line")
	l.Info("info line")
	l.Warn("warn line")
	l.Error("error line")

	out := buf.String()
	assert.NotContains(t, out, "debug line")
	assert.NotContains(t, out, "info line")
	assert.Contains(t, out, "warn line")
	assert.Contains(t, out, "error line")
}

func TestComponentPrefix(t *testing.T) {
	var buf bytes.Buffer
	l := New("afc")
	l.SetWriter(&buf)
	l.SetColorize(false)

	child := l.Component("selector")
	child.Info("homed")
	assert.Contains(t, buf.String(), "afc.selector")
}

func TestComponentSharesLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New("afc")
	l.SetWriter(&buf)
	child := l.Component("drive")

	l.SetLevel(ERROR)
	assert.Equal(t, ERROR, child.GetLevel())
}

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	l := New("afc")
	l.SetWriter(&buf)
	l.SetFormat(FormatJSON)

	l.InfoWith("operation complete", Fields{"lane": 2, "op": "pre_load"})

	line := strings.TrimSpace(buf.String())
	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(line), &entry))
	assert.Equal(t, "INFO", entry["level"])
	assert.Equal(t, "afc", entry["logger"])
	assert.Equal(t, "operation complete", entry["message"])

	fields, ok := entry["fields"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "pre_load", fields["op"])
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, DEBUG, ParseLevel("debug"))
	assert.Equal(t, WARN, ParseLevel("WARNING"))
	assert.Equal(t, INFO, ParseLevel("nonsense"))
}
