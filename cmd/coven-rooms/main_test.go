// ABOUTME: Tests for CLI argument parsing and the log handler
// ABOUTME: Commands that need a running server are not covered here

package main

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseUserFlag(t *testing.T) {
	tests := []struct {
		args    []string
		want    string
		wantErr bool
	}{
		{[]string{"--user", "alice"}, "alice", false},
		{[]string{"--user=bob"}, "bob", false},
		{[]string{"-u", "carol"}, "carol", false},
		{[]string{"-u=dave"}, "dave", false},
		{[]string{"--user"}, "", true},
		{[]string{"--user", "  "}, "", true},
		{[]string{}, "", true},
		{[]string{"--name", "x"}, "", true},
		{[]string{"alice"}, "", true},
	}
	for _, tt := range tests {
		got, err := parseUserFlag(tt.args)
		if tt.wantErr {
			assert.Error(t, err, tt.args)
			continue
		}
		require.NoError(t, err, tt.args)
		assert.Equal(t, tt.want, got)
	}
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, parseLevel("WARN"))
	assert.Equal(t, slog.LevelError, parseLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLevel(""))
	assert.Equal(t, slog.LevelInfo, parseLevel("verbose"))
}

func TestColorHandler(t *testing.T) {
	color.NoColor = true

	var buf bytes.Buffer
	logger := slog.New(newColorHandler(&buf, slog.LevelInfo))

	logger.Debug("hidden")
	logger.With("component", "gateway").WithGroup("req").Info("served", "status", 200)

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "INF served")
	assert.Contains(t, out, "component=gateway")
	assert.Contains(t, out, "req.status=200")
}
