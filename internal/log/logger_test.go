// SPDX-License-Identifier: MIT

package log

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Configure is once-per-process, so every test in this package shares one
// captured output buffer.
var (
	testOut     bytes.Buffer
	testOutOnce sync.Once
)

func configureForTest(t *testing.T) {
	t.Helper()
	testOutOnce.Do(func() {
		Configure(Config{Level: "debug", Output: &testOut, Service: "aquifer-test", Version: "v0.0.0-test"})
	})
}

func lastLine(t *testing.T) map[string]any {
	t.Helper()
	lines := strings.Split(strings.TrimSpace(testOut.String()), "\n")
	require.NotEmpty(t, lines)
	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[len(lines)-1]), &entry))
	return entry
}

func TestConfigure(t *testing.T) {
	configureForTest(t)

	logger := WithComponent("cache")
	logger.Info().Msg("hello")

	entry := lastLine(t)
	assert.Equal(t, "aquifer-test", entry["service"])
	assert.Equal(t, "v0.0.0-test", entry["version"])
	assert.Equal(t, "cache", entry["component"])
	assert.Equal(t, "hello", entry["message"])
	assert.NotEmpty(t, entry["time"])

	// Second Configure is a no-op; output keeps flowing to the first writer.
	var other bytes.Buffer
	Configure(Config{Output: &other})
	baseLogger := Base()
	baseLogger.Info().Msg("still here")
	assert.Zero(t, other.Len())
	assert.Equal(t, "still here", lastLine(t)["message"])
}

func TestDerive(t *testing.T) {
	configureForTest(t)

	derived := Derive(func(c *zerolog.Context) {
		*c = c.Str("route", "home")
	})
	derived.Info().Msg("derived")

	entry := lastLine(t)
	assert.Equal(t, "home", entry["route"])

	// Nil builder is allowed.
	plain := Derive(nil)
	plain.Info().Msg("plain")
	assert.Equal(t, "plain", lastLine(t)["message"])
}
