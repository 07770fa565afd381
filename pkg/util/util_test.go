package util

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvGetters(t *testing.T) {
	t.Setenv("CB_INT", "42")
	t.Setenv("CB_BOOL", "true")
	t.Setenv("CB_DUR", "15s")
	t.Setenv("CB_LIST", "a@x.org, b@x.org,,")

	assert.Equal(t, int64(42), GetIntEnv("CB_INT"))
	assert.Equal(t, int64(7), GetIntEnvDefault("CB_MISSING", 7))
	assert.True(t, GetBoolEnv("CB_BOOL"))
	assert.Equal(t, 15*time.Second, GetDurationEnv("CB_DUR", time.Second))
	assert.Equal(t, time.Second, GetDurationEnv("CB_MISSING", time.Second))
	assert.Equal(t, []string{"a@x.org", "b@x.org"}, GetListEnv("CB_LIST"))
	assert.Equal(t, "fallback", GetEnvDefault("CB_MISSING", "fallback"))
}

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()
	wd, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	defer os.Chdir(wd)

	require.NoError(t, os.WriteFile(".env.test", []byte("CB_FROM_FILE=yes\n"), 0o600))
	os.Unsetenv("CB_FROM_FILE")
	defer os.Unsetenv("CB_FROM_FILE")

	require.NoError(t, LoadEnv("test"))
	assert.Equal(t, "yes", GetEnv("CB_FROM_FILE"))
	assert.Error(t, LoadEnv("nope-"+time.Now().Format("150405")))
}

func TestManualClock(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewManualClock(start)
	c.Advance(30 * time.Second)
	assert.Equal(t, start.Add(30*time.Second), c.Now())
}

func TestSignals(t *testing.T) {
	s := NewSignals()
	var got []string
	s.Connect("alert.resolved", func(sender any, params ...any) { panic("listener bug") })
	s.Connect("alert.resolved", func(sender any, params ...any) { got = append(got, sender.(string)) })

	s.Emit("alert.resolved", "a-1")
	s.Emit("unknown", "a-2")

	assert.Equal(t, []string{"a-1"}, got)
}
