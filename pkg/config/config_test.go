package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFromEnvDefaults(t *testing.T) {
	t.Setenv("ESCALATION_WINDOW", "")
	t.Setenv("SMS_TRANSPORT", "")
	cfg := FromEnv()

	assert.Equal(t, 30*time.Second, cfg.Escalation.DefaultWindow)
	assert.Equal(t, 15*time.Second, cfg.Escalation.CriticalWindow)
	assert.Equal(t, 3, cfg.Dispatch.MaxAttempts)
	assert.Equal(t, 200*time.Millisecond, cfg.Dispatch.InitialBackoff)
	assert.Equal(t, "simulated", cfg.Dispatch.Transport)
	assert.Equal(t, "@daily", cfg.Archive.Schedule)
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("ESCALATION_WINDOW", "45s")
	t.Setenv("ESCALATION_MAX_TIERS", "4")
	t.Setenv("OPERATOR_EMAILS", "a@x.org, b@x.org")
	cfg := FromEnv()

	assert.Equal(t, 45*time.Second, cfg.Escalation.DefaultWindow)
	assert.Equal(t, 4, cfg.Escalation.MaxTiers)
	assert.Equal(t, []string{"a@x.org", "b@x.org"}, cfg.OperatorEmails)
}
