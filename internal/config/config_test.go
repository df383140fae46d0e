package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleTOML = `
[providers.claude]
enabled = true
api_key_env = "ANTHROPIC_API_KEY"
default_model = "claude-sonnet-4-5"
concurrency_limit = 8

[providers.openai]
enabled = false
api_key_env = "OPENAI_API_KEY"
default_model = "gpt-4o"

[router.default]
provider = "claude"
model = "claude-sonnet-4-5"
max_tokens = 4096

[[router.rules]]
when = { phase = "review" }
then = { use_consensus = true, consensus_strategy = "review-board", consensus_providers = ["claude", "openai"] }

[[router.rules]]
when = { model_set = "fast" }
then = { provider = "claude", model = "claude-3-5-haiku" }

[consensus.review-board]
providers = ["claude", "openai"]
strategy = "majority-vote"
min_successful = 2
timeout_seconds = 30

[state]
db_path = "/var/lib/drover/workflows.db"

[events]
journal_path = "/var/lib/drover/events.ndjson"
max_workers = 4

[engine]
stuck_threshold_seconds = 1800
default_max_attempts = 2
disable_test_validation = true

[budgets]
default_usd = 5.0

[server]
addr = ":9000"
cors_origins = ["http://localhost:3000"]
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "drover.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadFullDocument(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleTOML))
	require.NoError(t, err)

	claude := cfg.Providers["claude"]
	assert.True(t, claude.Enabled)
	assert.Equal(t, "ANTHROPIC_API_KEY", claude.APIKeyEnv)
	assert.Equal(t, 8, claude.ConcurrencyLimit)
	assert.False(t, cfg.Providers["openai"].Enabled)

	assert.Equal(t, "claude", cfg.Router.Default.Provider)
	require.Len(t, cfg.Router.Rules, 2)
	assert.True(t, cfg.Router.Rules[0].Then.UseConsensus)
	assert.Equal(t, "review-board", cfg.Router.Rules[0].Then.ConsensusStrategy)
	assert.Equal(t, "fast", cfg.Router.Rules[1].When.ModelSet)

	board := cfg.Consensus["review-board"]
	assert.Equal(t, 2, board.MinSuccessful)
	assert.Equal(t, 30, board.TimeoutSeconds)

	assert.Equal(t, "/var/lib/drover/workflows.db", cfg.State.DBPath)
	assert.Equal(t, 4, cfg.Events.MaxWorkers)
	assert.Equal(t, 1800, cfg.Engine.StuckThresholdSeconds)
	assert.Equal(t, 2, cfg.Engine.DefaultMaxAttempts)
	assert.True(t, cfg.Engine.DisableTestValidation)
	assert.InDelta(t, 5.0, cfg.Budgets.DefaultUSD, 1e-9)
	assert.Equal(t, ":9000", cfg.Server.Addr)
}

func TestLoadAppliesDefaults(t *testing.T) {
	minimal := `
[providers.claude]
enabled = true
api_key_env = "ANTHROPIC_API_KEY"
default_model = "claude-sonnet-4-5"

[router.default]
provider = "claude"
`
	cfg, err := Load(writeConfig(t, minimal))
	require.NoError(t, err)
	assert.Equal(t, "state/workflows.db", cfg.State.DBPath)
	assert.Equal(t, "events/events.ndjson", cfg.Events.JournalPath)
	assert.Equal(t, 10, cfg.Events.MaxWorkers)
	assert.Equal(t, 3600, cfg.Engine.StuckThresholdSeconds)
	assert.False(t, cfg.Engine.DisableTestValidation)
	assert.Equal(t, ":8080", cfg.Server.Addr)
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"no enabled provider", `
[providers.claude]
enabled = false
api_key_env = "K"
default_model = "m"

[router.default]
provider = "claude"
`},
		{"enabled provider missing key env", `
[providers.claude]
enabled = true
default_model = "m"

[router.default]
provider = "claude"
`},
		{"no router default", `
[providers.claude]
enabled = true
api_key_env = "K"
default_model = "m"
`},
		{"bad consensus group", `
[providers.claude]
enabled = true
api_key_env = "K"
default_model = "m"

[router.default]
provider = "claude"

[consensus.solo]
providers = ["claude"]
strategy = "majority-vote"
min_successful = 1
`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.body))
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	assert.Error(t, err)
}
