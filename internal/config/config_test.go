package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAPIConfigValidate(t *testing.T) {
	t.Parallel()

	valid := APIConfig{BaseURL: "https://en.wikipedia.org/w/api.php", TimeoutSeconds: 30, MaxRetries: 3, RateLimit: 2}
	assert.NoError(t, valid.Validate())

	cases := []APIConfig{
		{TimeoutSeconds: 30, MaxRetries: 3, RateLimit: 2},
		{BaseURL: "https://en.wikipedia.org/w/api.php", TimeoutSeconds: 0, MaxRetries: 3, RateLimit: 2},
		{BaseURL: "https://en.wikipedia.org/w/api.php", TimeoutSeconds: 30, MaxRetries: 0, RateLimit: 2},
		{BaseURL: "https://en.wikipedia.org/w/api.php", TimeoutSeconds: 30, MaxRetries: 3, RateLimit: 0},
	}
	for _, c := range cases {
		assert.Error(t, c.Validate())
	}
}

func TestRunConfigValidate(t *testing.T) {
	t.Parallel()

	valid := RunConfig{Namespaces: []int{0}, FailureThreshold: 0.1}
	assert.NoError(t, valid.Validate())

	assert.Error(t, (&RunConfig{FailureThreshold: 0.1}).Validate())
	assert.Error(t, (&RunConfig{Namespaces: []int{0}, FailureThreshold: -0.1}).Validate())
	assert.Error(t, (&RunConfig{Namespaces: []int{0}, FailureThreshold: 1.1}).Validate())
}

func TestIncrementalCommandValidateRejectsBadSince(t *testing.T) {
	t.Parallel()

	cmd := IncrementalCommand{RunConfig: RunConfig{Namespaces: []int{0}, FailureThreshold: 0.1}, Since: "not-a-time"}
	assert.Error(t, cmd.Validate())

	cmd.Since = "2024-01-01T00:00:00Z"
	assert.NoError(t, cmd.Validate())
}

func TestFullCommandValidatePropagatesRunConfig(t *testing.T) {
	t.Parallel()

	cmd := FullCommand{RunConfig: RunConfig{FailureThreshold: 0.1}}
	assert.Error(t, cmd.Validate())
}

func TestKongVarsIncludesEveryDefault(t *testing.T) {
	t.Parallel()

	vars := KongVars()
	for _, key := range []string{
		"defaultUserAgent",
		"defaultTimeoutSeconds",
		"defaultMaxRetries",
		"defaultRateLimit",
		"defaultDatabasePath",
		"defaultDataDir",
		"defaultCheckpointPath",
		"defaultFailureThreshold",
	} {
		assert.Contains(t, vars, key)
		assert.NotEmpty(t, vars[key])
	}
}
