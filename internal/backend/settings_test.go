package backend

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSettingsUnmarshal(t *testing.T) {
	payload := `{
		"nushellExecutablePath": "/opt/nu/bin/nu",
		"includeDirs": ["/home/me/.config/nushell"],
		"maxNumberOfProblems": 25,
		"maxNushellCommandTimeout": 2500
	}`

	var s Settings
	require.NoError(t, json.Unmarshal([]byte(payload), &s))

	assert.Equal(t, "/opt/nu/bin/nu", s.NuPath)
	assert.Equal(t, []string{"/home/me/.config/nushell"}, s.IncludeDirs)
	assert.Equal(t, 25, s.MaxNumberOfProblems)
	assert.Equal(t, 2500*time.Millisecond, s.MaxCommandTimeout)
}

func TestSettingsUnmarshalDefaults(t *testing.T) {
	var s Settings
	require.NoError(t, json.Unmarshal([]byte(`{}`), &s))
	assert.Equal(t, DefaultSettings(), s)

	// negative and zero values fall back too
	require.NoError(t, json.Unmarshal([]byte(`{"maxNushellCommandTimeout": 0, "maxNumberOfProblems": -1}`), &s))
	assert.Equal(t, DefaultCommandTimeout, s.MaxCommandTimeout)
	assert.Equal(t, DefaultMaxProblems, s.MaxNumberOfProblems)
}
