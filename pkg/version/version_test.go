package version

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGet(t *testing.T) {
	info := Get()

	assert.Equal(t, Version, info.Version)
	assert.Equal(t, GitCommit, info.GitCommit)
	assert.Equal(t, BuildTime, info.BuildTime)
	assert.NotEmpty(t, info.GoVersion)
	assert.Contains(t, info.GoVersion, "go")
}

func TestInfoString(t *testing.T) {
	info := Info{Version: "1.0.0", GitCommit: "abc123", BuildTime: "2026-01-01T00:00:00Z", GoVersion: "go1.25.1"}
	expected := "Version: 1.0.0, GitCommit: abc123, BuildTime: 2026-01-01T00:00:00Z, GoVersion: go1.25.1"
	assert.Equal(t, expected, info.String())
}

func TestInfoJSONRoundTrips(t *testing.T) {
	info := Info{Version: "1.0.0", GitCommit: "abc123", BuildTime: "2026-01-01T00:00:00Z", GoVersion: "go1.25.1"}

	jsonString, err := info.JSON()
	require.NoError(t, err)

	var parsed Info
	require.NoError(t, json.Unmarshal([]byte(jsonString), &parsed))
	assert.Equal(t, info, parsed)

	for _, field := range []string{`"version"`, `"gitCommit"`, `"buildTime"`, `"goVersion"`} {
		assert.True(t, strings.Contains(jsonString, field), "expected %s in %s", field, jsonString)
	}
}
