package version

import (
	"encoding/json"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGet_DefaultValues(t *testing.T) {
	info := Get()

	assert.Equal(t, Version, info.Version)
	assert.Equal(t, GitCommit, info.GitCommit)
	assert.Equal(t, BuildDate, info.BuildDate)
	assert.Equal(t, runtime.Version(), info.GoVersion)
	assert.Equal(t, runtime.GOOS+"/"+runtime.GOARCH, info.Platform)
}

func TestGet_RuntimeFields(t *testing.T) {
	info := Get()

	assert.True(t, strings.HasPrefix(info.GoVersion, "go"))
	assert.Contains(t, info.Platform, "/")
}

func TestInfo_JSONFields(t *testing.T) {
	info := Get()

	data, err := json.Marshal(info)
	require.NoError(t, err)

	var raw map[string]interface{}
	err = json.Unmarshal(data, &raw)
	require.NoError(t, err)

	for _, key := range []string{"version", "git_commit", "build_date", "go_version", "platform"} {
		assert.Contains(t, raw, key, "JSON should contain key: %s", key)
	}
}

func TestInfo_String(t *testing.T) {
	info := Get()
	s := info.String()

	assert.Contains(t, s, "Version:")
	assert.Contains(t, s, "Git Commit:")
	assert.Contains(t, s, "Build Date:")
	assert.Contains(t, s, "Go Version:")
	assert.Contains(t, s, "Platform:")
	assert.Contains(t, s, info.Version)

	lines := strings.Split(s, "\n")
	assert.Equal(t, 5, len(lines))
}

func TestShort(t *testing.T) {
	s := Short()

	assert.Contains(t, s, Version)
	assert.Contains(t, s, GitCommit)
	assert.Contains(t, s, BuildDate)
}
