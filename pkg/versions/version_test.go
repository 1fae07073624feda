// SPDX-FileCopyrightText: Copyright 2026 Meridian Authors
// SPDX-License-Identifier: Apache-2.0

package versions

import (
	"fmt"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

// setBuildVars overrides the ldflags variables for one test and restores them
// on cleanup. Tests using it cannot run in parallel.
func setBuildVars(t *testing.T, version, commit, buildDate string) {
	t.Helper()
	origVersion, origCommit, origBuildDate := Version, Commit, BuildDate
	t.Cleanup(func() {
		Version, Commit, BuildDate = origVersion, origCommit, origBuildDate
	})
	Version, Commit, BuildDate = version, commit, buildDate
}

func TestGetVersionInfoRelease(t *testing.T) {
	setBuildVars(t, "v1.2.3", "abc123def456789", "2024-01-15T10:30:00Z")

	info := GetVersionInfo()
	assert.Equal(t, "v1.2.3", info.Version)
	assert.Equal(t, "abc123def456789", info.Commit)
	assert.Equal(t, "2024-01-15 10:30:00 UTC", info.BuildDate, "RFC 3339 dates are reformatted")
	assert.Equal(t, runtime.Version(), info.GoVersion)
	assert.Equal(t, fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH), info.Platform)
}

func TestGetVersionInfoDevBuilds(t *testing.T) {
	t.Run("commit truncated to eight characters", func(t *testing.T) {
		setBuildVars(t, "dev", "abc123def456789", unknownStr)
		info := GetVersionInfo()
		assert.Equal(t, "build-abc123de", info.Version)
		assert.Equal(t, "abc123def456789", info.Commit)
	})

	t.Run("short commit used whole", func(t *testing.T) {
		setBuildVars(t, "dev", "short", unknownStr)
		info := GetVersionInfo()
		assert.Equal(t, "build-short", info.Version)
	})

	t.Run("unknown commit may come from build info", func(t *testing.T) {
		setBuildVars(t, "dev", unknownStr, unknownStr)
		info := GetVersionInfo()
		// The test binary may or may not carry vcs settings; either way the
		// manufactured version keeps the build- prefix.
		assert.True(t, strings.HasPrefix(info.Version, "build-"), "got %q", info.Version)
	})
}

func TestGetVersionInfoUnparseableDate(t *testing.T) {
	setBuildVars(t, "v2.0.0", "def456", "not-a-date")

	info := GetVersionInfo()
	assert.Equal(t, "v2.0.0", info.Version)
	assert.Equal(t, "not-a-date", info.BuildDate, "dates that do not parse pass through")
}
