package version

import (
	"runtime/debug"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestResolveFromBuildInfo(t *testing.T) {
	bi := &debug.BuildInfo{
		GoVersion: "go1.26.0",
		Main:      debug.Module{Version: "v0.3.1"},
		Settings: []debug.BuildSetting{
			{Key: "vcs.revision", Value: "0123456789abcdef0123"},
			{Key: "vcs.time", Value: "2026-10-01T12:00:00Z"},
			{Key: "vcs.modified", Value: "true"},
		},
	}
	info := resolve(bi, time.Now())
	assert.Equal(t, Info{
		Version:   "v0.3.1",
		Commit:    "0123456789abcdef0123",
		BuildTime: "2026-10-01T12:00:00Z",
		GoVersion: "go1.26.0",
		Modified:  true,
	}, info)
	assert.Equal(t, "v0.3.1 (0123456789ab+dirty)", info.String())
}

func TestResolveFallsBackToTimestamp(t *testing.T) {
	now := time.Date(2026, 10, 18, 9, 30, 0, 0, time.UTC)
	bi := &debug.BuildInfo{Main: debug.Module{Version: "(devel)"}}
	info := resolve(bi, now)
	assert.Equal(t, "20261018T093000Z", info.Version)
	assert.Equal(t, "20261018T093000Z", info.String())

	info = resolve(nil, now)
	assert.Equal(t, "20261018T093000Z", info.Version)
}

func TestLdflagsWin(t *testing.T) {
	old := [3]string{Version, Commit, BuildTime}
	t.Cleanup(func() { Version, Commit, BuildTime = old[0], old[1], old[2] })
	Version, Commit, BuildTime = "v1.0.0", "abc", "today"

	bi := &debug.BuildInfo{Settings: []debug.BuildSetting{{Key: "vcs.revision", Value: "def"}}}
	info := resolve(bi, time.Now())
	assert.Equal(t, "v1.0.0", info.Version)
	assert.Equal(t, "abc", info.Commit)
	assert.Equal(t, "today", info.BuildTime)
	assert.Equal(t, "v1.0.0 (abc)", info.String())
}
