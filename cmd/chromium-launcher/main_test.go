package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildCommandDirect(t *testing.T) {
	cmd := buildCommand("/usr/bin/chromium", "", ":7", []string{"--no-first-run"})
	assert.Equal(t, "/usr/bin/chromium", cmd.Path)
	assert.Equal(t, []string{"/usr/bin/chromium", "--no-first-run"}, cmd.Args)
	assert.Contains(t, cmd.Env, "DISPLAY=:7")
}

func TestBuildCommandDropsPrivileges(t *testing.T) {
	cmd := buildCommand("chromium", "user", ":1", []string{"--headless=new"})
	require.GreaterOrEqual(t, len(cmd.Args), 4)
	assert.Equal(t, []string{"-u", "user", "--"}, cmd.Args[1:4])
	assert.Contains(t, cmd.Args, "DISPLAY=:1")
	assert.Contains(t, cmd.Args, "HOME=/home/user")
	assert.Contains(t, cmd.Args, "--headless=new")
}

func TestEnvOr(t *testing.T) {
	t.Setenv("LAUNCHER_TEST_KEY", "  value  ")
	assert.Equal(t, "value", envOr("LAUNCHER_TEST_KEY", "fallback"))
	assert.Equal(t, "fallback", envOr("LAUNCHER_TEST_MISSING", "fallback"))
}
