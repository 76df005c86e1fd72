package config

import (
	"flag"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parsePlanner(t *testing.T, args ...string) (*PlannerFlags, error) {
	t.Helper()
	fs := flag.NewFlagSet("updata-plan", flag.ContinueOnError)
	return ParsePlannerFlags(fs, args)
}

func parseExecutor(t *testing.T, args ...string) (*ExecutorFlags, error) {
	t.Helper()
	fs := flag.NewFlagSet("updata-execute", flag.ContinueOnError)
	return ParseExecutorFlags(fs, args)
}

func TestPlannerFlagsDefaults(t *testing.T) {
	cfg, err := parsePlanner(t, "--base-url", "https://updates.example.com")
	require.NoError(t, err)

	assert.Equal(t, "https://updates.example.com", cfg.BaseURL)
	assert.Equal(t, "raspberrypi", cfg.MachineName)
	assert.Equal(t, "/", cfg.TestSysroot)
	assert.False(t, cfg.TargetFlavorSet)
	assert.False(t, cfg.TestMode)
}

func TestPlannerFlagsRequireBaseURL(t *testing.T) {
	_, err := parsePlanner(t)
	require.Error(t, err)
}

// An explicitly empty target flavor differs from an unset one: it requests
// the base channel.
func TestPlannerFlagsExplicitEmptyFlavor(t *testing.T) {
	cfg, err := parsePlanner(t,
		"--base-url", "u", "--target-flavor", "")
	require.NoError(t, err)
	assert.True(t, cfg.TargetFlavorSet)
	assert.Equal(t, "", cfg.TargetFlavor)
}

func TestPlannerFlagsTestMode(t *testing.T) {
	cfg, err := parsePlanner(t,
		"--base-url", "u", "--test-sysroot", t.TempDir())
	require.NoError(t, err)
	assert.True(t, cfg.TestMode)

	cfg, err = parsePlanner(t,
		"--base-url", "u", "--test-version", "1.2.3")
	require.NoError(t, err)
	assert.True(t, cfg.TestMode)
}

func TestPlannerFlagsSiteDefaults(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "updata.yaml")
	require.NoError(t, os.WriteFile(file, []byte(
		"base_url: https://preset.example.com\nmachine_name: dev-board\n"),
		0644))

	cfg, err := parsePlanner(t, "--config", file)
	require.NoError(t, err)
	assert.Equal(t, "https://preset.example.com", cfg.BaseURL)
	assert.Equal(t, "dev-board", cfg.MachineName)

	// explicit flags win over the defaults file
	cfg, err = parsePlanner(t, "--config", file,
		"--base-url", "https://cli.example.com")
	require.NoError(t, err)
	assert.Equal(t, "https://cli.example.com", cfg.BaseURL)
	assert.Equal(t, "dev-board", cfg.MachineName)
}

func TestLoadDefaultsMissingFile(t *testing.T) {
	d, err := LoadDefaults(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Nil(t, d)
}

func TestLoadDefaultsMalformed(t *testing.T) {
	file := filepath.Join(t.TempDir(), "updata.yaml")
	require.NoError(t, os.WriteFile(file, []byte("{:::"), 0644))

	_, err := LoadDefaults(file)
	require.Error(t, err)
}

func TestExecutorFlagsDefaults(t *testing.T) {
	cfg, err := parseExecutor(t, "--plan", "/tmp/plan.json")
	require.NoError(t, err)

	assert.Equal(t, "/tmp/plan.json", cfg.PlanFile)
	assert.Equal(t, "http://localhost:8467/v1", cfg.RESTAPIURL)
	assert.Equal(t, "/var/local/data/system_update_data", cfg.UpdataWorkDir)
	assert.Equal(t, "/var/local/data/dnf", cfg.DNFWorkDir)
	assert.False(t, cfg.TestMode)
}

func TestExecutorFlagsRequirePlan(t *testing.T) {
	_, err := parseExecutor(t)
	require.Error(t, err)
}

func TestExecutorFlagsTestMode(t *testing.T) {
	cfg, err := parseExecutor(t, "--plan", "p",
		"--test-offline-mode-path", "/tmp/system-update")
	require.NoError(t, err)
	assert.True(t, cfg.TestMode)
}
