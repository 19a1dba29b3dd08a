package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/ducanh19020217/fall-detection/internal/console/consoletest"
	"github.com/ducanh19020217/fall-detection/internal/models"
)

func writeConfig(t *testing.T, b *consoletest.Backend) string {
	t.Helper()
	dir := t.TempDir()
	data, err := yaml.Marshal(b.Config(filepath.Join(dir, "data")))
	require.NoError(t, err)

	path := filepath.Join(dir, "console.yaml")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func run(args ...string) error {
	jsonOutput = false
	eventSource = 0
	rootCmd.SetArgs(args)
	return rootCmd.Execute()
}

func TestCommands_RequireLogin(t *testing.T) {
	b := consoletest.New(t, 2)
	path := writeConfig(t, b)

	for _, name := range []string{"status", "sources", "events"} {
		err := run("--config", path, name)
		require.Error(t, err, name)
		assert.Contains(t, err.Error(), "not logged in", name)
	}
}

func TestLoginLifecycle(t *testing.T) {
	b := consoletest.New(t, 3)
	b.SetActive(2)
	b.SetEvents(
		models.DetectionEvent{ID: 11, SourceID: 2, FallScore: 0.9},
		models.DetectionEvent{ID: 10, SourceID: 1, FallScore: 0.7},
	)
	path := writeConfig(t, b)

	err := run("--config", path, "login", "-u", consoletest.Username, "-p", "wrong")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "login failed")

	require.NoError(t, run("--config", path, "login", "-u", consoletest.Username, "-p", consoletest.Password))

	// The credential persists between invocations
	require.NoError(t, run("--config", path, "status"))
	require.NoError(t, run("--config", path, "sources", "--json"))
	require.NoError(t, run("--config", path, "events", "--source", "2"))
	assert.Empty(t, b.Starts(), "read-only commands must not start pipelines")

	require.NoError(t, run("--config", path, "logout"))
	err = run("--config", path, "status")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not logged in")
}

func TestProbe_InvalidArgs(t *testing.T) {
	b := consoletest.New(t, 1)
	path := writeConfig(t, b)

	assert.Error(t, run("--config", path, "probe"))
	assert.Error(t, run("--config", path, "probe", "abc"))
	assert.Error(t, run("--config", path, "probe", "0"))
}

func TestPrintTable(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printTable(&buf, []string{"ID", "NAME"}, [][]string{{"1", "hall"}, {"12", "kitchen"}}))

	assert.Equal(t, "ID   NAME\n--   ----\n1    hall\n12   kitchen\n", buf.String())
}
