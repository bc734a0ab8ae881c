package main

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureOutput(f func()) string {
	oldStdout := os.Stdout
	oldStderr := os.Stderr
	r, w, _ := os.Pipe()
	os.Stdout = w
	os.Stderr = w

	f()

	w.Close()
	os.Stdout = oldStdout
	os.Stderr = oldStderr

	var buf bytes.Buffer
	io.Copy(&buf, r)
	return buf.String()
}

func resetFlags() {
	configPath = ""
}

func TestVersionCmd(t *testing.T) {
	oldVersion := Version
	oldBuildTime := BuildTime
	oldGitCommit := GitCommit
	defer func() {
		Version = oldVersion
		BuildTime = oldBuildTime
		GitCommit = oldGitCommit
	}()

	Version = "1.2.3"
	BuildTime = "2026-01-01"
	GitCommit = "abcdef"

	output := captureOutput(func() {
		rootCmd.SetArgs([]string{"version"})
		rootCmd.Execute()
	})

	assert.Contains(t, output, "jitbroker 1.2.3")
	assert.Contains(t, output, "Built: 2026-01-01")
	assert.Contains(t, output, "Commit: abcdef")

	// Unknown build metadata is omitted
	BuildTime = "unknown"
	GitCommit = "unknown"

	output = captureOutput(func() {
		rootCmd.SetArgs([]string{"version"})
		rootCmd.Execute()
	})

	assert.Contains(t, output, "jitbroker 1.2.3")
	assert.NotContains(t, output, "Built:")
	assert.NotContains(t, output, "Commit:")
}

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "jitbroker.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestConfigValidateCmd(t *testing.T) {
	defer resetFlags()
	path := writeConfigFile(t, "catalog:\n  scope: organizations/1234567890\n")

	var err error
	output := captureOutput(func() {
		rootCmd.SetArgs([]string{"config", "validate", "--config", path})
		err = rootCmd.Execute()
	})

	require.NoError(t, err)
	assert.Contains(t, output, "Configuration valid")
	assert.Contains(t, output, "organizations/1234567890")
}

func TestConfigValidateCmd_RejectsBadConfig(t *testing.T) {
	defer resetFlags()
	// Scope missing and the duration does not parse.
	path := writeConfigFile(t, "catalog:\n  min_activation: never\n")

	var err error
	captureOutput(func() {
		rootCmd.SetArgs([]string{"config", "validate", "--config", path})
		err = rootCmd.Execute()
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "scope")
}

func TestConfigShowCmd_RedactsSecrets(t *testing.T) {
	defer resetFlags()
	path := writeConfigFile(t, `catalog:
  scope: organizations/1234567890
smtp:
  enabled: true
  host: mail.example.com
  from: broker@example.com
  password: hunter2
`)

	var err error
	output := captureOutput(func() {
		rootCmd.SetArgs([]string{"config", "show", "--config", path})
		err = rootCmd.Execute()
	})

	require.NoError(t, err)
	assert.Contains(t, output, "mail.example.com")
	assert.Contains(t, output, "<redacted>")
	assert.NotContains(t, output, "hunter2")
}
