package main

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strataplane/warrant/pkg/config"
)

func withMockServer(t *testing.T, code int) *int {
	t.Helper()
	original := startServer
	t.Cleanup(func() { startServer = original })

	calls := 0
	startServer = func(cfg *config.Config, stderr io.Writer) int {
		calls++
		return code
	}
	return &calls
}

func TestRunDefaultsToServer(t *testing.T) {
	calls := withMockServer(t, 0)
	code := Run([]string{"warrantd"}, io.Discard, io.Discard)
	assert.Equal(t, 0, code)
	assert.Equal(t, 1, *calls)
}

func TestRunServeCommand(t *testing.T) {
	calls := withMockServer(t, 1)
	code := Run([]string{"warrantd", "serve"}, io.Discard, io.Discard)
	assert.Equal(t, 1, code)
	assert.Equal(t, 1, *calls)
}

func TestRunVersion(t *testing.T) {
	var stdout bytes.Buffer
	code := Run([]string{"warrantd", "version"}, &stdout, io.Discard)
	require.Equal(t, 0, code)
	assert.True(t, strings.HasPrefix(stdout.String(), "warrantd "))
}

func TestRunHelp(t *testing.T) {
	var stdout bytes.Buffer
	code := Run([]string{"warrantd", "help"}, &stdout, io.Discard)
	require.Equal(t, 0, code)
	assert.Contains(t, stdout.String(), "doctor")
}

func TestRunUnknownCommand(t *testing.T) {
	var stderr bytes.Buffer
	code := Run([]string{"warrantd", "frobnicate"}, io.Discard, &stderr)
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr.String(), "unknown command")
	assert.Contains(t, stderr.String(), "Usage")
}

func TestDoctorWithSQLite(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("DATABASE_URL", "file:"+dir+"/doctor.db")
	t.Setenv("POLICY_BUNDLE_DIR", "")

	var stdout, stderr bytes.Buffer
	code := Run([]string{"warrantd", "doctor"}, &stdout, &stderr)
	assert.Equal(t, 0, code, "stderr: %s", stderr.String())
	assert.Contains(t, stdout.String(), "storage: OK")
}
