//go:build !windows

package process

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/core-tools/hsu-console/pkg/errors"
	"github.com/core-tools/hsu-console/pkg/logging"
)

func writeScript(t *testing.T, body string, mode os.FileMode) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "server.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), mode))
	return path
}

func waitDone(t *testing.T, child *Child) ExitStatus {
	t.Helper()
	select {
	case <-child.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit")
	}
	return child.ExitStatus()
}

func TestSpawn_MergesOutputAndReportsExitCode(t *testing.T) {
	script := writeScript(t, "echo to-stdout\necho to-stderr 1>&2\nexit 3", 0o755)

	child, err := Spawn(ExecutionConfig{ExecutablePath: script, WorkingDirectory: filepath.Dir(script)}, logging.NewNopLogger())
	require.NoError(t, err)
	assert.Greater(t, child.PID(), 0)

	out, err := io.ReadAll(child.Output)
	require.NoError(t, err)
	assert.Contains(t, string(out), "to-stdout\n")
	assert.Contains(t, string(out), "to-stderr\n")

	status := waitDone(t, child)
	assert.Equal(t, ExitStatus{Known: true, Code: 3}, status)
	assert.False(t, status.Signaled())
}

func TestSpawn_ForwardsStdin(t *testing.T) {
	child, err := Spawn(ExecutionConfig{ExecutablePath: "cat"}, logging.NewNopLogger())
	require.NoError(t, err)

	_, err = child.Stdin.Write([]byte("say hello\n"))
	require.NoError(t, err)

	line, err := bufio.NewReader(child.Output).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "say hello\n", line)

	require.NoError(t, child.Stdin.Close())
	assert.Equal(t, 0, waitDone(t, child).Code)
}

func TestSpawn_TerminateSignalsGroup(t *testing.T) {
	script := writeScript(t, "echo ready\nsleep 30\necho never", 0o755)

	child, err := Spawn(ExecutionConfig{ExecutablePath: script}, logging.NewNopLogger())
	require.NoError(t, err)

	line, err := bufio.NewReader(child.Output).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "ready\n", line)

	require.NoError(t, child.Terminate())
	status := waitDone(t, child)
	assert.True(t, status.Known)
	assert.Equal(t, "SIGTERM", status.Signal)
}

func TestSpawn_KillAfterIgnoredTerm(t *testing.T) {
	script := writeScript(t, "trap '' TERM\necho ready\nwhile true; do sleep 1; done", 0o755)

	child, err := Spawn(ExecutionConfig{ExecutablePath: script}, logging.NewNopLogger())
	require.NoError(t, err)
	_, err = bufio.NewReader(child.Output).ReadString('\n')
	require.NoError(t, err)

	require.NoError(t, child.Terminate())
	select {
	case <-child.Done():
		t.Fatal("process should have ignored SIGTERM")
	case <-time.After(200 * time.Millisecond):
	}

	require.NoError(t, child.Kill())
	assert.Equal(t, "SIGKILL", waitDone(t, child).Signal)
}

func TestSpawn_Errors(t *testing.T) {
	tests := []struct {
		name   string
		config func(t *testing.T) ExecutionConfig
	}{
		{
			name: "missing file",
			config: func(t *testing.T) ExecutionConfig {
				return ExecutionConfig{ExecutablePath: filepath.Join(t.TempDir(), "absent")}
			},
		},
		{
			name: "not executable",
			config: func(t *testing.T) ExecutionConfig {
				return ExecutionConfig{ExecutablePath: writeScript(t, "exit 0", 0o644)}
			},
		},
		{
			name: "directory",
			config: func(t *testing.T) ExecutionConfig {
				return ExecutionConfig{ExecutablePath: t.TempDir()}
			},
		},
		{
			name: "unknown command",
			config: func(t *testing.T) ExecutionConfig {
				return ExecutionConfig{ExecutablePath: "definitely-not-a-real-server-binary"}
			},
		},
		{
			name: "missing working directory",
			config: func(t *testing.T) ExecutionConfig {
				return ExecutionConfig{
					ExecutablePath:   writeScript(t, "exit 0", 0o755),
					WorkingDirectory: filepath.Join(t.TempDir(), "gone"),
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			child, err := Spawn(tt.config(t), logging.NewNopLogger())
			assert.Nil(t, child)
			require.Error(t, err)
			assert.True(t, errors.IsSpawnError(err), "got %v", err)
		})
	}
}

func TestExitStatusOf_Unknown(t *testing.T) {
	assert.Equal(t, ExitStatus{}, ExitStatusOf(nil, nil))
	assert.Equal(t, ExitStatus{}, ExitStatusOf(nil, io.EOF))
}
