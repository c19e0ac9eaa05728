package process

import (
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/core-tools/hsu-console/pkg/errors"
	"github.com/core-tools/hsu-console/pkg/logging"
)

type ExecutionConfig struct {
	ExecutablePath   string   `yaml:"executable_path"`
	Args             []string `yaml:"args,omitempty"`
	Environment      []string `yaml:"environment,omitempty"`
	WorkingDirectory string   `yaml:"working_directory,omitempty"`
}

// ExitStatus describes how a child ended. Known is false when the OS gave
// no usable status.
type ExitStatus struct {
	Known  bool
	Code   int
	Signal string
}

func (s ExitStatus) Signaled() bool {
	return s.Signal != ""
}

// Child is a started process. Stdout and stderr share one pipe, Output.
type Child struct {
	cmd    *exec.Cmd
	Stdin  io.WriteCloser
	Output io.ReadCloser

	done   chan struct{}
	mutex  sync.Mutex
	status ExitStatus
}

func (c *Child) PID() int {
	return c.cmd.Process.Pid
}

// Done is closed once the OS has reaped the process. Output may still hold
// unread bytes at that point.
func (c *Child) Done() <-chan struct{} {
	return c.done
}

// ExitStatus is meaningful after Done is closed.
func (c *Child) ExitStatus() ExitStatus {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.status
}

// Terminate asks the process group to exit.
func (c *Child) Terminate() error {
	return SendTerminationSignal(c.PID())
}

// Kill ends the process group without giving it a chance to clean up.
func (c *Child) Kill() error {
	return KillProcessGroup(c.cmd.Process)
}

// Spawn starts the executable described by config. Any failure to get the
// process running is a SpawnError, so nothing is left to clean up.
func Spawn(config ExecutionConfig, logger logging.Logger) (*Child, error) {
	if err := ValidateExecutionConfig(config); err != nil {
		return nil, err
	}

	path, err := resolveExecutable(config.ExecutablePath)
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(path, config.Args...)
	cmd.Dir = config.WorkingDirectory
	cmd.Env = append(os.Environ(), config.Environment...)
	setupProcessAttributes(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errors.NewSpawnError("failed to create stdin pipe", err).WithContext("executable_path", path)
	}

	// An os.Pipe instead of StdoutPipe so Wait reports the exit as soon as it
	// happens rather than after the last grandchild closes the pipe.
	outR, outW, err := os.Pipe()
	if err != nil {
		stdin.Close()
		return nil, errors.NewSpawnError("failed to create output pipe", err).WithContext("executable_path", path)
	}
	cmd.Stdout = outW
	cmd.Stderr = outW

	logger.Debugf("Spawning process, executable path: '%s', args: %v, working directory: '%s'",
		path, config.Args, config.WorkingDirectory)

	if err := cmd.Start(); err != nil {
		stdin.Close()
		outR.Close()
		outW.Close()
		return nil, errors.NewSpawnError("failed to start the process", err).WithContext("executable_path", path)
	}
	outW.Close()

	child := &Child{
		cmd:    cmd,
		Stdin:  stdin,
		Output: outR,
		done:   make(chan struct{}),
	}
	go child.wait()

	logger.Infof("Spawned process, executable path: '%s', PID: %d", path, cmd.Process.Pid)
	return child, nil
}

func (c *Child) wait() {
	err := c.cmd.Wait()
	status := ExitStatusOf(c.cmd.ProcessState, err)

	c.mutex.Lock()
	c.status = status
	c.mutex.Unlock()
	close(c.done)
}

// ExitStatusOf interprets what exec.Cmd.Wait returned.
func ExitStatusOf(state *os.ProcessState, waitErr error) ExitStatus {
	if state == nil {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) || exitErr.ProcessState == nil {
			return ExitStatus{}
		}
		state = exitErr.ProcessState
	}
	if sig, ok := signalOf(state); ok {
		return ExitStatus{Known: true, Code: -1, Signal: sig}
	}
	return ExitStatus{Known: true, Code: state.ExitCode()}
}

// resolveExecutable turns a path with a separator into an absolute path and
// looks bare names up in PATH. The result must be an executable regular file.
func resolveExecutable(path string) (string, error) {
	if !strings.ContainsRune(path, filepath.Separator) && !strings.ContainsRune(path, '/') {
		found, err := exec.LookPath(path)
		if err != nil {
			return "", errors.NewSpawnError("executable not found in PATH", err).WithContext("executable_path", path)
		}
		path = found
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return "", errors.NewSpawnError("failed to resolve executable path", err).WithContext("executable_path", path)
	}

	info, err := os.Stat(abs)
	if err != nil {
		return "", errors.NewSpawnError("executable not found", err).WithContext("executable_path", abs)
	}
	if info.IsDir() {
		return "", errors.NewSpawnError("executable is a directory", nil).WithContext("executable_path", abs)
	}
	if !isExecutable(abs, info) {
		return "", errors.NewSpawnError("file is not executable", nil).WithContext("executable_path", abs)
	}
	return abs, nil
}
