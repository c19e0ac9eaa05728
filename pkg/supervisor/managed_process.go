package supervisor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"time"

	"github.com/core-tools/hsu-console/pkg/errors"
	"github.com/core-tools/hsu-console/pkg/gateway"
	"github.com/core-tools/hsu-console/pkg/lineproto"
	"github.com/core-tools/hsu-console/pkg/logging"
	"github.com/core-tools/hsu-console/pkg/metrics"
	"github.com/core-tools/hsu-console/pkg/process"
	"github.com/core-tools/hsu-console/pkg/processstate"
)

const forceKillTimeout = 5 * time.Second

// ProcessInfo is a point-in-time copy of a ManagedProcess.
type ProcessInfo struct {
	ID             string
	Name           string
	ExecutablePath string
	PID            int
	State          ProcessState
	StartTime      time.Time
	EndpointPath   string
	Players        []string
	Subscribers    int
}

// ManagedProcess is one supervised child together with its endpoint and
// decoder. It is created by Supervisor.Create and unregistered when the
// child exits.
type ManagedProcess struct {
	id        string
	spec      ProcessSpec
	startTime time.Time

	child   *process.Child
	gateway *gateway.Gateway
	decoder *lineproto.Decoder
	hub     *eventHub
	parent  *Supervisor
	logger  logging.Logger

	gracefulTimeout time.Duration
	outputGrace     time.Duration

	mutex          sync.Mutex
	state          ProcessState
	reachedRunning bool

	running chan struct{}
	done    chan struct{}
}

func (p *ManagedProcess) ID() string {
	return p.id
}

// Name is the alias if one was given, otherwise "<executable>[<pid>]".
func (p *ManagedProcess) Name() string {
	if p.spec.Name != "" {
		return p.spec.Name
	}
	return fmt.Sprintf("%s[%d]", filepath.Base(p.spec.ExecutablePath), p.child.PID())
}

// Spec returns a copy; the registered spec never changes.
func (p *ManagedProcess) Spec() ProcessSpec {
	out := p.spec
	out.Args = append([]string(nil), p.spec.Args...)
	out.Environment = append([]string(nil), p.spec.Environment...)
	if p.spec.Source != nil {
		source := *p.spec.Source
		out.Source = &source
	}
	return out
}

func (p *ManagedProcess) PID() int {
	return p.child.PID()
}

func (p *ManagedProcess) State() ProcessState {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.state
}

func (p *ManagedProcess) StartTime() time.Time {
	return p.startTime
}

func (p *ManagedProcess) EndpointPath() string {
	return p.spec.EndpointPath
}

// Players is the sorted set of players currently in the game.
func (p *ManagedProcess) Players() []string {
	return p.decoder.Players()
}

func (p *ManagedProcess) Info() ProcessInfo {
	return ProcessInfo{
		ID:             p.id,
		Name:           p.Name(),
		ExecutablePath: p.spec.ExecutablePath,
		PID:            p.PID(),
		State:          p.State(),
		StartTime:      p.startTime,
		EndpointPath:   p.spec.EndpointPath,
		Players:        p.Players(),
		Subscribers:    p.gateway.SubscriberCount(),
	}
}

// Subscribe receives this process's events only. C is closed after the
// final Exited or TerminatedAbnormally event.
func (p *ManagedProcess) Subscribe(buffer int) *Subscription {
	return p.hub.subscribe(buffer)
}

// Done is closed once the process has exited and been unregistered.
func (p *ManagedProcess) Done() <-chan struct{} {
	return p.done
}

// Start waits until the OS has confirmed the process is alive. It fails if
// the process ended or is being stopped first.
func (p *ManagedProcess) Start(ctx context.Context) error {
	if ctx == nil {
		return errors.NewValidationError("context cannot be nil", nil)
	}

	select {
	case <-p.running:
	case <-p.done:
	case <-ctx.Done():
		return errors.NewCancelledError("waiting for process to run", ctx.Err()).WithContext("id", p.id)
	}

	switch state := p.State(); state {
	case StateRunning:
		return nil
	case StateTerminated:
		return errors.NewCommandOnTerminatedError("process has terminated", nil).WithContext("id", p.id)
	default:
		return errors.NewProcessError(fmt.Sprintf("process is %s", state), nil).WithContext("id", p.id)
	}
}

// SendCommand writes cmd to the process's input, newline terminated. It
// fails immediately unless the process is Running.
func (p *ManagedProcess) SendCommand(cmd string) error {
	if state := p.State(); state != StateRunning {
		return errors.NewCommandOnTerminatedError("process is not running", nil).
			WithContext("id", p.id).
			WithContext("state", string(state))
	}
	if _, err := p.gateway.Forward([]byte(lineproto.NormalizeCommand(cmd))); err != nil {
		return err
	}
	return nil
}

// Stop asks the process to exit and waits for it. The stop command, if
// configured, goes first; then the termination signal; then a kill, each
// given the graceful timeout. A cancelled ctx skips straight to the kill.
func (p *ManagedProcess) Stop(ctx context.Context) error {
	if ctx == nil {
		return errors.NewValidationError("context cannot be nil", nil)
	}

	if !p.beginStopping() {
		select {
		case <-p.done:
			return nil
		case <-ctx.Done():
			return errors.NewCancelledError("waiting for process to stop", ctx.Err()).WithContext("id", p.id)
		}
	}

	pid := p.PID()
	graceful := true

	if p.spec.StopCommand != "" {
		p.logger.Infof("Sending stop command, PID: %d, command: %q", pid, p.spec.StopCommand)
		if _, err := p.gateway.Forward([]byte(lineproto.NormalizeCommand(p.spec.StopCommand))); err != nil {
			p.logger.Warnf("Failed to send stop command, PID: %d, error: %v", pid, err)
		}
		exited, cancelled := p.waitExit(ctx, p.gracefulTimeout)
		if exited {
			return nil
		}
		graceful = !cancelled
	}

	if graceful {
		p.logger.Infof("Sending termination signal, PID: %d, timeout: %v", pid, p.gracefulTimeout)
		if err := p.child.Terminate(); err != nil {
			p.logger.Warnf("Failed to send termination signal, PID: %d, error: %v", pid, err)
		}
		if exited, _ := p.waitExit(ctx, p.gracefulTimeout); exited {
			return nil
		}
	}

	p.logger.Warnf("Force killing process, PID: %d", pid)
	if err := p.child.Kill(); err != nil {
		p.logger.Warnf("Failed to kill process, PID: %d, error: %v", pid, err)
	}

	timer := time.NewTimer(forceKillTimeout)
	defer timer.Stop()
	select {
	case <-p.done:
		return nil
	case <-timer.C:
		return errors.NewTimeoutError("process did not terminate even after force termination", nil).WithContext("pid", pid)
	case <-ctx.Done():
		return errors.NewCancelledError("termination cancelled", ctx.Err()).WithContext("pid", pid)
	}
}

// waitExit reports whether the process finished within timeout, and
// whether ctx was cancelled while waiting.
func (p *ManagedProcess) waitExit(ctx context.Context, timeout time.Duration) (exited, cancelled bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-p.done:
		return true, false
	case <-timer.C:
		return false, false
	case <-ctx.Done():
		return false, true
	}
}

// terminate signals the process and returns without waiting. A kill follows
// after the graceful timeout if the process is still around.
func (p *ManagedProcess) terminate() {
	if !p.beginStopping() {
		return
	}

	pid := p.PID()
	p.logger.Infof("Destroying process, PID: %d", pid)
	if err := p.child.Terminate(); err != nil {
		p.logger.Warnf("Failed to send termination signal, PID: %d, error: %v", pid, err)
	}

	go func() {
		timer := time.NewTimer(p.gracefulTimeout)
		defer timer.Stop()
		select {
		case <-p.done:
		case <-timer.C:
			p.logger.Warnf("Process ignored termination signal, killing, PID: %d", pid)
			if err := p.child.Kill(); err != nil {
				p.logger.Warnf("Failed to kill process, PID: %d, error: %v", pid, err)
			}
		}
	}()
}

// beginStopping moves to Stopping. It returns false if another stop is
// already in progress or the process has terminated.
func (p *ManagedProcess) beginStopping() bool {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if err := validateTransition(p.state, StateStopping); err != nil {
		return false
	}
	p.logger.Debugf("State transition, %s -> %s", p.state, StateStopping)
	p.state = StateStopping
	return true
}

// run owns the process from registration to removal.
func (p *ManagedProcess) run() {
	p.confirmRunning()
	p.pumpOutput()
	p.finalize()
}

func (p *ManagedProcess) confirmRunning() {
	select {
	case <-p.child.Done():
		return
	default:
	}

	alive, err := processstate.IsProcessRunning(p.PID())
	if err != nil {
		p.logger.Warnf("Failed to probe process, PID: %d, error: %v", p.PID(), err)
		return
	}
	if !alive {
		return
	}

	p.mutex.Lock()
	if p.state != StateStarting {
		p.mutex.Unlock()
		return
	}
	p.logger.Debugf("State transition, %s -> %s", p.state, StateRunning)
	p.state = StateRunning
	p.reachedRunning = true
	p.mutex.Unlock()

	close(p.running)
	p.logger.Infof("Process is running, PID: %d", p.PID())
	p.publish(Event{Kind: EventRunning})
}

// pumpOutput broadcasts and decodes the child's output until the pipe
// closes. Descendants can keep the pipe open past the child's exit, so it
// is closed forcibly outputGrace after the exit.
func (p *ManagedProcess) pumpOutput() {
	pumped := make(chan struct{})
	defer close(pumped)

	go func() {
		select {
		case <-pumped:
			return
		case <-p.child.Done():
		}
		timer := time.NewTimer(p.outputGrace)
		defer timer.Stop()
		select {
		case <-pumped:
		case <-timer.C:
			p.logger.Warnf("Output still open after exit, closing, PID: %d", p.PID())
			p.child.Output.Close()
		}
	}()

	reader := bufio.NewReader(io.TeeReader(p.child.Output, p.gateway))
	for {
		line, err := reader.ReadString('\n')
		if line != "" {
			p.decode(line)
		}
		if err != nil {
			if err != io.EOF {
				p.logger.Debugf("Output read ended, PID: %d, error: %v", p.PID(), err)
			}
			return
		}
	}
}

func (p *ManagedProcess) decode(line string) {
	result := p.decoder.Decode(line)
	for _, e := range result.Events {
		metrics.EventsDecodedTotal.WithLabelValues(string(e.Kind)).Inc()
		p.publish(Event{Kind: EventDecoded, Decoded: e})
	}
}

func (p *ManagedProcess) finalize() {
	<-p.child.Done()
	status := p.child.ExitStatus()

	p.mutex.Lock()
	p.logger.Debugf("State transition, %s -> %s", p.state, StateTerminated)
	p.state = StateTerminated
	reachedRunning := p.reachedRunning
	p.mutex.Unlock()

	// The endpoint stays claimed in the registry until its socket is gone.
	if err := p.gateway.Close(); err != nil {
		p.logger.Warnf("Failed to close endpoint, path: %s, error: %v", p.spec.EndpointPath, err)
	}
	p.child.Stdin.Close()
	p.child.Output.Close()

	p.parent.registry.remove(p)
	metrics.ProcessesActive.Dec()

	event := exitEvent(reachedRunning, status)
	metrics.ProcessExitsTotal.WithLabelValues(string(event.Kind)).Inc()
	if event.Kind == EventExited {
		p.logger.Infof("Process exited, PID: %d, code: %d, signal: '%s'", p.PID(), status.Code, status.Signal)
	} else {
		p.logger.Warnf("Process terminated abnormally, PID: %d, reason: %s", p.PID(), event.Reason)
	}

	p.publish(event)
	p.hub.close()
	close(p.done)
}

// publish stamps e and delivers it to this process's subscribers and the
// supervisor's.
func (p *ManagedProcess) publish(e Event) {
	e.ProcessID = p.id
	e.ProcessName = p.Name()
	e.Time = time.Now()
	p.hub.publish(e)
	p.parent.hub.publish(e)
}
