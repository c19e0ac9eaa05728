//go:build !windows

package supervisor

import (
	"context"
	stderrors "errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/core-tools/hsu-console/pkg/errors"
	"github.com/core-tools/hsu-console/pkg/lineproto"
	"github.com/core-tools/hsu-console/pkg/logging"
	"github.com/core-tools/hsu-console/pkg/process"
)

const eventTimeout = 5 * time.Second

// workDir keeps socket paths short; t.TempDir can exceed the sun_path limit.
func workDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "sv")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

func newTestSupervisor(t *testing.T, options SupervisorOptions) *Supervisor {
	t.Helper()
	if options.GracefulTimeout == 0 {
		options.GracefulTimeout = 500 * time.Millisecond
	}
	if options.OutputGrace == 0 {
		options.OutputGrace = 200 * time.Millisecond
	}
	s := NewSupervisor(options, logging.NewNopLogger())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.Shutdown(ctx)
	})
	return s
}

func shellSpec(dir, script string) ProcessSpec {
	return ProcessSpec{
		ExecutionConfig: process.ExecutionConfig{
			ExecutablePath:   "/bin/sh",
			Args:             []string{"-c", script},
			WorkingDirectory: dir,
		},
	}
}

// writeScript installs an executable shell script and returns its path.
func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func waitForEvent(t *testing.T, sub *Subscription, match func(Event) bool) Event {
	t.Helper()
	timeout := time.After(eventTimeout)
	for {
		select {
		case e, ok := <-sub.C:
			require.True(t, ok, "subscription closed before the expected event")
			if match(e) {
				return e
			}
		case <-timeout:
			t.Fatal("timed out waiting for event")
		}
	}
}

func isExit(id string) func(Event) bool {
	return func(e Event) bool {
		return e.ProcessID == id && (e.Kind == EventExited || e.Kind == EventTerminatedAbnormally)
	}
}

func waitDone(t *testing.T, p *ManagedProcess) {
	t.Helper()
	select {
	case <-p.Done():
	case <-time.After(eventTimeout):
		t.Fatal("process did not finish")
	}
}

func TestCreate_GetIsStartingOrRunning(t *testing.T) {
	s := newTestSupervisor(t, SupervisorOptions{})
	dir := workDir(t)

	id, err := s.Create(context.Background(), shellSpec(dir, "exec sleep 30"))
	require.NoError(t, err)

	p, err := s.Get(id)
	require.NoError(t, err)
	assert.Contains(t, []ProcessState{StateStarting, StateRunning}, p.State())

	ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
	defer cancel()
	require.NoError(t, p.Start(ctx))
	assert.Equal(t, StateRunning, p.State())
	assert.Equal(t, filepath.Join(dir, DefaultEndpointName), p.EndpointPath())
	assert.Equal(t, "sh["+strconv.Itoa(p.PID())+"]", p.Name())

	infos := s.List()
	require.Len(t, infos, 1)
	assert.Equal(t, id, infos[0].ID)
	assert.Equal(t, StateRunning, infos[0].State)
}

func TestExit_UnregistersAndEmitsExited(t *testing.T) {
	s := newTestSupervisor(t, SupervisorOptions{})
	events := s.Subscribe(0)
	dir := workDir(t)

	id, err := s.Create(context.Background(), shellSpec(dir, "echo hello; sleep 0.3; exit 3"))
	require.NoError(t, err)
	p, err := s.Get(id)
	require.NoError(t, err)

	var kinds []EventKind
	exit := waitForEvent(t, events, func(e Event) bool {
		if e.ProcessID == id {
			kinds = append(kinds, e.Kind)
		}
		return isExit(id)(e)
	})

	assert.Equal(t, EventExited, exit.Kind)
	assert.Equal(t, 3, exit.Status.Code)
	assert.Equal(t, []EventKind{EventRunning, EventDecoded, EventDecoded, EventExited}, kinds)

	_, err = s.Get(id)
	assert.True(t, errors.IsNotFoundError(err), "exited process must be gone when its exit event arrives")
	assert.Empty(t, s.List())

	waitDone(t, p)
	assert.Equal(t, StateTerminated, p.State())
	_, err = os.Stat(filepath.Join(dir, DefaultEndpointName))
	assert.True(t, os.IsNotExist(err), "endpoint must be removed on exit")
}

func TestProcessSubscription_ClosesAfterExit(t *testing.T) {
	s := newTestSupervisor(t, SupervisorOptions{})

	id, err := s.Create(context.Background(), shellSpec(workDir(t), "sleep 0.3"))
	require.NoError(t, err)
	p, err := s.Get(id)
	require.NoError(t, err)

	sub := p.Subscribe(0)
	var last Event
	timeout := time.After(eventTimeout)
	for done := false; !done; {
		select {
		case e, ok := <-sub.C:
			if !ok {
				done = true
				continue
			}
			last = e
		case <-timeout:
			t.Fatal("process subscription never closed")
		}
	}
	assert.Equal(t, EventExited, last.Kind)
}

func TestDestroy_AbsentIsNoop(t *testing.T) {
	s := newTestSupervisor(t, SupervisorOptions{})
	assert.NoError(t, s.Destroy("no-such-process"))

	id, err := s.Create(context.Background(), shellSpec(workDir(t), "exit 0"))
	require.NoError(t, err)
	p, err := s.Get(id)
	require.NoError(t, err)
	waitDone(t, p)

	assert.NoError(t, s.Destroy(id))
	assert.NoError(t, s.Destroy(id))
}

func TestDestroy_TerminatesProcess(t *testing.T) {
	s := newTestSupervisor(t, SupervisorOptions{})
	events := s.Subscribe(0)
	spec := shellSpec(workDir(t), "sleep 30")
	spec.Name = "survival"

	id, err := s.Create(context.Background(), spec)
	require.NoError(t, err)
	waitForEvent(t, events, func(e Event) bool { return e.ProcessID == id && e.Kind == EventRunning })

	require.NoError(t, s.Destroy("survival"))

	exit := waitForEvent(t, events, isExit(id))
	assert.Equal(t, EventExited, exit.Kind)
	assert.True(t, exit.Status.Signaled())
	assert.Equal(t, "survival", exit.ProcessName)

	_, err = s.Get("survival")
	assert.True(t, errors.IsNotFoundError(err))
}

func TestDestroy_KillsProcessIgnoringTerm(t *testing.T) {
	s := newTestSupervisor(t, SupervisorOptions{GracefulTimeout: 200 * time.Millisecond})
	events := s.Subscribe(0)
	dir := workDir(t)
	ready := filepath.Join(dir, "ready")

	id, err := s.Create(context.Background(), shellSpec(dir, "trap '' TERM; touch ready; while true; do sleep 0.1; done"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, err := os.Stat(ready)
		return err == nil
	}, eventTimeout, 10*time.Millisecond)

	require.NoError(t, s.Destroy(id))

	exit := waitForEvent(t, events, isExit(id))
	assert.Equal(t, "SIGKILL", exit.Status.Signal)
}

func TestCreate_SpawnErrorRegistersNothing(t *testing.T) {
	s := newTestSupervisor(t, SupervisorOptions{})
	dir := workDir(t)

	spec := ProcessSpec{
		ExecutionConfig: process.ExecutionConfig{
			ExecutablePath:   filepath.Join(dir, "missing-server"),
			WorkingDirectory: dir,
		},
		Name: "survival",
	}
	_, err := s.Create(context.Background(), spec)
	assert.True(t, errors.IsSpawnError(err), "got %v", err)
	assert.Empty(t, s.List())

	_, err = os.Stat(filepath.Join(dir, DefaultEndpointName))
	assert.True(t, os.IsNotExist(err))

	notExecutable := filepath.Join(dir, "server.jar")
	require.NoError(t, os.WriteFile(notExecutable, []byte("PK"), 0o644))
	spec.ExecutablePath = notExecutable
	_, err = s.Create(context.Background(), spec)
	assert.True(t, errors.IsSpawnError(err), "got %v", err)

	// the failed attempts released their alias and endpoint
	_, err = s.Create(context.Background(), shellSpec(dir, "sleep 30"))
	assert.NoError(t, err)
}

func TestCreate_BindErrorKillsChild(t *testing.T) {
	s := newTestSupervisor(t, SupervisorOptions{})
	dir := workDir(t)
	marker := filepath.Join(dir, "survived")

	// A non-empty directory at the endpoint path cannot be removed.
	blocker := filepath.Join(dir, "blocked")
	require.NoError(t, os.MkdirAll(filepath.Join(blocker, "child"), 0o755))

	spec := shellSpec(dir, "sleep 0.5; touch survived")
	spec.EndpointPath = blocker

	_, err := s.Create(context.Background(), spec)
	assert.True(t, errors.IsEndpointBindError(err), "got %v", err)
	assert.Empty(t, s.List())

	time.Sleep(time.Second)
	_, err = os.Stat(marker)
	assert.True(t, os.IsNotExist(err), "child must not outlive a failed create")
}

func TestCreate_RebindsSameWorkingDirectory(t *testing.T) {
	s := newTestSupervisor(t, SupervisorOptions{})
	dir := workDir(t)

	id, err := s.Create(context.Background(), shellSpec(dir, "sleep 0.2"))
	require.NoError(t, err)
	first, err := s.Get(id)
	require.NoError(t, err)
	waitDone(t, first)

	id, err = s.Create(context.Background(), shellSpec(dir, "sleep 30"))
	require.NoError(t, err)
	second, err := s.Get(id)
	require.NoError(t, err)

	conn, err := net.Dial("unix", second.EndpointPath())
	require.NoError(t, err)
	conn.Close()
}

func TestCreate_ReplacesStaleEndpoint(t *testing.T) {
	s := newTestSupervisor(t, SupervisorOptions{})
	dir := workDir(t)
	path := filepath.Join(dir, DefaultEndpointName)
	require.NoError(t, os.WriteFile(path, []byte("left over from a crash"), 0o600))

	_, err := s.Create(context.Background(), shellSpec(dir, "sleep 30"))
	require.NoError(t, err)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.ModeSocket, info.Mode()&os.ModeSocket)
}

func TestCreate_Conflicts(t *testing.T) {
	s := newTestSupervisor(t, SupervisorOptions{})
	dir := workDir(t)

	spec := shellSpec(dir, "sleep 30")
	spec.Name = "survival"
	id, err := s.Create(context.Background(), spec)
	require.NoError(t, err)

	other := shellSpec(workDir(t), "sleep 30")
	other.Name = "survival"
	_, err = s.Create(context.Background(), other)
	assert.True(t, errors.IsConflictError(err), "alias: got %v", err)

	sameEndpoint := shellSpec(dir, "sleep 30")
	_, err = s.Create(context.Background(), sameEndpoint)
	assert.True(t, errors.IsConflictError(err), "endpoint: got %v", err)

	p, err := s.Get("survival")
	require.NoError(t, err)
	assert.Equal(t, id, p.ID())
	assert.Len(t, s.List(), 1)
}

func TestSendCommand_FailsOnceTerminated(t *testing.T) {
	s := newTestSupervisor(t, SupervisorOptions{})

	id, err := s.Create(context.Background(), shellSpec(workDir(t), "exit 0"))
	require.NoError(t, err)
	p, err := s.Get(id)
	require.NoError(t, err)
	waitDone(t, p)

	err = p.SendCommand("list")
	assert.True(t, errors.IsCommandOnTerminatedError(err), "got %v", err)

	err = p.Start(context.Background())
	assert.True(t, errors.IsCommandOnTerminatedError(err), "got %v", err)
}

func TestSendCommand_ReachesProcess(t *testing.T) {
	s := newTestSupervisor(t, SupervisorOptions{})
	events := s.Subscribe(0)

	id, err := s.Create(context.Background(), shellSpec(workDir(t), `read line; echo "got $line"; sleep 30`))
	require.NoError(t, err)
	p, err := s.Get(id)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
	defer cancel()
	require.NoError(t, p.Start(ctx))
	require.NoError(t, p.SendCommand("whitelist add Steve"))

	waitForEvent(t, events, func(e Event) bool {
		return e.Kind == EventDecoded &&
			e.Decoded.Kind == lineproto.EventUnrecognizedLine &&
			e.Decoded.Raw == "got whitelist add Steve"
	})
}

func TestEndpoint_SubscriberRoundTripAndGoodbye(t *testing.T) {
	s := newTestSupervisor(t, SupervisorOptions{CloseNotice: "goodbye\n"})

	id, err := s.Create(context.Background(), shellSpec(workDir(t), `read line; echo "echo:$line"`))
	require.NoError(t, err)
	p, err := s.Get(id)
	require.NoError(t, err)

	conn, err := net.Dial("unix", p.EndpointPath())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("ping\n"))
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(eventTimeout))
	all, err := io.ReadAll(conn)
	require.NoError(t, err)
	assert.Equal(t, "echo:ping\ngoodbye\n", string(all))
}

func TestDecodedEventsDrivePlayers(t *testing.T) {
	s := newTestSupervisor(t, SupervisorOptions{})
	events := s.Subscribe(0)
	dir := workDir(t)

	script := writeScript(t, dir, "server.sh", `cat <<'LOG'
[12:00:00] [Server thread/INFO]: Done (1.5s)! For help, type "help" or "?"
[12:00:01] [Server thread/INFO]: Steve joined the game
[12:00:02] [Server thread/INFO]: Alex joined the game
[12:00:03] [Server thread/INFO]: Alex left the game
[12:00:04] [Server thread/INFO]: Steve was slain by Zombie
LOG
sleep 30
`)
	id, err := s.Create(context.Background(), ProcessSpec{
		ExecutionConfig: process.ExecutionConfig{ExecutablePath: script, WorkingDirectory: dir},
		Name:            "survival",
	})
	require.NoError(t, err)

	started := waitForEvent(t, events, func(e Event) bool {
		return e.ProcessID == id && e.Decoded.Kind == lineproto.EventStarted
	})
	assert.InDelta(t, 1.5, started.Decoded.Seconds, 1e-9)
	assert.Equal(t, "survival", started.ProcessName)

	died := waitForEvent(t, events, func(e Event) bool { return e.Decoded.Kind == lineproto.EventDied })
	assert.Equal(t, "Steve", died.Decoded.Player)
	assert.Equal(t, "was slain by Zombie", died.Decoded.Text)
	assert.Equal(t, "12:00:04", died.Decoded.Envelope.Clock())

	p, err := s.Get("survival")
	require.NoError(t, err)
	assert.Equal(t, []string{"Steve"}, p.Players())
	assert.Equal(t, []string{"Steve"}, p.Info().Players)
}

func TestStop_SendsStopCommandFirst(t *testing.T) {
	s := newTestSupervisor(t, SupervisorOptions{GracefulTimeout: 5 * time.Second})
	events := s.Subscribe(0)

	spec := shellSpec(workDir(t), `while read line; do if [ "$line" = "stop" ]; then echo "Stopping server"; exit 0; fi; done`)
	spec.StopCommand = "stop"
	id, err := s.Create(context.Background(), spec)
	require.NoError(t, err)
	p, err := s.Get(id)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, p.Start(ctx))

	began := time.Now()
	require.NoError(t, p.Stop(ctx))
	assert.Less(t, time.Since(began), 4*time.Second, "stop command must end the process before any signal")

	exit := waitForEvent(t, events, isExit(id))
	assert.Equal(t, EventExited, exit.Kind)
	assert.Equal(t, 0, exit.Status.Code)
	assert.False(t, exit.Status.Signaled())
}

func TestStop_EscalatesToKill(t *testing.T) {
	s := newTestSupervisor(t, SupervisorOptions{GracefulTimeout: 200 * time.Millisecond})
	events := s.Subscribe(0)
	dir := workDir(t)

	spec := shellSpec(dir, "trap '' TERM; touch ready; while true; do sleep 0.1; done")
	spec.StopCommand = "stop"
	id, err := s.Create(context.Background(), spec)
	require.NoError(t, err)
	p, err := s.Get(id)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(dir, "ready"))
		return err == nil
	}, eventTimeout, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, p.Stop(ctx))

	exit := waitForEvent(t, events, isExit(id))
	assert.Equal(t, "SIGKILL", exit.Status.Signal)

	// a second Stop on a finished process is a no-op
	assert.NoError(t, p.Stop(ctx))
}

func TestShutdown_StopsEverythingAndRefusesCreate(t *testing.T) {
	s := newTestSupervisor(t, SupervisorOptions{})
	events := s.Subscribe(0)

	for i := 0; i < 3; i++ {
		_, err := s.Create(context.Background(), shellSpec(workDir(t), "sleep 30"))
		require.NoError(t, err)
	}
	require.Len(t, s.List(), 3)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
	assert.Empty(t, s.List())

	exits := 0
	for e := range events.C {
		if e.Kind == EventExited || e.Kind == EventTerminatedAbnormally {
			exits++
		}
	}
	assert.Equal(t, 3, exits)

	_, err := s.Create(context.Background(), shellSpec(workDir(t), "sleep 30"))
	assert.True(t, errors.IsValidationError(err))
}

type mockProvisioner struct {
	mock.Mock
}

func (m *mockProvisioner) Ensure(ctx context.Context, workingDirectory string) error {
	args := m.Called(ctx, workingDirectory)
	return args.Error(0)
}

type mockFetcher struct {
	mock.Mock
}

func (m *mockFetcher) Fetch(ctx context.Context, url string, destPath string, ttl time.Duration) (string, bool, error) {
	args := m.Called(ctx, url, destPath, ttl)
	return args.String(0), args.Bool(1), args.Error(2)
}

func TestCreate_ProvisionsAndFetchesBeforeSpawn(t *testing.T) {
	dir := workDir(t)
	script := writeScript(t, dir, "server.sh", "sleep 30\n")

	provisioner := &mockProvisioner{}
	provisioner.On("Ensure", mock.Anything, dir).Return(nil).Once()
	fetcher := &mockFetcher{}
	fetcher.On("Fetch", mock.Anything, "https://example.invalid/server.sh", script, time.Hour).
		Return(script, false, nil).Once()

	s := newTestSupervisor(t, SupervisorOptions{Provisioner: provisioner, Fetcher: fetcher})

	id, err := s.Create(context.Background(), ProcessSpec{
		ExecutionConfig: process.ExecutionConfig{ExecutablePath: "server.sh", WorkingDirectory: dir},
		Source:          &SourceSpec{URL: "https://example.invalid/server.sh", TTL: time.Hour},
	})
	require.NoError(t, err)

	p, err := s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, script, p.Spec().ExecutablePath)
	provisioner.AssertExpectations(t)
	fetcher.AssertExpectations(t)
}

func TestCreate_CollaboratorFailureIsSpawnError(t *testing.T) {
	dir := workDir(t)

	provisioner := &mockProvisioner{}
	provisioner.On("Ensure", mock.Anything, dir).Return(stderrors.New("disk full"))
	s := newTestSupervisor(t, SupervisorOptions{Provisioner: provisioner})

	_, err := s.Create(context.Background(), shellSpec(dir, "sleep 30"))
	assert.True(t, errors.IsSpawnError(err), "got %v", err)
	assert.Empty(t, s.List())

	noFetcher := newTestSupervisor(t, SupervisorOptions{})
	spec := shellSpec(workDir(t), "sleep 30")
	spec.Source = &SourceSpec{URL: "https://example.invalid/server.jar"}
	_, err = noFetcher.Create(context.Background(), spec)
	assert.True(t, errors.IsSpawnError(err), "got %v", err)
}

func TestCreate_ConcurrentSameEndpointOnlyOneWins(t *testing.T) {
	s := newTestSupervisor(t, SupervisorOptions{})
	dir := workDir(t)

	const attempts = 5
	results := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		go func() {
			_, err := s.Create(context.Background(), shellSpec(dir, "sleep 30"))
			results <- err
		}()
	}

	succeeded := 0
	for i := 0; i < attempts; i++ {
		err := <-results
		if err == nil {
			succeeded++
		} else {
			assert.True(t, errors.IsConflictError(err), "got %v", err)
		}
	}
	assert.Equal(t, 1, succeeded)

	infos := s.List()
	require.Len(t, infos, 1)
	conn, err := net.Dial("unix", infos[0].EndpointPath)
	require.NoError(t, err)
	conn.Close()
}
