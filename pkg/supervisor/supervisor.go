package supervisor

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/core-tools/hsu-console/pkg/domain"
	"github.com/core-tools/hsu-console/pkg/errors"
	"github.com/core-tools/hsu-console/pkg/gateway"
	"github.com/core-tools/hsu-console/pkg/lineproto"
	"github.com/core-tools/hsu-console/pkg/logging"
	"github.com/core-tools/hsu-console/pkg/metrics"
	"github.com/core-tools/hsu-console/pkg/process"
)

const (
	DefaultGracefulTimeout = 10 * time.Second
	DefaultOutputGrace     = 2 * time.Second
)

type SupervisorOptions struct {
	// EndpointName is joined to the working directory when a spec has no
	// EndpointPath.
	EndpointName     string
	SubscriberBuffer int
	EventBuffer      int
	GracefulTimeout  time.Duration
	// OutputGrace bounds how long output is read after the child exits.
	OutputGrace time.Duration
	// CloseNotice is sent to every subscriber when its process exits.
	CloseNotice string

	// Provisioner and Fetcher are optional.
	Provisioner domain.Provisioner
	Fetcher     domain.Fetcher
}

// Supervisor owns a set of managed processes, their endpoints and the
// registry that names them.
type Supervisor struct {
	options  SupervisorOptions
	logger   logging.Logger
	registry *registry
	hub      *eventHub

	mutex  sync.Mutex
	closed bool
}

func NewSupervisor(options SupervisorOptions, logger logging.Logger) *Supervisor {
	if options.EndpointName == "" {
		options.EndpointName = DefaultEndpointName
	}
	if options.GracefulTimeout <= 0 {
		options.GracefulTimeout = DefaultGracefulTimeout
	}
	if options.OutputGrace <= 0 {
		options.OutputGrace = DefaultOutputGrace
	}
	if options.EventBuffer <= 0 {
		options.EventBuffer = DefaultEventBuffer
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	return &Supervisor{
		options:  options,
		logger:   logger,
		registry: newRegistry(),
		hub:      newEventHub("supervisor", options.EventBuffer, logger),
	}
}

// Create spawns the process described by spec, binds its endpoint and
// registers it in Starting. It returns as soon as the process is
// registered; the returned id is usable right away. On error nothing is
// registered and no child is left running.
func (s *Supervisor) Create(ctx context.Context, spec ProcessSpec) (string, error) {
	if ctx == nil {
		return "", errors.NewValidationError("context cannot be nil", nil)
	}
	if s.isClosed() {
		return "", errors.NewValidationError("supervisor is shut down", nil)
	}

	spec, err := normalizeSpec(spec, s.options.EndpointName)
	if err != nil {
		return "", err
	}
	if err := ValidateProcessSpec(spec); err != nil {
		return "", err
	}

	if err := s.registry.reserve(spec.Name, spec.EndpointPath); err != nil {
		return "", err
	}
	registered := false
	defer func() {
		if !registered {
			s.registry.release(spec.Name, spec.EndpointPath)
		}
	}()

	if err := s.prepare(ctx, &spec); err != nil {
		return "", err
	}

	logger := logging.WithPrefix(s.logger, fmt.Sprintf("process: %s , ", displayName(spec)))

	child, err := process.Spawn(spec.ExecutionConfig, logger)
	if err != nil {
		metrics.ProcessStartsTotal.WithLabelValues("spawn_error").Inc()
		return "", err
	}

	gw, err := gateway.Bind(spec.EndpointPath, child.Stdin, gateway.Options{
		Name:             displayName(spec),
		SubscriberBuffer: s.options.SubscriberBuffer,
		Notice:           s.options.CloseNotice,
	}, logger)
	if err != nil {
		metrics.ProcessStartsTotal.WithLabelValues("bind_error").Inc()
		s.discard(child, nil, logger)
		return "", err
	}

	gracefulTimeout := s.options.GracefulTimeout
	if spec.GracefulTimeout > 0 {
		gracefulTimeout = spec.GracefulTimeout
	}

	p := &ManagedProcess{
		id:              uuid.NewString(),
		spec:            spec,
		startTime:       time.Now(),
		child:           child,
		gateway:         gw,
		decoder:         lineproto.NewDecoder(),
		parent:          s,
		gracefulTimeout: gracefulTimeout,
		outputGrace:     s.options.OutputGrace,
		state:           StateStarting,
		running:         make(chan struct{}),
		done:            make(chan struct{}),
	}
	p.logger = logging.WithPrefix(s.logger, fmt.Sprintf("process: %s , ", p.Name()))
	p.hub = newEventHub(p.id, s.options.EventBuffer, p.logger)

	registered = true
	if err := s.register(p); err != nil {
		metrics.ProcessStartsTotal.WithLabelValues("conflict").Inc()
		s.discard(child, gw, logger)
		return "", err
	}

	metrics.ProcessStartsTotal.WithLabelValues("success").Inc()
	metrics.ProcessesActive.Inc()
	go p.run()

	p.logger.Infof("Process created, id: %s, PID: %d, endpoint: %s", p.id, p.PID(), spec.EndpointPath)
	return p.id, nil
}

// register inserts p unless Shutdown has begun. Shutdown's snapshot
// therefore sees every process that was ever registered.
func (s *Supervisor) register(p *ManagedProcess) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.closed {
		s.registry.release(p.spec.Name, p.spec.EndpointPath)
		return errors.NewValidationError("supervisor is shut down", nil)
	}
	return s.registry.insert(p)
}

// prepare runs the collaborators that must succeed before anything is
// spawned.
func (s *Supervisor) prepare(ctx context.Context, spec *ProcessSpec) error {
	if s.options.Provisioner != nil {
		if err := s.options.Provisioner.Ensure(ctx, spec.WorkingDirectory); err != nil {
			return errors.NewSpawnError("failed to provision working directory", err).
				WithContext("working_directory", spec.WorkingDirectory)
		}
	}

	if spec.Source == nil {
		return nil
	}
	if s.options.Fetcher == nil {
		return errors.NewSpawnError("source configured but no fetcher available", nil).WithContext("url", spec.Source.URL)
	}

	dest := spec.ExecutablePath
	if !filepath.IsAbs(dest) {
		dest = filepath.Join(spec.WorkingDirectory, dest)
	}
	path, updated, err := s.options.Fetcher.Fetch(ctx, spec.Source.URL, dest, spec.Source.TTL)
	if err != nil {
		return errors.NewSpawnError("failed to fetch executable", err).
			WithContext("url", spec.Source.URL).
			WithContext("dest", dest)
	}
	s.logger.Infof("Executable ready, url: %s, path: %s, updated: %t", spec.Source.URL, path, updated)
	spec.ExecutablePath = path
	return nil
}

// discard tears down a child that never made it into the registry.
func (s *Supervisor) discard(child *process.Child, gw *gateway.Gateway, logger logging.Logger) {
	if gw != nil {
		if err := gw.Close(); err != nil {
			logger.Warnf("Failed to close endpoint, error: %v", err)
		}
	}
	if err := child.Kill(); err != nil {
		logger.Warnf("Failed to kill process, PID: %d, error: %v", child.PID(), err)
	}
	child.Stdin.Close()
	<-child.Done()
	child.Output.Close()
}

// Get resolves an id or alias. A process that has exited is NotFound.
func (s *Supervisor) Get(idOrAlias string) (*ManagedProcess, error) {
	p, ok := s.registry.lookup(idOrAlias)
	if !ok {
		return nil, errors.NewNotFoundError("process not found", nil).WithContext("id", idOrAlias)
	}
	return p, nil
}

// List returns a snapshot of every live process, oldest first.
func (s *Supervisor) List() []ProcessInfo {
	processes := s.registry.snapshot()
	out := make([]ProcessInfo, 0, len(processes))
	for _, p := range processes {
		out = append(out, p.Info())
	}
	return out
}

// Destroy sends the termination signal and returns. An unknown id is not
// an error: the process may have just exited.
func (s *Supervisor) Destroy(idOrAlias string) error {
	p, ok := s.registry.lookup(idOrAlias)
	if !ok {
		s.logger.Debugf("Destroy of absent process ignored, id: %s", idOrAlias)
		return nil
	}
	p.terminate()
	return nil
}

// Subscribe receives the events of every process. C is closed by Shutdown.
func (s *Supervisor) Subscribe(buffer int) *Subscription {
	return s.hub.subscribe(buffer)
}

// Shutdown stops every process concurrently and refuses further Creates.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	if ctx == nil {
		return errors.NewValidationError("context cannot be nil", nil)
	}

	s.mutex.Lock()
	s.closed = true
	s.mutex.Unlock()

	processes := s.registry.snapshot()
	s.logger.Infof("Shutting down, processes: %d", len(processes))

	errs := errors.NewErrorCollection()
	var errsMutex sync.Mutex
	var group errgroup.Group
	for _, p := range processes {
		p := p
		group.Go(func() error {
			if err := p.Stop(ctx); err != nil {
				errsMutex.Lock()
				errs.Add(fmt.Errorf("process %s: %w", p.Name(), err))
				errsMutex.Unlock()
			}
			return nil
		})
	}
	group.Wait()

	s.hub.close()
	s.logger.Infof("Shutdown complete")
	return errs.ToError()
}

func (s *Supervisor) isClosed() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.closed
}

func displayName(spec ProcessSpec) string {
	if spec.Name != "" {
		return spec.Name
	}
	return filepath.Base(spec.ExecutablePath)
}
