package supervisor

import (
	"context"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/core-tools/hsu-console/pkg/errors"
	"github.com/core-tools/hsu-console/pkg/lineproto"
	"github.com/core-tools/hsu-console/pkg/logging"
	"github.com/core-tools/hsu-console/pkg/metrics"
)

// Run loads configFile, starts every enabled process and supervises them
// until a signal arrives or runDuration seconds pass.
func Run(runDuration int, configFile string, logger *logging.ZapLogger) error {
	logger.Infof("Supervisor runner starting...")

	ctx := context.Background()
	if runDuration > 0 {
		duration := time.Duration(runDuration) * time.Second
		logger.Infof("Using RUN DURATION of %v", duration)
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, duration)
		defer cancel()
	}

	logger.Infof("Using CONFIGURATION FILE: %s", configFile)

	config, err := LoadConfigFromFile(configFile)
	if err != nil {
		return errors.NewIOError("failed to load configuration", err).WithContext("config_file", configFile)
	}
	if err := ValidateConfig(config); err != nil {
		return errors.NewValidationError("configuration validation failed", err).WithContext("config_file", configFile)
	}

	summary := GetConfigSummary(config)
	logger.Infof("Configuration loaded successfully, processes: %d, enabled: %d",
		summary.TotalProcesses, summary.EnabledProcesses)

	if config.Metrics.ListenAddress != "" {
		server := metrics.StartMetricsServer(config.Metrics.ListenAddress, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			server.Shutdown(shutdownCtx)
		}()
	}

	supervisor := NewSupervisor(SupervisorOptionsFromConfig(config), logger)

	events := supervisor.Subscribe(0)
	logged := make(chan struct{})
	go func() {
		defer close(logged)
		for event := range events.C {
			logEvent(logger.Zap(), event)
		}
	}()

	for _, process := range config.Processes {
		if !process.IsEnabled() {
			logger.Infof("Skipping disabled process, name: %s", process.Name)
			continue
		}
		id, err := supervisor.Create(ctx, process.ProcessSpec)
		if err != nil {
			// Continue with other processes rather than failing completely
			logger.Errorf("Failed to create process %s: %v", process.Name, err)
			continue
		}
		logger.Infof("Created process, name: %s, id: %s", process.Name, id)
	}

	logger.Infof("Enabling signal handling...")

	sig := make(chan os.Signal, 1)
	if runtime.GOOS == "windows" {
		signal.Notify(sig) // Unix signals not implemented on Windows
	} else {
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	}
	defer signal.Stop(sig)

	logger.Infof("Supervisor is ready")

	select {
	case receivedSignal := <-sig:
		logger.Infof("Supervisor runner received signal: %v", receivedSignal)
	case <-ctx.Done():
		logger.Infof("Supervisor runner timed out")
	}

	// Background context so a timed-out run still shuts down gracefully
	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.Supervisor.ForceShutdownTimeout)
	defer cancel()
	if err := supervisor.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("Shutdown finished with errors: %v", err)
	}
	<-logged

	logger.Infof("Supervisor runner stopped")
	return nil
}

// logEvent writes one event as a structured record. Raw lines are logged
// at debug so the info stream carries each line once, decoded.
func logEvent(logger *zap.Logger, event Event) {
	fields := []zap.Field{
		zap.String("process_id", event.ProcessID),
		zap.String("process", event.ProcessName),
		zap.String("kind", string(event.Kind)),
	}

	switch event.Kind {
	case EventDecoded:
		decoded := event.Decoded
		fields = append(fields, zap.String("event", string(decoded.Kind)))
		if decoded.Player != "" {
			fields = append(fields, zap.String("player", decoded.Player))
		}
		if decoded.Text != "" {
			fields = append(fields, zap.String("text", decoded.Text))
		}
		if decoded.Achievement != "" {
			fields = append(fields, zap.String("achievement", decoded.Achievement))
		}
		if decoded.Kind == lineproto.EventStarted {
			fields = append(fields, zap.Float64("seconds", decoded.Seconds))
		}
		if decoded.Envelope != nil {
			fields = append(fields,
				zap.String("clock", decoded.Envelope.Clock()),
				zap.String("source", decoded.Envelope.Source),
				zap.String("level", decoded.Envelope.Level))
		}

		switch decoded.Kind {
		case lineproto.EventRawLine:
			logger.Debug(decoded.Raw, fields...)
		case lineproto.EventUnrecognizedLine, lineproto.EventUnrecognizedBody:
			logger.Debug("Unrecognized output", append(fields, zap.String("raw", decoded.Raw))...)
		default:
			logger.Info("Game event", fields...)
		}

	case EventRunning:
		logger.Info("Process running", fields...)

	case EventExited:
		logger.Info("Process exited", append(fields,
			zap.Int("code", event.Status.Code),
			zap.String("signal", event.Status.Signal))...)

	case EventTerminatedAbnormally:
		logger.Warn("Process terminated abnormally", append(fields, zap.String("reason", event.Reason))...)
	}
}
