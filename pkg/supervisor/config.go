package supervisor

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/core-tools/hsu-console/pkg/client"
	"github.com/core-tools/hsu-console/pkg/errors"
	"github.com/core-tools/hsu-console/pkg/gateway"
	"github.com/core-tools/hsu-console/pkg/logging"
)

// SupervisorConfig represents the top-level configuration file structure
type SupervisorConfig struct {
	Supervisor SupervisorConfigOptions `yaml:"supervisor"`
	Logging    logging.ZapConfig       `yaml:"logging"`
	Metrics    MetricsConfig           `yaml:"metrics"`
	Client     client.RetryConfig      `yaml:"client"`
	Processes  []ProcessConfig         `yaml:"processes"`
}

// SupervisorConfigOptions represents supervisor-level configuration
type SupervisorConfigOptions struct {
	EndpointName         string        `yaml:"endpoint_name,omitempty"`
	SubscriberBuffer     int           `yaml:"subscriber_buffer,omitempty"`
	EventBuffer          int           `yaml:"event_buffer,omitempty"`
	GracefulTimeout      time.Duration `yaml:"graceful_timeout,omitempty"`
	ForceShutdownTimeout time.Duration `yaml:"force_shutdown_timeout,omitempty"`
	// CloseNotice defaults to "goodbye\n"; an explicit empty string disables it.
	CloseNotice *string `yaml:"close_notice,omitempty"`
}

type MetricsConfig struct {
	// ListenAddress enables the /metrics endpoint when set.
	ListenAddress string `yaml:"listen_address,omitempty"`
}

// ProcessConfig is a ProcessSpec plus whether to start it at all.
type ProcessConfig struct {
	ProcessSpec `yaml:",inline"`
	Enabled     *bool `yaml:"enabled,omitempty"` // Pointer to distinguish unset from false
}

func (c ProcessConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// LoadConfigFromFile loads supervisor configuration from a YAML file
func LoadConfigFromFile(filename string) (*SupervisorConfig, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.NewIOError("failed to read configuration file", err).WithContext("filename", filename)
	}

	var config SupervisorConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, errors.NewValidationError("failed to parse YAML configuration", err).WithContext("filename", filename)
	}

	setConfigDefaults(&config)

	return &config, nil
}

// ValidateConfigFile loads and validates without running anything
func ValidateConfigFile(filename string) error {
	config, err := LoadConfigFromFile(filename)
	if err != nil {
		return err
	}
	return ValidateConfig(config)
}

func setConfigDefaults(config *SupervisorConfig) {
	options := &config.Supervisor
	if options.EndpointName == "" {
		options.EndpointName = DefaultEndpointName
	}
	if options.SubscriberBuffer == 0 {
		options.SubscriberBuffer = gateway.DefaultSubscriberBuffer
	}
	if options.EventBuffer == 0 {
		options.EventBuffer = DefaultEventBuffer
	}
	if options.GracefulTimeout == 0 {
		options.GracefulTimeout = DefaultGracefulTimeout
	}
	if options.ForceShutdownTimeout == 0 {
		options.ForceShutdownTimeout = 30 * time.Second
	}
	if options.CloseNotice == nil {
		notice := gateway.DefaultNotice
		options.CloseNotice = &notice
	}

	defaults := logging.DefaultZapConfig()
	if config.Logging.Level == "" {
		config.Logging.Level = defaults.Level
	}
	if config.Logging.Format == "" {
		config.Logging.Format = defaults.Format
	}
	if config.Logging.Output == "" {
		config.Logging.Output = defaults.Output
	}

	retry := client.DefaultRetryConfig()
	if config.Client.MaxAttempts == 0 {
		config.Client.MaxAttempts = retry.MaxAttempts
	}
	if config.Client.RetryDelay == 0 {
		config.Client.RetryDelay = retry.RetryDelay
	}
	if config.Client.BackoffRate == 0 {
		config.Client.BackoffRate = retry.BackoffRate
	}

	for i := range config.Processes {
		process := &config.Processes[i]
		if process.Enabled == nil {
			enabled := true
			process.Enabled = &enabled
		}
	}
}

// ValidateConfig validates the entire configuration structure
func ValidateConfig(config *SupervisorConfig) error {
	if config == nil {
		return errors.NewValidationError("configuration cannot be nil", nil)
	}

	if err := validateSupervisorOptions(&config.Supervisor); err != nil {
		return errors.NewValidationError("invalid supervisor configuration", err)
	}

	if err := validateLoggingConfig(&config.Logging); err != nil {
		return errors.NewValidationError("invalid logging configuration", err)
	}

	if config.Metrics.ListenAddress != "" {
		if err := ValidateListenAddress(config.Metrics.ListenAddress); err != nil {
			return errors.NewValidationError("invalid metrics configuration", err)
		}
	}

	if err := client.ValidateRetryConfig(config.Client); err != nil {
		return errors.NewValidationError("invalid client configuration", err)
	}

	if err := validateProcessesConfig(config.Processes); err != nil {
		return errors.NewValidationError("invalid processes configuration", err)
	}

	return nil
}

// SupervisorOptionsFromConfig maps the file's supervisor section onto
// SupervisorOptions.
func SupervisorOptionsFromConfig(config *SupervisorConfig) SupervisorOptions {
	options := SupervisorOptions{
		EndpointName:     config.Supervisor.EndpointName,
		SubscriberBuffer: config.Supervisor.SubscriberBuffer,
		EventBuffer:      config.Supervisor.EventBuffer,
		GracefulTimeout:  config.Supervisor.GracefulTimeout,
	}
	if config.Supervisor.CloseNotice != nil {
		options.CloseNotice = *config.Supervisor.CloseNotice
	}
	return options
}

func validateSupervisorOptions(options *SupervisorConfigOptions) error {
	if options.SubscriberBuffer < 0 {
		return errors.NewValidationError("subscriber buffer cannot be negative", nil)
	}
	if options.EventBuffer < 0 {
		return errors.NewValidationError("event buffer cannot be negative", nil)
	}
	if err := ValidateTimeout(options.GracefulTimeout, "graceful timeout"); err != nil {
		return err
	}
	if err := ValidateTimeout(options.ForceShutdownTimeout, "force shutdown timeout"); err != nil {
		return err
	}
	return nil
}

func validateLoggingConfig(config *logging.ZapConfig) error {
	validLogLevels := []string{"debug", "info", "warn", "error"}
	valid := false
	for _, level := range validLogLevels {
		if config.Level == level {
			valid = true
			break
		}
	}
	if !valid {
		return errors.NewValidationError(
			fmt.Sprintf("invalid log level: %s", config.Level),
			nil,
		).WithContext("valid_levels", "debug, info, warn, error")
	}

	if config.Format != "json" && config.Format != "console" {
		return errors.NewValidationError(
			fmt.Sprintf("invalid log format: %s", config.Format),
			nil,
		).WithContext("valid_formats", "json, console")
	}

	return nil
}

func validateProcessesConfig(processes []ProcessConfig) error {
	if len(processes) == 0 {
		return nil // Allow empty process list
	}

	seenNames := make(map[string]int)
	seenEndpoints := make(map[string]int)
	for i, process := range processes {
		if err := ValidateProcessName(process.Name); err != nil {
			return errors.NewValidationError(
				fmt.Sprintf("invalid process name at index %d", i),
				err,
			).WithContext("name", process.Name)
		}

		if prevIndex, exists := seenNames[process.Name]; exists {
			return errors.NewValidationError(
				fmt.Sprintf("duplicate process name '%s' found at indices %d and %d", process.Name, prevIndex, i),
				nil,
			)
		}
		seenNames[process.Name] = i

		if err := ValidateProcessSpec(process.ProcessSpec); err != nil {
			return errors.NewValidationError(
				fmt.Sprintf("invalid process at index %d", i),
				err,
			).WithContext("name", process.Name)
		}

		// Only explicit endpoints can be compared here; derived ones are
		// checked by the registry at Create time.
		if endpoint := explicitEndpoint(process.ProcessSpec); endpoint != "" {
			if prevIndex, exists := seenEndpoints[endpoint]; exists {
				return errors.NewValidationError(
					fmt.Sprintf("processes at indices %d and %d share endpoint '%s'", prevIndex, i, endpoint),
					nil,
				)
			}
			seenEndpoints[endpoint] = i
		}
	}

	return nil
}

func explicitEndpoint(spec ProcessSpec) string {
	if spec.EndpointPath == "" || spec.WorkingDirectory == "" {
		return ""
	}
	normalized, err := normalizeSpec(spec, "")
	if err != nil {
		return ""
	}
	return normalized.EndpointPath
}

// ConfigSummary provides a high-level overview of configuration
type ConfigSummary struct {
	TotalProcesses   int              `json:"total_processes"`
	EnabledProcesses int              `json:"enabled_processes"`
	MetricsAddress   string           `json:"metrics_address,omitempty"`
	Processes        []ProcessSummary `json:"processes"`
}

type ProcessSummary struct {
	Name             string `json:"name"`
	Enabled          bool   `json:"enabled"`
	ExecutablePath   string `json:"executable_path"`
	WorkingDirectory string `json:"working_directory,omitempty"`
	SourceURL        string `json:"source_url,omitempty"`
}

// GetConfigSummary returns a summary of the configuration for logging and
// the CLI's validate mode.
func GetConfigSummary(config *SupervisorConfig) ConfigSummary {
	summary := ConfigSummary{
		MetricsAddress: config.Metrics.ListenAddress,
		Processes:      make([]ProcessSummary, 0, len(config.Processes)),
	}

	for _, process := range config.Processes {
		processSummary := ProcessSummary{
			Name:             process.Name,
			Enabled:          process.IsEnabled(),
			ExecutablePath:   process.ExecutablePath,
			WorkingDirectory: process.WorkingDirectory,
		}
		if process.Source != nil {
			processSummary.SourceURL = process.Source.URL
		}
		summary.Processes = append(summary.Processes, processSummary)
		if processSummary.Enabled {
			summary.EnabledProcesses++
		}
	}
	summary.TotalProcesses = len(summary.Processes)

	return summary
}
