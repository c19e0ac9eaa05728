package supervisor

import (
	"os"
	"path/filepath"
	"time"

	"github.com/core-tools/hsu-console/pkg/errors"
	"github.com/core-tools/hsu-console/pkg/process"
)

const DefaultEndpointName = "console.sock"

// ProcessSpec describes one managed process. It is copied on Create and
// never changes afterwards.
type ProcessSpec struct {
	process.ExecutionConfig `yaml:",inline"`

	// Name is the display name and, when set, a unique alias.
	Name string `yaml:"name,omitempty"`
	// EndpointPath defaults to <working directory>/console.sock.
	EndpointPath string `yaml:"endpoint_path,omitempty"`
	// StopCommand is written to the process before any signal on Stop.
	StopCommand string `yaml:"stop_command,omitempty"`
	// GracefulTimeout overrides the supervisor-wide value when positive.
	GracefulTimeout time.Duration `yaml:"graceful_timeout,omitempty"`
	// Source, if set, is fetched to ExecutablePath before spawning.
	Source *SourceSpec `yaml:"source,omitempty"`
}

type SourceSpec struct {
	URL string        `yaml:"url"`
	TTL time.Duration `yaml:"ttl,omitempty"`
}

// normalizeSpec fills defaults and deep-copies the slices so the caller can
// not mutate a registered spec.
func normalizeSpec(spec ProcessSpec, endpointName string) (ProcessSpec, error) {
	out := spec
	out.Args = append([]string(nil), spec.Args...)
	out.Environment = append([]string(nil), spec.Environment...)
	if spec.Source != nil {
		source := *spec.Source
		out.Source = &source
	}

	if out.WorkingDirectory == "" {
		out.WorkingDirectory = os.TempDir()
	}
	wd, err := filepath.Abs(out.WorkingDirectory)
	if err != nil {
		return ProcessSpec{}, errors.NewValidationError("failed to resolve working directory", err).
			WithContext("working_directory", out.WorkingDirectory)
	}
	out.WorkingDirectory = wd

	if endpointName == "" {
		endpointName = DefaultEndpointName
	}
	if out.EndpointPath == "" {
		out.EndpointPath = filepath.Join(wd, endpointName)
	} else if !filepath.IsAbs(out.EndpointPath) {
		out.EndpointPath = filepath.Join(wd, out.EndpointPath)
	}

	return out, nil
}

func ValidateProcessSpec(spec ProcessSpec) error {
	if err := process.ValidateExecutionConfig(spec.ExecutionConfig); err != nil {
		return err
	}
	if spec.Name != "" {
		if err := ValidateProcessName(spec.Name); err != nil {
			return err
		}
	}
	if err := ValidateTimeout(spec.GracefulTimeout, "graceful timeout"); err != nil {
		return err
	}
	if spec.Source != nil {
		if spec.Source.URL == "" {
			return errors.NewValidationError("source url is required", nil).WithContext("name", spec.Name)
		}
		if spec.Source.TTL < 0 {
			return errors.NewValidationError("source ttl cannot be negative", nil).WithContext("name", spec.Name)
		}
	}
	return nil
}
