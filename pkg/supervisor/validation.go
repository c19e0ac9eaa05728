package supervisor

import (
	"net"
	"strconv"
	"time"

	"github.com/core-tools/hsu-console/pkg/errors"
)

// ValidateProcessName checks a process alias. Aliases end up in log lines
// and endpoint-adjacent paths, so the character set is restricted.
func ValidateProcessName(name string) error {
	if name == "" {
		return errors.NewValidationError("process name cannot be empty", nil)
	}

	if len(name) > 64 {
		return errors.NewValidationError("process name cannot exceed 64 characters", nil)
	}

	for _, char := range name {
		if !isValidNameChar(char) {
			return errors.NewValidationError("process name contains invalid characters: only letters, numbers, hyphens, underscores and dots are allowed", nil).
				WithContext("name", name)
		}
	}

	return nil
}

// ValidateListenAddress accepts host:port or :port.
func ValidateListenAddress(address string) error {
	if address == "" {
		return errors.NewValidationError("listen address cannot be empty", nil)
	}

	_, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return errors.NewValidationError("invalid listen address format: "+address, err)
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return errors.NewValidationError("invalid port in address: "+address, err)
	}
	if port <= 0 || port > 65535 {
		return errors.NewValidationError("port must be between 1 and 65535", nil).WithContext("address", address)
	}

	return nil
}

// ValidateTimeout rejects negative durations. Zero means "use the default".
func ValidateTimeout(timeout time.Duration, name string) error {
	if timeout < 0 {
		return errors.NewValidationError(name+" cannot be negative", nil)
	}
	return nil
}

func isValidNameChar(char rune) bool {
	return (char >= 'a' && char <= 'z') ||
		(char >= 'A' && char <= 'Z') ||
		(char >= '0' && char <= '9') ||
		char == '-' || char == '_' || char == '.'
}
