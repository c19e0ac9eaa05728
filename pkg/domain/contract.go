package domain

import (
	"context"
	"time"
)

// Fetcher obtains a server executable before its first spawn. updated is
// false when the cached copy at destPath is younger than ttl.
type Fetcher interface {
	Fetch(ctx context.Context, url string, destPath string, ttl time.Duration) (path string, updated bool, err error)
}

// Provisioner guarantees a process's working directory and config files
// exist before it is created.
type Provisioner interface {
	Ensure(ctx context.Context, workingDirectory string) error
}
