package pool

import (
	"fmt"
	"os"
	"time"
)

// Default lifecycle timeouts.
const (
	DefaultSpawnTimeout    = 10 * time.Second
	DefaultShutdownTimeout = 3 * time.Second

	// exitGrace is how long a worker whose channel closed is given to exit on
	// its own before it is killed, so its real exit status can be reported.
	exitGrace = time.Second

	// waitDelay bounds how long reaping waits for a dead worker's output
	// streams to close.
	waitDelay = 2 * time.Second
)

// Config describes how worker processes are started.
type Config struct {
	// Path is the binary to execute. Empty means the current executable.
	Path string
	// Args are passed to the binary.
	Args []string
	// Env is appended to the controller's environment.
	Env []string
	// SpawnTimeout bounds the wait for a new worker's ready message.
	SpawnTimeout time.Duration
	// ShutdownTimeout bounds a graceful retire before the worker is killed.
	ShutdownTimeout time.Duration
}

// withDefaults fills unset fields.
func (c Config) withDefaults() (Config, error) {
	if c.Path == "" {
		exe, err := os.Executable()
		if err != nil {
			return c, fmt.Errorf("resolve worker executable: %w", err)
		}
		c.Path = exe
	}
	if c.SpawnTimeout <= 0 {
		c.SpawnTimeout = DefaultSpawnTimeout
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	return c, nil
}
