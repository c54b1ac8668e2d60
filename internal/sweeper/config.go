package sweeper

import "time"

const (
	defaultRunInterval = 24 * time.Hour
	defaultRunTimeout  = 5 * time.Minute
	defaultLockTTL     = 10 * time.Minute
)

// Config controls the expiration sweep loop.
type Config struct {
	// RunInterval is how often the sweep runs.
	RunInterval time.Duration

	// RunTimeout bounds a single sweep run.
	RunTimeout time.Duration

	// LockTTL is how long the leader lock is held when Redis is configured.
	LockTTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.RunInterval <= 0 {
		c.RunInterval = defaultRunInterval
	}
	if c.RunTimeout <= 0 {
		c.RunTimeout = defaultRunTimeout
	}
	if c.LockTTL <= 0 {
		c.LockTTL = defaultLockTTL
	}
	return c
}
