package trackerserver

import "time"

// Config configures a Server.
type Config struct {
	// Addr is the address to listen on, e.g. ":6969".
	Addr string `yaml:"addr"`

	// IdleTimeout bounds how long a connection may sit without sending a
	// request before the handler closes it.
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// AcceptPollInterval bounds how long Accept blocks before re-checking
	// for shutdown, allowing cooperative cancellation via context.
	AcceptPollInterval time.Duration `yaml:"accept_poll_interval"`
}

func (c *Config) applyDefaults() {
	if c.Addr == "" {
		c.Addr = ":6969"
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 30 * time.Second
	}
	if c.AcceptPollInterval == 0 {
		c.AcceptPollInterval = 3 * time.Second
	}
}
