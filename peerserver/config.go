package peerserver

import "time"

// Config configures a Server.
type Config struct {
	// Addr is the address to listen on, e.g. ":6881".
	Addr string `yaml:"addr"`

	// AckTimeout bounds how long the server waits for the leecher's ACK
	// after sending a piece.
	AckTimeout time.Duration `yaml:"ack_timeout"`

	// AcceptPollInterval bounds how long Accept blocks before re-checking
	// for shutdown, allowing cooperative cancellation via context.
	AcceptPollInterval time.Duration `yaml:"accept_poll_interval"`
}

func (c *Config) applyDefaults() {
	if c.Addr == "" {
		c.Addr = ":6881"
	}
	if c.AckTimeout == 0 {
		c.AckTimeout = 5 * time.Second
	}
	if c.AcceptPollInterval == 0 {
		c.AcceptPollInterval = 3 * time.Second
	}
}
