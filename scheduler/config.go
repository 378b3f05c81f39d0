// Package scheduler implements the downloading-side piece scheduler: a
// priority work queue, a pool of per-peer workers, adaptive peer scoring,
// and reassignment on peer loss.
package scheduler

import (
	"time"

	"github.com/shardhash/torrentd/scheduler/bandwidth"
)

// Config tunes the scheduler's timeouts and retry behavior.
type Config struct {
	// Bandwidth bounds how fast incoming piece content is accepted,
	// independent of how many peer connections are open.
	Bandwidth bandwidth.Config `yaml:"bandwidth"`

	// MaxRetries bounds how many times a single piece is requeued before
	// it is abandoned.
	MaxRetries int `yaml:"max_retries"`

	// SocketTimeout bounds the handshake send/recv on a newly dialed peer
	// connection. A request_piece round trip is bounded by PieceTimeout.
	SocketTimeout time.Duration `yaml:"socket_timeout"`

	// PieceTimeout bounds an entire request_piece round trip, including
	// the chunked response.
	PieceTimeout time.Duration `yaml:"piece_timeout"`

	// AckTimeout mirrors peerserver.Config.AckTimeout. The scheduler does
	// not read it: a worker writes its ACK and does not wait for anything
	// in return.
	AckTimeout time.Duration `yaml:"ack_timeout"`

	// ReconnectTimeout bounds the total time spent retrying a dead
	// connection before the peer is evicted.
	ReconnectTimeout time.Duration `yaml:"reconnect_timeout"`

	// ReconnectInterval is the fixed backoff between reconnect attempts.
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`

	// QueuePollInterval bounds how long a worker blocks waiting for the
	// queue to become non-empty before re-checking for shutdown.
	QueuePollInterval time.Duration `yaml:"queue_poll_interval"`

	// YieldInterval is the pause a worker takes before retrying a
	// dequeue whose peer is sticky-assigned to a different worker.
	YieldInterval time.Duration `yaml:"yield_interval"`
}

func (c Config) applyDefaults() Config {
	if c.MaxRetries == 0 {
		c.MaxRetries = 5
	}
	if c.SocketTimeout == 0 {
		c.SocketTimeout = 5 * time.Second
	}
	if c.PieceTimeout == 0 {
		c.PieceTimeout = 10 * time.Second
	}
	if c.AckTimeout == 0 {
		c.AckTimeout = 5 * time.Second
	}
	if c.ReconnectTimeout == 0 {
		c.ReconnectTimeout = 6 * time.Second
	}
	if c.ReconnectInterval == 0 {
		c.ReconnectInterval = time.Second
	}
	if c.QueuePollInterval == 0 {
		c.QueuePollInterval = 500 * time.Millisecond
	}
	if c.YieldInterval == 0 {
		c.YieldInterval = 10 * time.Millisecond
	}
	return c
}
