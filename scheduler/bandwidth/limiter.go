// Package bandwidth throttles how fast the scheduler accepts piece content
// off the wire, independent of how many peer connections are open.
package bandwidth

import (
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Config defines Limiter configuration.
type Config struct {
	IngressBitsPerSec uint64 `yaml:"ingress_bits_per_sec"`

	// TokenSize defines the granularity of a token in the bucket, avoiding
	// integer overflow from mapping every bit to one token.
	TokenSize uint64 `yaml:"token_size"`

	Disable bool `yaml:"disable"`
}

func (c Config) applyDefaults() Config {
	if c.IngressBitsPerSec == 0 {
		c.IngressBitsPerSec = 600 * 1000 * 1000 // 600 Mbit/s
	}
	if c.TokenSize == 0 {
		c.TokenSize = 1000 * 1000 // 1 Mbit
	}
	return c
}

// Limiter throttles ingress piece traffic via a token-bucket rate limiter.
type Limiter struct {
	config  Config
	ingress *rate.Limiter
}

// NewLimiter creates a new Limiter. log may be nil, in which case a no-op
// logger is used.
func NewLimiter(config Config, log *zap.SugaredLogger) *Limiter {
	config = config.applyDefaults()
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	if config.Disable {
		log.Warn("bandwidth limiting disabled")
	} else {
		log.Infof("limiting ingress bandwidth to %d bits/sec", config.IngressBitsPerSec)
	}

	tps := config.IngressBitsPerSec / config.TokenSize

	return &Limiter{
		config:  config,
		ingress: rate.NewLimiter(rate.Limit(tps), int(tps)),
	}
}

// ReserveIngress blocks until bandwidth for nbytes is available. Returns an
// error if nbytes exceeds the maximum burst the limiter can ever grant.
func (l *Limiter) ReserveIngress(nbytes int64) error {
	if l.config.Disable {
		return nil
	}
	tokens := int(uint64(nbytes*8) / l.config.TokenSize)
	if tokens == 0 {
		tokens = 1
	}
	r := l.ingress.ReserveN(time.Now(), tokens)
	if !r.OK() {
		return fmt.Errorf(
			"cannot reserve ingress bandwidth for %d bytes, burst limit is %d bits",
			nbytes, l.config.TokenSize*uint64(l.ingress.Burst()))
	}
	time.Sleep(r.Delay())
	return nil
}
