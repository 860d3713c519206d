package server

import (
	"time"

	"github.com/rs/zerolog"
)

type Config struct {
	// UnlockPerMinute and UnlockBurst bound /vault/unlock per client IP and
	// per user id.
	UnlockPerMinute int
	UnlockBurst     int
	// MaxFailures locks a user out of /vault/unlock after that many
	// consecutive wrong secrets, until LockoutWindow passes.
	MaxFailures   int
	LockoutWindow time.Duration
	MaxBodyBytes  int64
	// TrustProxy keys the IP limiter on X-Forwarded-For. Set it only when
	// consentd sits behind a proxy that overwrites the header.
	TrustProxy bool
	Logger     zerolog.Logger
}

func (c *Config) setDefaults() {
	if c.UnlockPerMinute <= 0 {
		c.UnlockPerMinute = 10
	}
	if c.UnlockBurst <= 0 {
		c.UnlockBurst = 5
	}
	if c.MaxFailures <= 0 {
		c.MaxFailures = 10
	}
	if c.LockoutWindow <= 0 {
		c.LockoutWindow = 15 * time.Minute
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 64 << 10
	}
}
