package vault

import "time"

// Policy bounds how long an unlocked key stays in memory.
type Policy struct {
	LockTimeout time.Duration `yaml:"ttl"`
}

const maxLockTimeout = 24 * time.Hour

func DefaultPolicy() Policy {
	return Policy{LockTimeout: 5 * time.Minute}
}

func (p Policy) normalized() Policy {
	if p.LockTimeout <= 0 {
		p.LockTimeout = DefaultPolicy().LockTimeout
	}
	if p.LockTimeout > maxLockTimeout {
		p.LockTimeout = maxLockTimeout
	}
	return p
}
