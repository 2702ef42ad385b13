package trainer

import "time"

const (
	DefaultReconnectBase        = 1 * time.Second
	DefaultReconnectMax         = 30 * time.Second
	DefaultMaxReconnectAttempts = 5
)

// CalculateBackoffDelay returns min(1000*2^attempt, 30000) ms.
func CalculateBackoffDelay(attempt int) time.Duration {
	return DefaultReconnectPolicy().Delay(attempt)
}

// ReconnectPolicy bounds automatic reconnection after an unexpected drop.
type ReconnectPolicy struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int
}

// DefaultReconnectPolicy is 5 attempts starting at 1s, doubling, capped at 30s.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		Base:        DefaultReconnectBase,
		Max:         DefaultReconnectMax,
		MaxAttempts: DefaultMaxReconnectAttempts,
	}
}

// Delay returns the wait before the given zero-based attempt.
func (p ReconnectPolicy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := p.Base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= p.Max {
			return p.Max
		}
	}
	if d > p.Max {
		return p.Max
	}
	return d
}
