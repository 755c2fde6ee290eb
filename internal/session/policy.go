package session

import "time"

// ReconnectPolicy controls re-initialization after a disconnect. The
// zero value retries immediately and forever.
type ReconnectPolicy struct {
	// InitialDelay is the wait before the first attempt. Zero means
	// no delay.
	InitialDelay time.Duration

	// MaxDelay caps delay growth. Zero means uncapped.
	MaxDelay time.Duration

	// Multiplier scales the delay after each failed attempt. Values
	// below 1 keep the delay constant.
	Multiplier float64

	// MaxAttempts stops reconnecting after this many failures. Zero
	// means never give up.
	MaxAttempts int
}

// Delay returns the wait before the given 1-based attempt.
func (p ReconnectPolicy) Delay(attempt int) time.Duration {
	if p.InitialDelay <= 0 || attempt < 1 {
		return 0
	}

	d := p.InitialDelay
	for i := 1; i < attempt && p.Multiplier > 1; i++ {
		d = time.Duration(float64(d) * p.Multiplier)
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Exhausted reports whether attempt exceeds MaxAttempts.
func (p ReconnectPolicy) Exhausted(attempt int) bool {
	return p.MaxAttempts > 0 && attempt > p.MaxAttempts
}
