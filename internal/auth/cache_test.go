package auth

import (
	"sync"
	"testing"
	"time"
)

// fakeClock is a settable time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 10, 20, 8, 30, 0, 0, time.UTC)}
}

func TestTokenCache_EmptyIsInvalid(t *testing.T) {
	c := NewTokenCache()
	if c.Valid(time.Now()) {
		t.Error("empty cache reports valid")
	}
	if _, ok := c.Token(); ok {
		t.Error("Token() on empty cache returned ok")
	}
	if !c.ExpiresAt().IsZero() {
		t.Errorf("ExpiresAt() = %v, want zero", c.ExpiresAt())
	}
}

func TestTokenCache_ValidUntilExpiry(t *testing.T) {
	clk := newClock()
	c := newTokenCacheAt(clk.Now)
	c.Set("T1", time.Hour)

	start := clk.Now()
	tests := []struct {
		name string
		at   time.Time
		want bool
	}{
		{"at set", start, true},
		{"one second before expiry", start.Add(time.Hour - time.Second), true},
		{"exactly at expiry", start.Add(time.Hour), false},
		{"after expiry", start.Add(2 * time.Hour), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := c.Valid(tt.at); got != tt.want {
				t.Errorf("Valid(%v) = %v, want %v", tt.at, got, tt.want)
			}
		})
	}
}

func TestTokenCache_TokenFollowsClock(t *testing.T) {
	clk := newClock()
	c := newTokenCacheAt(clk.Now)
	c.Set("T1", time.Minute)

	tok, ok := c.Token()
	if !ok {
		t.Fatal("Token() not ok right after Set")
	}
	if tok.AccessToken != "T1" {
		t.Errorf("AccessToken = %q, want T1", tok.AccessToken)
	}
	if tok.Type() != "Bearer" {
		t.Errorf("Type() = %q, want Bearer", tok.Type())
	}

	clk.Advance(time.Minute)
	if _, ok := c.Token(); ok {
		t.Error("Token() still ok after expiry")
	}
	if got := c.ExpiresAt(); !got.Equal(clk.Now()) {
		t.Errorf("ExpiresAt() = %v, want %v", got, clk.Now())
	}
}

func TestTokenCache_TokenReturnsCopy(t *testing.T) {
	c := NewTokenCache()
	c.Set("T1", time.Hour)

	tok, _ := c.Token()
	tok.AccessToken = "mutated"

	again, _ := c.Token()
	if again.AccessToken != "T1" {
		t.Errorf("cache was mutated through returned token: %q", again.AccessToken)
	}
}

func TestTokenCache_SetRejectsDeadCredential(t *testing.T) {
	tests := []struct {
		name   string
		access string
		ttl    time.Duration
	}{
		{"zero ttl", "T1", 0},
		{"negative ttl", "T1", -time.Minute},
		{"empty token", "", time.Hour},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewTokenCache()
			c.Set("T0", time.Hour)
			c.Set(tt.access, tt.ttl)
			if c.Valid(time.Now()) {
				t.Error("cache valid after Set with a dead credential")
			}
		})
	}
}

func TestTokenCache_LastSetWins(t *testing.T) {
	c := NewTokenCache()
	c.Set("T1", time.Hour)
	c.Set("T2", time.Hour)
	tok, ok := c.Token()
	if !ok || tok.AccessToken != "T2" {
		t.Errorf("Token() = %v, %v; want T2", tok, ok)
	}
}

func TestTokenCache_Clear(t *testing.T) {
	c := NewTokenCache()
	c.Set("T1", time.Hour)
	c.Clear()
	if c.Valid(time.Now()) {
		t.Error("cache valid after Clear")
	}
}

func TestTokenCache_ConcurrentAccess(t *testing.T) {
	c := NewTokenCache()
	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			switch i % 3 {
			case 0:
				c.Set("T", time.Hour)
			case 1:
				c.Token()
			default:
				c.Clear()
			}
		}()
	}
	wg.Wait()
}
