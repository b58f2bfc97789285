// Package timeutil provides a small abstraction over the system clock so that
// time-dependent domain logic can be tested deterministically.
package timeutil

import "time"

// Provider supplies the current time. Production code uses the real clock;
// tests substitute a controllable implementation.
type Provider interface {
	Now() time.Time
}

type realProvider struct{}

func (realProvider) Now() time.Time { return time.Now() }

// Default returns a Provider backed by the system clock.
func Default() Provider { return realProvider{} }
