package engine

import "time"

// Clock supplies the current time. Tests substitute a fixed clock so
// transaction timestamps are deterministic.
type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }
