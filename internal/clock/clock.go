package clock

import "time"

// Clock abstracts wall time so pipeline scheduling is testable.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func NewRealClock() Clock { return realClock{} }

func (realClock) Now() time.Time { return time.Now().UTC() }
