package types

import "time"

// Sleeper abstracts time.Sleep so polling loops can be driven by tests
type Sleeper interface {
	Sleep(d time.Duration)
}

type RealSleeper struct{}

func (RealSleeper) Sleep(d time.Duration) {
	time.Sleep(d)
}
