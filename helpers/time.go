package helpers

import "time"

func IntSecondDefault(x int, def time.Duration) time.Duration {
	if x == 0 {
		return def
	}
	return time.Duration(x) * time.Second
}

func IntMillisecondDefault(x int, def time.Duration) time.Duration {
	if x == 0 {
		return def
	}
	return time.Duration(x) * time.Millisecond
}

// FloatSecond converts fractional seconds from config into Duration.
func FloatSecond(x float64) time.Duration {
	return time.Duration(x * float64(time.Second))
}
