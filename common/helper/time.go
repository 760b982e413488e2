package helper

import "time"

// ElapsedMillis is the time since start in milliseconds. Any positive
// duration reports at least 1, a start in the future reports 0.
func ElapsedMillis(start time.Time) int64 {
	elapsed := time.Since(start)
	switch {
	case elapsed <= 0:
		return 0
	case elapsed < time.Millisecond:
		return 1
	default:
		return elapsed.Milliseconds()
	}
}
