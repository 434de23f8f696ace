package watch

import "time"

// vpos computes "virtual position" (program-relative time in
// centiseconds) for a comment posted at now, given the program's
// vposBaseTime (spec §3, §4.C, testable property 5):
//
//	vpos = round((now - vposBaseTime) / 10ms)
func vpos(now, vposBaseTime time.Time) int64 {
	deltaMs := now.Sub(vposBaseTime).Milliseconds()
	// Round-half-away-from-zero, matching spec.md's `round(...)`.
	if deltaMs >= 0 {
		return (deltaMs + 5) / 10
	}
	return -((-deltaMs + 5) / 10)
}
