package util

import "time"

// FromUnixAuto interprets ts as milliseconds when it is too large to be seconds.
func FromUnixAuto(ts int64) time.Time {
	if ts > 1e11 {
		return time.UnixMilli(ts).UTC()
	}
	return time.Unix(ts, 0).UTC()
}
