package access

import "time"

// rateWindow counts attempts in fixed buckets of width aligned to the epoch.
// A new bucket starts from zero.
type rateWindow struct {
	width  time.Duration
	limit  int
	bucket int64
	count  int
}

func newRateWindow(width time.Duration, limit int) *rateWindow {
	return &rateWindow{width: width, limit: limit, bucket: -1}
}

func (w *rateWindow) bucketOf(now time.Time) int64 {
	return now.UnixNano() / int64(w.width)
}

// record counts one attempt and reports whether it is within the limit.
// Denied attempts still count.
func (w *rateWindow) record(now time.Time) bool {
	if b := w.bucketOf(now); b != w.bucket {
		w.bucket = b
		w.count = 0
	}
	w.count++
	return w.count <= w.limit
}

// usage returns attempts so far in the current bucket and when it resets.
func (w *rateWindow) usage(now time.Time) (used int, resetAt time.Time) {
	b := w.bucketOf(now)
	if b == w.bucket {
		used = w.count
	}
	return used, time.Unix(0, (b+1)*int64(w.width))
}
