// Package gaps compares expected weekly coverage against observed coverage
// per AOI and enqueues a bounded set of healing jobs for the difference. It
// reads the coverage markers the processing handlers write and feeds back
// into the same idempotent enqueue path as everything else, so sweeps are
// safe to repeat or run concurrently.
package gaps

import (
	"time"

	"github.com/croplens/croplens/internal/jobs"
)

// expectedWeeks lists the ISO weeks covering [now - windowWeeks*7d, now],
// ascending. Stepping in 7-day increments lands on every ISO week exactly
// once, including across year boundaries and 53-week years.
func expectedWeeks(now time.Time, windowWeeks int) []jobs.Week {
	now = now.UTC()
	out := make([]jobs.Week, 0, windowWeeks+1)
	seen := map[jobs.Week]bool{}
	for i := windowWeeks; i >= 0; i-- {
		w := jobs.WeekOf(now.AddDate(0, 0, -7*i))
		if !seen[w] {
			seen[w] = true
			out = append(out, w)
		}
	}
	return out
}
