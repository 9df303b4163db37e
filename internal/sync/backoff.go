package sync

import "time"

// failureBackoffDelay is how long a poller skips its ticks after failures
// consecutive failed refreshes: base after the first, doubling after each
// further one, never more than ceiling. The Scheduler drops ticks that fall
// inside the delay; a manual Trigger still runs. A non-positive ceiling means
// no cap.
func failureBackoffDelay(base time.Duration, failures int, ceiling time.Duration) time.Duration {
	if failures <= 0 || base <= 0 {
		return 0
	}
	delay := base
	for range failures - 1 {
		if ceiling > 0 && delay >= ceiling {
			break
		}
		delay *= 2
	}
	if ceiling > 0 {
		delay = min(delay, ceiling)
	}
	return delay
}
