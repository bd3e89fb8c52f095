//go:build windows

package scheduler

import "time"

// genericWait is the portable fallback used where no raw poll/epoll
// syscall is wired (Windows); it cannot actually observe descriptor
// readiness, so it just sleeps for the deadline. Platforms that need
// real socket readiness detection should use unixPoll instead.
func genericWait(fds []int, timeout time.Duration) ([]int, error) {
	if timeout < 0 {
		timeout = 365 * 24 * time.Hour
	}
	time.Sleep(timeout)
	return nil, nil
}

func init() {
	platformWait = genericWait
}
