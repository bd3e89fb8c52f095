//go:build !windows

package scheduler

import (
	"time"

	"golang.org/x/sys/unix"
)

// unixPoll blocks until one of fds is readable or timeout elapses
// (negative timeout means wait forever), returning the subset that
// became ready. It backs Scheduler.waitFn on every unix-like platform,
// the same role listen_unix.go's syscall plumbing plays for Caddy's
// network listeners.
func unixPoll(fds []int, timeout time.Duration) ([]int, error) {
	if len(fds) == 0 {
		if timeout < 0 {
			timeout = 365 * 24 * time.Hour
		}
		time.Sleep(timeout)
		return nil, nil
	}

	pfds := make([]unix.PollFd, len(fds))
	for i, fd := range fds {
		pfds[i] = unix.PollFd{Fd: int32(fd), Events: unix.POLLIN}
	}

	ms := -1
	if timeout >= 0 {
		ms = int(timeout.Milliseconds())
	}

	for {
		n, err := unix.Poll(pfds, ms)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, nil
		}
		ready := make([]int, 0, n)
		for _, pfd := range pfds {
			if pfd.Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0 {
				ready = append(ready, int(pfd.Fd))
			}
		}
		return ready, nil
	}
}

func init() {
	platformWait = unixPoll
}
