//go:build linux || darwin

package loop

import "golang.org/x/sys/unix"

// pollReady checks read/write readiness for every watcher with a single
// unix.Poll call.
func pollReady(watchers []*fdWatcher) map[*fdWatcher]Flags {
	if len(watchers) == 0 {
		return nil
	}
	fds := make([]unix.PollFd, len(watchers))
	for i, w := range watchers {
		var events int16
		if w.flags.has(Read) {
			events |= unix.POLLIN
		}
		if w.flags.has(Write) {
			events |= unix.POLLOUT
		}
		fds[i] = unix.PollFd{Fd: int32(w.fd), Events: events}
	}

	// A short timeout keeps this call from blocking the dispatch
	// goroutine past the next tick; Stop()/new watchers are only
	// observed between polls.
	n, err := unix.Poll(fds, 10)
	if err != nil || n == 0 {
		return nil
	}

	ready := make(map[*fdWatcher]Flags, n)
	for i, pfd := range fds {
		var got Flags
		if pfd.Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0 {
			got |= Read
		}
		if pfd.Revents&(unix.POLLOUT|unix.POLLERR) != 0 {
			got |= Write
		}
		if got != 0 {
			ready[watchers[i]] = got & watchers[i].flags
			if ready[watchers[i]] == 0 {
				// Only HUP/ERR were set for a direction the watcher
				// didn't ask about; still wake it so it can observe
				// the error on its next read/write.
				ready[watchers[i]] = watchers[i].flags
			}
		}
	}
	return ready
}
