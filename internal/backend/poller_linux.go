//go:build linux

package backend

import (
	"errors"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

const nativeKind = KindEpoll

// maxEvents caps how many readiness events one wait returns.
const maxEvents = 128

func newNative(cfg Config) (Backend, error) {
	return newNativeBackend(KindEpoll, cfg, newEpollPoller)
}

type epollPoller struct {
	fd     int
	events []unix.EpollEvent
}

func newEpollPoller() (poller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, os.NewSyscallError("epoll_create1", err)
	}
	return &epollPoller{
		fd:     fd,
		events: make([]unix.EpollEvent, maxEvents),
	}, nil
}

// add registers interest in peer shutdown only. Level-triggered RDHUP fires
// once the peer closes; the loop removes the descriptor on the first event.
func (p *epollPoller) add(fd int) error {
	ev := unix.EpollEvent{
		Events: unix.EPOLLRDHUP,
		Fd:     int32(fd),
	}
	return os.NewSyscallError("epoll_ctl", unix.EpollCtl(p.fd, unix.EPOLL_CTL_ADD, fd, &ev))
}

func (p *epollPoller) remove(fd int) error {
	// Kernels before 2.6.9 require a non-nil event for EPOLL_CTL_DEL.
	var ev unix.EpollEvent
	return os.NewSyscallError("epoll_ctl", unix.EpollCtl(p.fd, unix.EPOLL_CTL_DEL, fd, &ev))
}

func (p *epollPoller) wait(timeout time.Duration, hungup []int) ([]int, error) {
	n, err := unix.EpollWait(p.fd, p.events, int(timeout.Milliseconds()))
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return hungup, nil
		}
		return hungup, os.NewSyscallError("epoll_wait", err)
	}

	for i := 0; i < n; i++ {
		ev := p.events[i]
		if ev.Events&(unix.EPOLLRDHUP|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
			hungup = append(hungup, int(ev.Fd))
		}
	}
	return hungup, nil
}

func (p *epollPoller) close() error {
	return os.NewSyscallError("close", unix.Close(p.fd))
}
