//go:build darwin || dragonfly || freebsd || netbsd || openbsd

package backend

import (
	"errors"
	"math"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

const nativeKind = KindKqueue

// maxEvents caps how many kevents one wait returns.
const maxEvents = 128

func newNative(cfg Config) (Backend, error) {
	return newNativeBackend(KindKqueue, cfg, newKqueuePoller)
}

type kqueuePoller struct {
	fd     int
	events []unix.Kevent_t
}

func newKqueuePoller() (poller, error) {
	fd, err := unix.Kqueue()
	if err != nil {
		return nil, os.NewSyscallError("kqueue", err)
	}
	unix.CloseOnExec(fd)
	return &kqueuePoller{
		fd:     fd,
		events: make([]unix.Kevent_t, maxEvents),
	}, nil
}

// lowWater is far above any socket buffer, so the read filter fires on EOF
// and not for ordinary inbound data. Darwin clamps it to the receive
// buffer's high-water mark, so there a full buffer also wakes the loop.
const lowWater = math.MaxInt32

// add registers a level-triggered read filter with a low-water mark no read
// can reach. The filter then fires only once the peer shuts down.
func (p *kqueuePoller) add(fd int) error {
	var ev unix.Kevent_t
	unix.SetKevent(&ev, fd, unix.EVFILT_READ, unix.EV_ADD)
	ev.Fflags = unix.NOTE_LOWAT
	ev.Data = lowWater
	return p.change(ev)
}

func (p *kqueuePoller) remove(fd int) error {
	var ev unix.Kevent_t
	unix.SetKevent(&ev, fd, unix.EVFILT_READ, unix.EV_DELETE)
	return p.change(ev)
}

func (p *kqueuePoller) change(ev unix.Kevent_t) error {
	_, err := unix.Kevent(p.fd, []unix.Kevent_t{ev}, nil, nil)
	return os.NewSyscallError("kevent", err)
}

func (p *kqueuePoller) wait(timeout time.Duration, hungup []int) ([]int, error) {
	ts := unix.NsecToTimespec(timeout.Nanoseconds())
	n, err := unix.Kevent(p.fd, nil, p.events, &ts)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return hungup, nil
		}
		return hungup, os.NewSyscallError("kevent", err)
	}

	for i := 0; i < n; i++ {
		ev := p.events[i]
		if ev.Flags&unix.EV_EOF != 0 {
			hungup = append(hungup, int(ev.Ident))
		}
	}
	return hungup, nil
}

func (p *kqueuePoller) close() error {
	return os.NewSyscallError("close", unix.Close(p.fd))
}
