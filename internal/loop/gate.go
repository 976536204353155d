package loop

import (
	"context"
	"net"
	"syscall"
)

// Gate wraps a net.Conn so that each Read/Write first waits on the
// loop's fd readiness polling instead of blocking the calling goroutine
// directly inside the kernel. This is what makes internal/loop the
// actual event adapter connection I/O runs through, rather than a
// side-channel for posted callbacks only.
//
// A connection that doesn't expose its underlying file descriptor
// (*tls.Conn implements net.Conn but not syscall.Conn) can't be gated;
// Gate falls back to plain blocking Read/Write for it, so wrapping a
// TLS connection is always safe, just not fd-watched.
type Gate struct {
	net.Conn
	ctx  context.Context
	loop *Loop
	fd   int
	ok   bool
}

// NewGate wraps c for use on ctx. l may be nil, in which case Gate
// degrades to an unwrapped passthrough (used by callers that construct
// a Gate unconditionally and rely on this fallback instead of branching
// themselves).
func NewGate(ctx context.Context, l *Loop, c net.Conn) *Gate {
	g := &Gate{Conn: c, ctx: ctx, loop: l}
	if l == nil {
		return g
	}
	if fd, ok := rawFD(c); ok {
		g.fd, g.ok = fd, true
	}
	return g
}

func (g *Gate) Read(p []byte) (int, error) {
	if g.ok {
		if err := g.await(Read); err != nil {
			return 0, err
		}
	}
	return g.Conn.Read(p)
}

func (g *Gate) Write(p []byte) (int, error) {
	if g.ok {
		if err := g.await(Write); err != nil {
			return 0, err
		}
	}
	return g.Conn.Write(p)
}

// await blocks until fd reports flags readiness or ctx is done,
// registering and deregistering an FdEvent for the wait's duration —
// the watcher never outlives a single Read or Write call.
func (g *Gate) await(flags Flags) error {
	woken := make(chan struct{}, 1)
	ev := g.loop.NewFdEvent(g.fd, flags, func(Flags) {
		select {
		case woken <- struct{}{}:
		default:
		}
	})
	ev.Add()
	defer ev.Remove()
	select {
	case <-woken:
		return nil
	case <-g.ctx.Done():
		return g.ctx.Err()
	}
}

// rawFD extracts the underlying file descriptor from c, if c exposes
// one through syscall.Conn (as *net.TCPConn and *net.UnixConn do).
func rawFD(c net.Conn) (int, bool) {
	sc, ok := c.(syscall.Conn)
	if !ok {
		return 0, false
	}
	rc, err := sc.SyscallConn()
	if err != nil {
		return 0, false
	}
	var fd int
	if ctrlErr := rc.Control(func(f uintptr) { fd = int(f) }); ctrlErr != nil {
		return 0, false
	}
	return fd, true
}
