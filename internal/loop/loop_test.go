package loop

import (
	"net"
	"syscall"
	"testing"
	"time"
)

func TestUserEventCoalesces(t *testing.T) {
	l := New()
	defer l.Stop()

	fired := make(chan struct{}, 16)
	ev := l.NewUserEvent(func() { fired <- struct{}{} })

	for i := 0; i < 5; i++ {
		ev.Trigger()
	}

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("user event never fired")
	}
	select {
	case <-fired:
		t.Fatal("user event fired more than once for a burst of triggers")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestTimerFiresAndCancels(t *testing.T) {
	l := New()
	defer l.Stop()

	fired := make(chan struct{}, 1)
	l.NewTimer(10*time.Millisecond, func() { fired <- struct{}{} })
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timer never fired")
	}

	fired2 := make(chan struct{}, 1)
	tm := l.NewTimer(50*time.Millisecond, func() { fired2 <- struct{}{} })
	tm.Cancel()
	select {
	case <-fired2:
		t.Fatal("cancelled timer fired")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPostRunsOnLoop(t *testing.T) {
	l := New()
	defer l.Stop()

	done := make(chan struct{})
	l.Post(func() { close(done) })
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("posted continuation never ran")
	}
}

func TestFdEventAddRemove(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	tcpLike, ok := client.(syscall.Conn)
	if !ok {
		t.Skip("net.Pipe does not expose a raw fd on this platform")
	}
	_ = tcpLike

	// net.Pipe connections are not backed by a real fd; readiness over
	// real TCP sockets is exercised through Gate in gate_test.go. Here we
	// only check Add/Remove don't panic against a loop with no watchers
	// yet.
	l := New()
	defer l.Stop()
	fe := l.NewFdEvent(0, Read, func(Flags) {})
	fe.Add()
	fe.Remove()
}
