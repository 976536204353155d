package mux

import (
	"context"
	"net"
	"net/url"
	"testing"
	"time"

	"dqx0.com/go/httpio/internal/handle"
	"dqx0.com/go/httpio/internal/loop"
)

// fetchSink collects whatever the Multiplexer's Handle delivers, enough
// to assert on the body a Fetch resolved.
type fetchSink struct {
	data   []byte
	closed chan struct{}
}

func newFetchSink() *fetchSink { return &fetchSink{closed: make(chan struct{})} }

func (s *fetchSink) ReceivedData(chunk []byte) bool {
	s.data = append(s.data, chunk...)
	return true
}
func (s *fetchSink) CloseStatus(int)     { close(s.closed) }
func (s *fetchSink) CloseError(error)    { close(s.closed) }
func (s *fetchSink) AwaitResume(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func serveOnce(t *testing.T, ln net.Listener, response string) {
	t.Helper()
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		buf := make([]byte, 4096)
		var seen []byte
		for {
			n, err := c.Read(buf)
			seen = append(seen, buf[:n]...)
			if err != nil || len(seen) >= 4 && containsDoubleCRLF(seen) {
				break
			}
		}
		c.Write([]byte(response))
	}()
}

func containsDoubleCRLF(b []byte) bool {
	for i := 0; i+3 < len(b); i++ {
		if b[i] == '\r' && b[i+1] == '\n' && b[i+2] == '\r' && b[i+3] == '\n' {
			return true
		}
	}
	return false
}

func TestMultiplexer_FetchResolvesHeadersAndBody(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	serveOnce(t, ln, "HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nhowdy")

	l := loop.New()
	defer l.Stop()
	m := New(Config{Loop: l})

	u, _ := url.Parse("http://" + ln.Addr().String() + "/")
	sink := newFetchSink()
	op := m.Fetch(context.Background(), FetchRequest{
		Method:     "GET",
		URL:        u,
		RequestURI: "/",
		NewBody:    func() handle.BodySink { return sink },
	})

	res, err := op.Await(context.Background())
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if res.StatusCode != 200 {
		t.Fatalf("status=%d", res.StatusCode)
	}

	select {
	case <-sink.closed:
	case <-time.After(time.Second):
		t.Fatal("body never closed")
	}
	if string(sink.data) != "howdy" {
		t.Fatalf("body=%q", sink.data)
	}
}

func TestMultiplexer_FetchDialFailureResolvesWithError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close() // nothing listening once Fetch dials

	l := loop.New()
	defer l.Stop()
	m := New(Config{Loop: l, DialTimeout: time.Second})

	u, _ := url.Parse("http://" + addr + "/")
	op := m.Fetch(context.Background(), FetchRequest{
		Method:     "GET",
		URL:        u,
		RequestURI: "/",
		NewBody:    func() handle.BodySink { return newFetchSink() },
	})

	if _, err := op.Await(context.Background()); err == nil {
		t.Fatal("expected a dial error, got none")
	}
}
