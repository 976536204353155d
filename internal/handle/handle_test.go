package handle

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
)

// testSink is a minimal BodySink: every chunk is appended in arrival
// order and ReceivedData never refuses, so AwaitResume (a short sleep)
// is never actually waited on by these tests.
type testSink struct {
	chunks  [][]byte
	closed  chan struct{}
	status  int
	closeEr error
}

func newTestSink() *testSink {
	return &testSink{closed: make(chan struct{})}
}

func (s *testSink) ReceivedData(chunk []byte) bool {
	s.chunks = append(s.chunks, append([]byte(nil), chunk...))
	return true
}
func (s *testSink) CloseStatus(status int) { s.status = status; close(s.closed) }
func (s *testSink) CloseError(err error)   { s.closeEr = err; close(s.closed) }
func (s *testSink) AwaitResume(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(time.Millisecond):
		return nil
	}
}

func (s *testSink) bytes() []byte {
	var out []byte
	for _, c := range s.chunks {
		out = append(out, c...)
	}
	return out
}

func TestDo_FixedLengthResponse(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		drainRequestLine(server)
		server.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok"))
	}()

	sink := newTestSink()
	onDoneCalled := make(chan error, 1)
	res, err := Do(context.Background(), Config{
		Conn:       client,
		Method:     "GET",
		RequestURI: "/",
		NewBody:    func() BodySink { return sink },
		OnDone:     func(err error) { onDoneCalled <- err },
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if res.StatusCode != 200 {
		t.Fatalf("status=%d", res.StatusCode)
	}
	if res.ContentLength != 2 {
		t.Fatalf("content length=%d", res.ContentLength)
	}

	select {
	case <-sink.closed:
	case <-time.After(time.Second):
		t.Fatal("body never closed")
	}
	if string(sink.bytes()) != "ok" {
		t.Fatalf("body=%q", sink.bytes())
	}
	if sink.status != 0 {
		t.Fatalf("unexpected transfer status %d", sink.status)
	}

	select {
	case err := <-onDoneCalled:
		if err != nil {
			t.Fatalf("OnDone err=%v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("OnDone never called")
	}
}

func TestDo_GzipResponseDecodedTransparently(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	var compressed bytes.Buffer
	zw := gzip.NewWriter(&compressed)
	zw.Write([]byte("hello gzip world"))
	zw.Close()

	go func() {
		drainRequestLine(server)
		server.Write([]byte("HTTP/1.1 200 OK\r\nContent-Encoding: gzip\r\nContent-Length: "))
		server.Write([]byte(strconv.Itoa(compressed.Len())))
		server.Write([]byte("\r\n\r\n"))
		server.Write(compressed.Bytes())
	}()

	sink := newTestSink()
	res, err := Do(context.Background(), Config{
		Conn:       client,
		Method:     "GET",
		RequestURI: "/",
		NewBody:    func() BodySink { return sink },
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if res.ContentLength != -1 {
		t.Fatalf("expected Content-Length to be reported unknown after decompression, got %d", res.ContentLength)
	}

	select {
	case <-sink.closed:
	case <-time.After(time.Second):
		t.Fatal("body never closed")
	}
	if string(sink.bytes()) != "hello gzip world" {
		t.Fatalf("decoded body=%q", sink.bytes())
	}
}

// erroringSource yields one chunk, then fails on the very next call —
// the "error mid-upload" scenario.
type erroringSource struct {
	calls int
	err   error
}

func (s *erroringSource) Next(ctx context.Context) ([]byte, error) {
	s.calls++
	if s.calls == 1 {
		return []byte("hello"), nil
	}
	return nil, s.err
}

func TestPumpChunkedUpload_ErrorMidBody(t *testing.T) {
	var buf bytes.Buffer
	bw := bufio.NewWriter(&buf)
	wantErr := errors.New("upload boom")
	src := &erroringSource{err: wantErr}

	err := pumpChunkedUpload(context.Background(), bw, src)
	if !errors.Is(err, wantErr) {
		t.Fatalf("err=%v, want %v", err, wantErr)
	}
	bw.Flush()
	if !bytes.Contains(buf.Bytes(), []byte("hello")) {
		t.Fatalf("expected the first chunk to have already been written before the failure, got %q", buf.Bytes())
	}
	if bytes.Contains(buf.Bytes(), []byte("0\r\n\r\n")) {
		t.Fatal("chunked terminator must not be written when the upload ends in error")
	}
}

// pacedSink is a BodySink that mimics httpio.Body's single-chunk
// back-pressure exactly, but exposes consumeOne so a test can pull
// chunks off it one at a time under its own control instead of an
// auto-draining reader.
type pacedSink struct {
	mu       sync.Mutex
	buffered int
	chunks   [][]byte

	resume chan struct{}
	closed chan struct{}
}

func newPacedSink() *pacedSink {
	return &pacedSink{resume: make(chan struct{}, 1), closed: make(chan struct{})}
}

func (s *pacedSink) ReceivedData(chunk []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.buffered > 0 {
		return false
	}
	s.chunks = append(s.chunks, append([]byte(nil), chunk...))
	s.buffered += len(chunk)
	return true
}

func (s *pacedSink) BufferedBytes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buffered
}

func (s *pacedSink) consumeOne() ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.chunks) == 0 {
		return nil, false
	}
	c := s.chunks[0]
	s.chunks = s.chunks[1:]
	s.buffered -= len(c)
	return c, true
}

func (s *pacedSink) Resume() {
	select {
	case s.resume <- struct{}{}:
	default:
	}
}

func (s *pacedSink) AwaitResume(ctx context.Context) error {
	select {
	case <-s.resume:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *pacedSink) CloseStatus(int)  { close(s.closed) }
func (s *pacedSink) CloseError(error) { close(s.closed) }

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition never became true")
}

// TestPumpBody_LiveBackpressureNeverExceedsOneChunk is the literal "4
// chunks of 16 bytes, consumer stalls after one, BufferedBytes never
// exceeds one chunk" scenario, driven through a live Do/pumpBody pair
// rather than a sink exercised in isolation.
func TestPumpBody_LiveBackpressureNeverExceedsOneChunk(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	const chunkSize = 16
	chunks := make([][]byte, 4)
	for i := range chunks {
		c := make([]byte, chunkSize)
		for j := range c {
			c[j] = byte('A' + i)
		}
		chunks[i] = c
	}

	go func() {
		drainRequestLine(server)
		server.Write([]byte("HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n"))
		for _, c := range chunks {
			server.Write([]byte(strconv.FormatInt(int64(len(c)), 16) + "\r\n"))
			server.Write(c)
			server.Write([]byte("\r\n"))
		}
		server.Write([]byte("0\r\n\r\n"))
	}()

	sink := newPacedSink()
	res, err := Do(context.Background(), Config{
		Conn:       client,
		Method:     "GET",
		RequestURI: "/",
		NewBody:    func() BodySink { return sink },
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if res.ContentLength != -1 {
		t.Fatalf("expected chunked framing to report ContentLength -1, got %d", res.ContentLength)
	}

	var drained [][]byte
	for range chunks {
		waitUntil(t, time.Second, func() bool { return sink.BufferedBytes() > 0 })
		if b := sink.BufferedBytes(); b > chunkSize {
			t.Fatalf("BufferedBytes = %d, want at most one chunk (%d)", b, chunkSize)
		}
		c, ok := sink.consumeOne()
		if !ok {
			t.Fatal("expected a chunk to be available after BufferedBytes reported one")
		}
		drained = append(drained, c)
		if b := sink.BufferedBytes(); b != 0 {
			t.Fatalf("BufferedBytes = %d after draining the only buffered chunk, want 0", b)
		}
		sink.Resume()
	}

	select {
	case <-sink.closed:
	case <-time.After(time.Second):
		t.Fatal("body never closed after the last chunk")
	}

	if len(drained) != len(chunks) {
		t.Fatalf("drained %d chunks, want %d", len(drained), len(chunks))
	}
	for i, c := range drained {
		if !bytes.Equal(c, chunks[i]) {
			t.Fatalf("chunk %d = %q, want %q", i, c, chunks[i])
		}
	}
}

// drainRequestLine reads and discards bytes up to the blank line ending a
// request's header block, just enough for these tests' fixed GET requests
// with no body.
func drainRequestLine(c net.Conn) {
	buf := make([]byte, 4096)
	var seen []byte
	for {
		n, err := c.Read(buf)
		if n > 0 {
			seen = append(seen, buf[:n]...)
		}
		if err != nil {
			return
		}
		if bytes.Contains(seen, []byte("\r\n\r\n")) {
			return
		}
	}
}
