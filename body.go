package httpio

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
)

// Body is a finite, single-pass stream of response-body chunks: the
// Body Stream. A Handle's connection-reading goroutine is its sole
// producer (ReceivedData/CloseStatus/CloseError); whatever goroutine
// holds the Response is its sole consumer (Next/Read/BufferedBytes).
//
// Flow control is pause-based: ReceivedData refuses a new chunk while
// one is still buffered unconsumed, and the producer must stop reading
// from the connection until Resume is called. Next (and so Read and
// Close) calls Resume each time it hands a chunk to the consumer.
type Body struct {
	chunks chan []byte  // depth 1: at most one unconsumed chunk buffered
	resume chan struct{} // depth 1: Resume() signals, producer waits on it while paused
	done   chan struct{} // closed exactly once, by closeOnce

	buffered atomic.Int64

	closeOnce  sync.Once
	closeErr   error
	transferOK bool
	transferSt int

	pending []byte // consumer-side leftover from the last chunk, for Read
}

// NewBody constructs an unclosed, empty Body. internal/handle (or a test)
// is responsible for driving ReceivedData/Close* from its connection
// goroutine.
func NewBody() *Body {
	return &Body{
		chunks: make(chan []byte, 1),
		resume: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// ReceivedData offers a chunk to the stream. It returns false ("pause
// receive") when a chunk is already buffered and unconsumed or when
// BufferedBytes reports outstanding back-pressure; the caller must stop
// reading from the connection until Resume is observed. data is never
// retained beyond this call if refused — the caller owns it until
// accepted.
func (b *Body) ReceivedData(data []byte) bool {
	if b.BufferedBytes() > 0 {
		return false
	}
	select {
	case b.chunks <- data:
		b.buffered.Add(int64(len(data)))
		return true
	default:
		return false
	}
}

// BufferedBytes is the total bytes accepted by ReceivedData but not yet
// delivered to the consumer via Next/Read.
func (b *Body) BufferedBytes() int64 { return b.buffered.Load() }

// Resume signals the producer, paused after a refused ReceivedData, that
// the consumer has drained its buffer and is ready for more. It is
// idempotent between pauses: redundant calls while not paused are
// harmless no-ops.
func (b *Body) Resume() {
	select {
	case b.resume <- struct{}{}:
	default:
	}
}

// AwaitResume blocks until Resume is called or ctx is done. It is the
// producer-side (internal/handle) counterpart of Resume, discovered
// through a narrow interface so internal/handle never needs to import
// this package.
func (b *Body) AwaitResume(ctx context.Context) error {
	select {
	case <-b.resume:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CloseStatus terminates the stream successfully once the transfer
// completes. transferStatus is an implementation-internal transport
// result code (not an HTTP status), kept only for diagnostics. Only the
// first Close call (status or error) has effect.
func (b *Body) CloseStatus(transferStatus int) {
	b.closeOnce.Do(func() {
		b.transferOK = true
		b.transferSt = transferStatus
		close(b.done)
	})
}

// CloseError terminates the stream with err. A stream closed with an
// error yields that error from every subsequent Next/Read once its
// buffered chunks are drained. Only the first Close call has effect.
func (b *Body) CloseError(err error) {
	b.closeOnce.Do(func() {
		b.closeErr = err
		close(b.done)
	})
}

// Next returns the next chunk, or an error (io.EOF on a clean close)
// once the stream is exhausted. Bytes already buffered are always
// delivered before the terminal close is observed, even if Close was
// called first — Go's buffered channel makes "last chunk before done"
// the natural outcome of draining chunks before trusting done.
func (b *Body) Next(ctx context.Context) ([]byte, error) {
	if c, ok := b.tryRecvChunk(); ok {
		return c, nil
	}
	select {
	case c := <-b.chunks:
		b.buffered.Add(-int64(len(c)))
		b.Resume()
		return c, nil
	case <-b.done:
		if c, ok := b.tryRecvChunk(); ok {
			return c, nil
		}
		return nil, b.terminal()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (b *Body) tryRecvChunk() ([]byte, bool) {
	select {
	case c := <-b.chunks:
		b.buffered.Add(-int64(len(c)))
		b.Resume()
		return c, true
	default:
		return nil, false
	}
}

func (b *Body) terminal() error {
	if b.closeErr != nil {
		return b.closeErr
	}
	return io.EOF
}

// Read implements io.Reader over the chunk stream, using
// context.Background for the underlying Next call (Read has no context
// parameter); callers who need cancellation should use Next directly.
func (b *Body) Read(p []byte) (int, error) {
	for len(b.pending) == 0 {
		chunk, err := b.Next(context.Background())
		if err != nil {
			return 0, err
		}
		if len(chunk) == 0 {
			continue
		}
		b.pending = chunk
	}
	n := copy(p, b.pending)
	b.pending = b.pending[n:]
	return n, nil
}

// Close drains any remaining chunks without copying them anywhere, so a
// caller that stops reading early (e.g. after a redirect) still lets the
// producer observe back-pressure release and finish tearing down the
// connection cleanly.
func (b *Body) Close() error {
	for {
		select {
		case <-b.done:
			return nil
		default:
		}
		if _, err := b.Next(context.Background()); err != nil {
			return nil
		}
	}
}
