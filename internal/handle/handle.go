// Package handle drives one in-flight request/response exchange over a
// pooled connection. It owns the wire codec calls (internal/http1), the
// request-body pump, and the cancellation wiring; internal/mux owns the
// pool of Handles and the completion channel that feeds the dispatcher
// loop.
package handle

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/gzip"

	"dqx0.com/go/httpio/internal/http1"
	"dqx0.com/go/httpio/internal/obs"
)

// Owner is whichever object currently owns the outcome of an exchange.
// Before headers finish parsing there is conceptually no owner yet —
// ReadResponse parses a status line and its header block in one
// synchronous call, so no partial-headers state is ever observed. Owner
// covers the two phases that remain: before a Body exists, and after.
type Owner interface {
	CloseStatus(transferStatus int)
	CloseError(err error)
}

// BodySink is the Owner a Handle transitions to once it starts
// streaming a response body: something that accepts chunks and can
// pause the producer by refusing ReceivedData.
type BodySink interface {
	Owner
	ReceivedData(chunk []byte) bool
}

// BodySource is the byte-chunk sequence an outbound request body is
// read from. It has the same shape as httpio.BodySource; kept as a
// separate, unexported-package-local interface so this package never
// imports the root package (which imports this one).
type BodySource interface {
	Next(ctx context.Context) ([]byte, error)
}

// Result is what a Handle resolves an exchange to once response
// headers (and, for a bodyless response, the whole thing) are
// available.
type Result struct {
	StatusCode    int
	Reason        string
	Proto         string
	Header        http1.Header
	ContentLength int64
	Body          BodySink
}

// Config configures one exchange.
type Config struct {
	Conn net.Conn

	Method        string
	RequestURI    string
	Header        http1.Header
	Body          BodySource // nil for a bodyless request
	ContentLength int64      // -1 for chunked/unknown

	MaxHeaderBytes      int
	MaxTotalHeaderBytes int

	// KeepAlive tells the peer whether this connection should be
	// reused for another exchange; internal/mux sets this based on
	// its pool's own reuse policy.
	KeepAlive bool

	// NewBody constructs a fresh BodySink the moment a response is
	// about to be resolved; it is called exactly once per exchange,
	// even for a response with no body (the returned sink is closed
	// immediately so Result.Body is never nil).
	NewBody func() BodySink

	// OnDone, if set, is called exactly once when the response body
	// finishes draining (cleanly or with err set), after the sink's own
	// CloseStatus/CloseError has already fired. internal/mux uses this
	// to decide when a connection may return to the idle pool.
	OnDone func(err error)

	Log obs.Logger
}

// Do writes the request, reads the response headers, and returns a
// Result the instant headers (or a bodyless completion) are available.
// If Result.ContentLength/framing implies a body, a goroutine is
// already running to pump connection bytes into Result.Body; the
// caller does not need to drive it further. Do itself does not wait for
// body bytes, except that a gzip-encoded response's gzip header is read
// before Do returns.
func Do(ctx context.Context, cfg Config) (*Result, error) {
	bw := bufio.NewWriter(cfg.Conn)
	br := bufio.NewReader(cfg.Conn)

	writeErr := make(chan error, 1)
	go func() {
		writeErr <- writeRequest(ctx, bw, cfg)
	}()

	watchCancellation(ctx, cfg.Conn)

	rd := &http1.Reader{BR: br, MaxHeaderBytes: cfg.MaxHeaderBytes, MaxTotalHeaderBytes: cfg.MaxTotalHeaderBytes}
	resp, err := rd.ReadResponse()
	if err != nil {
		<-writeErr
		return nil, err
	}

	sink := cfg.NewBody()
	result := &Result{
		StatusCode:    resp.StatusCode,
		Reason:        resp.Reason,
		Proto:         resp.Proto,
		Header:        resp.Header,
		ContentLength: resp.ContentLength,
		Body:          sink,
	}

	wire := resp.Body
	if resp.Header.HasToken("Content-Encoding", "gzip") {
		gz, gzErr := gzip.NewReader(wire)
		if gzErr != nil {
			<-writeErr
			wire.Close()
			return nil, gzErr
		}
		wire = &gzipReadCloser{Reader: gz, wire: wire}
		// The declared Content-Length describes the compressed bytes on
		// the wire, not the decompressed stream Next now yields, so it
		// no longer means anything to a caller of Result — but leave a
		// close-delimited (-2) length alone, since internal/mux reads it
		// to decide whether the connection may be reused.
		if result.ContentLength != -2 {
			result.ContentLength = -1
		}
	}

	go pumpBody(ctx, wire, sink, cfg.Log, cfg.OnDone)

	return result, nil
}

// gzipReadCloser adapts a gzip.Reader over the wire's compressed bytes
// into an io.ReadCloser that also closes the underlying connection
// reader, so pumpBody's single deferred Close still tears down the
// right thing.
type gzipReadCloser struct {
	*gzip.Reader
	wire io.ReadCloser
}

func (g *gzipReadCloser) Close() error {
	_ = g.Reader.Close()
	return g.wire.Close()
}

// watchCancellation arms a deadline derived from ctx (if any) and, once
// ctx is done, moves conn's deadline into the past so any blocked
// Read/Write returns immediately. conn itself is not closed here.
func watchCancellation(ctx context.Context, conn net.Conn) {
	if dl, ok := ctx.Deadline(); ok {
		conn.SetDeadline(dl)
	}
	go func() {
		<-ctx.Done()
		conn.SetDeadline(time.Unix(0, 1))
	}()
}

// writeRequest writes the request line, headers, and body. A nil or
// already-exhausted Body writes no body bytes at all.
func writeRequest(ctx context.Context, bw *bufio.Writer, cfg Config) error {
	hdr := cfg.Header.Clone()
	chunked := cfg.ContentLength < 0 && cfg.Body != nil
	if chunked {
		hdr.Del("Content-Length")
		hdr.Del("Transfer-Encoding")
		hdr.Add("Transfer-Encoding", "chunked")
	} else if cfg.Body != nil && cfg.ContentLength > 0 && hdr.Get("Content-Length") == "" {
		hdr.Add("Content-Length", strconv.FormatInt(cfg.ContentLength, 10))
	}
	if err := http1.StartRequest(bw, cfg.Method, cfg.RequestURI, hdr, cfg.KeepAlive); err != nil {
		return err
	}
	if cfg.Body == nil {
		return bw.Flush()
	}
	if chunked {
		if err := pumpChunkedUpload(ctx, bw, cfg.Body); err != nil {
			return err
		}
	} else {
		if err := pumpSizedUpload(ctx, bw, cfg.Body, cfg.ContentLength); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// pumpChunkedUpload is the request-body pump for a Transfer-Encoding:
// chunked request: pull one chunk at a time from src and write it.
func pumpChunkedUpload(ctx context.Context, bw *bufio.Writer, src BodySource) error {
	for {
		chunk, err := src.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return http1.EndChunked(bw)
			}
			return err
		}
		if len(chunk) == 0 {
			continue
		}
		if _, err := http1.WriteChunked(bw, chunk); err != nil {
			return err
		}
	}
}

// pumpSizedUpload is the Content-Length-framed counterpart: writes
// exactly n bytes pulled from src, erroring if src runs dry early or if
// a chunk would carry the total past n. src is not read again once n
// bytes have been sent.
func pumpSizedUpload(ctx context.Context, bw *bufio.Writer, src BodySource, n int64) error {
	var sent int64
	for sent < n {
		chunk, err := src.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return errShortBody
			}
			return err
		}
		if sent+int64(len(chunk)) > n {
			return errLongBody
		}
		if _, err := bw.Write(chunk); err != nil {
			return err
		}
		sent += int64(len(chunk))
	}
	return nil
}

var (
	errShortBody = errors.New("handle: body source exhausted before declared Content-Length")
	errLongBody  = errors.New("handle: body source exceeded declared Content-Length")
)

// pumpBody is the download side: relay wire, already framed by
// internal/http1 (chunked/limited/unbounded), into sink, honoring
// ReceivedData's pause signal to stop reading until the sink resumes.
func pumpBody(ctx context.Context, wire io.ReadCloser, sink BodySink, log obs.Logger, onDone func(error)) {
	defer wire.Close()
	buf := make([]byte, 32*1024)
	var paused atomic.Bool
	for {
		n, err := wire.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			for !sink.ReceivedData(chunk) {
				if !paused.Swap(true) && log != nil {
					log.Logf(obs.Debug, "body stream paused: downstream has not drained buffered chunk")
				}
				if waitErr := resumeOrDone(ctx, sink); waitErr != nil {
					sink.CloseError(waitErr)
					if onDone != nil {
						onDone(waitErr)
					}
					return
				}
			}
			paused.Store(false)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				sink.CloseStatus(0)
				if onDone != nil {
					onDone(nil)
				}
			} else {
				if log != nil {
					log.Logf(obs.Warn, "body stream ended with error: %v", err)
				}
				sink.CloseError(err)
				if onDone != nil {
					onDone(err)
				}
			}
			return
		}
	}
}

// resumeOrDone blocks until the sink is ready for more or ctx is done.
// BodySink doesn't expose a resume wait directly; a sink that has an
// AwaitResume(ctx) method (httpio.Body does) is waited on through it.
func resumeOrDone(ctx context.Context, sink BodySink) error {
	if r, ok := sink.(interface{ AwaitResume(context.Context) error }); ok {
		return r.AwaitResume(ctx)
	}
	// Sinks that don't support an explicit resume wake (e.g. a test
	// stub) just get a short poll delay instead of busy-looping.
	select {
	case <-time.After(5 * time.Millisecond):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

