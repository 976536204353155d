// Package conn drives one accepted server connection end to end, using
// a pull-style handler that returns a full Response (status, header,
// body generator) instead of driving push-style Write calls: a response
// body is naturally something the handler hands back rather than
// something it writes into.
package conn

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"time"

	"dqx0.com/go/httpio/internal/http1"
	"dqx0.com/go/httpio/internal/loop"
	"dqx0.com/go/httpio/internal/obs"
)

// Request is the inbound request a Handler receives, with Body already
// framed by internal/http1's chunked/fixed/none logic.
type Request struct {
	Method        string
	RequestURI    string
	Proto         string
	Header        http1.Header
	ContentLength int64
	Body          io.ReadCloser
	RemoteAddr    string
}

// BodySource is the chunk sequence a Response streams out, the same
// shape as httpio.BodySource/handle.BodySource; kept local so this
// package never imports the root package.
type BodySource interface {
	Next(ctx context.Context) ([]byte, error)
}

// Response is what a Handler returns: the reply status/header plus a
// body generator. Body may be nil for a response with no payload.
type Response struct {
	StatusCode    int
	Reason        string
	Header        http1.Header
	ContentLength int64 // -1 for chunked/unknown length
	Body          BodySource
}

// Handler processes one request and produces a Response, or an error
// (surfaced to the client as a 500 if the reply has not started yet).
type Handler func(ctx context.Context, req *Request) (*Response, error)

// Options configures Serve.
type Options struct {
	Handler Handler

	ReadTimeout       time.Duration
	ReadHeaderTimeout time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration

	MaxHeaderBytes      int
	MaxTotalHeaderBytes int

	// ShuttingDown reports whether the server has begun graceful
	// shutdown; a true result yields a 500 without invoking Handler.
	ShuttingDown func() bool
	// Quit is invoked, asynchronously from the caller's perspective,
	// when a request's URI is the reserved quit path. It
	// must not block the connection that triggered it.
	Quit func()
	// QuitPath is the reserved shutdown-trigger URI; "/quit" if empty.
	QuitPath string

	// Loop, if set, gates this connection's Read/Write calls behind its
	// fd-readiness polling instead of blocking the connection's own
	// goroutine directly in the kernel. Nil serves the connection with
	// plain blocking I/O.
	Loop *loop.Loop

	Log obs.Logger
}

// Serve drives request/response exchanges on c until the connection
// closes, ctx is done, or a non-keep-alive exchange completes. ctx is
// expected to be a child of the server's shutdown context, already
// wired so that server-wide Quit cancels every live connection's ctx.
// Peer-side close is detected via the normal exit path: the next
// ReadRequest on this connection returns io.EOF. A dedicated
// close-probe goroutine reading concurrently with the request/body
// reader was considered and rejected — it would race the very same
// bufio.Reader mid-body-read (see DESIGN.md).
// Serve returns nil once the connection ends for any reason other than a
// failed response write (peer EOF, a non-keep-alive exchange, ctx being
// done, or any read/parse failure) and a non-nil error only when writing
// a response fails — the return value an
// errgroup.Group supervising many connections needs to tell "the peer
// went away" apart from "something actually broke".
func Serve(ctx context.Context, c net.Conn, opts Options) error {
	defer c.Close()

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go watchCancellation(connCtx, c)

	rw := net.Conn(c)
	if opts.Loop != nil {
		rw = loop.NewGate(connCtx, opts.Loop, c)
	}
	br := bufio.NewReader(rw)
	bw := bufio.NewWriter(rw)
	quitPath := opts.QuitPath
	if quitPath == "" {
		quitPath = "/quit"
	}

	for {
		if opts.ReadHeaderTimeout > 0 {
			_ = c.SetReadDeadline(time.Now().Add(opts.ReadHeaderTimeout))
		}
		rd := &http1.Reader{BR: br, MaxHeaderBytes: opts.MaxHeaderBytes, MaxTotalHeaderBytes: opts.MaxTotalHeaderBytes}
		pr, err := rd.ReadRequest()
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			if opts.Log != nil {
				opts.Log.Logf(obs.Debug, "connection read failed: %v", err)
			}
			return nil
		}

		keepAlive := decideKeepAlive(pr.Proto, pr.Header.Get("Connection"))

		if opts.ShuttingDown != nil && opts.ShuttingDown() {
			writeErrorReply(bw, 500, false)
			return nil
		}

		if pr.RequestURI == quitPath {
			writeErrorReplyStatus(bw, 200, "OK", keepAlive)
			if opts.Quit != nil {
				go opts.Quit()
			}
			if !keepAlive {
				return nil
			}
			continue
		}

		if strings.EqualFold(pr.Header.Get("Expect"), "100-continue") {
			_ = http1.WriteContinue(bw)
			_ = bw.Flush()
		}

		req := &Request{
			Method:        pr.Method,
			RequestURI:    pr.RequestURI,
			Proto:         pr.Proto,
			Header:        pr.Header,
			ContentLength: pr.ContentLength,
			Body:          pr.Body,
			RemoteAddr:    c.RemoteAddr().String(),
		}

		if opts.WriteTimeout > 0 {
			_ = c.SetWriteDeadline(time.Now().Add(opts.WriteTimeout))
		}
		finalKeepAlive, err := serveOne(connCtx, bw, req, keepAlive, opts)
		if pr.Body != nil {
			_ = pr.Body.Close()
		}
		if err != nil {
			if opts.Log != nil {
				opts.Log.Logf(obs.Warn, "response write failed: %v", err)
			}
			return err
		}
		if !finalKeepAlive {
			return nil
		}

		if opts.IdleTimeout > 0 {
			_ = c.SetReadDeadline(time.Now().Add(opts.IdleTimeout))
		} else if opts.ReadTimeout > 0 {
			_ = c.SetReadDeadline(time.Now().Add(opts.ReadTimeout))
		} else {
			_ = c.SetReadDeadline(time.Time{})
		}
	}
}

// watchCancellation force-closes the read/write deadline the moment ctx
// is done, unblocking whatever Read or Write this connection's goroutine
// is parked in — the server-side twin of internal/handle's
// watchCancellation, needed so a server-wide Quit actually interrupts a
// connection sitting in a long idle read rather than just marking it for
// the next loop iteration.
func watchCancellation(ctx context.Context, c net.Conn) {
	<-ctx.Done()
	_ = c.SetDeadline(time.Unix(0, 1))
}

// serveOne invokes the Handler and streams its Response, returning
// whether the connection should remain alive for another exchange.
func serveOne(ctx context.Context, bw *bufio.Writer, req *Request, keepAlive bool, opts Options) (bool, error) {
	resp, err := opts.Handler(ctx, req)
	if err != nil {
		writeErrorReply(bw, 500, keepAlive)
		return false, bw.Flush()
	}
	if resp == nil {
		resp = &Response{StatusCode: 204}
	}

	hdr := resp.Header
	chunked := resp.ContentLength < 0 && resp.Body != nil && !noResponseBody(resp.StatusCode, req.Method)
	finalKeepAlive := keepAlive && (chunked || hdr.Get("Content-Length") != "" || noResponseBody(resp.StatusCode, req.Method))

	if err := http1.StartResponse(bw, resp.StatusCode, resp.Reason, hdr, chunked, finalKeepAlive); err != nil {
		return false, err
	}

	if resp.Body != nil && !noResponseBody(resp.StatusCode, req.Method) {
		if err := streamBody(ctx, bw, resp.Body, chunked); err != nil {
			// Reply already started: abandon the connection without a
			// terminating trailer rather than send a second status.
			return false, nil
		}
	}
	if chunked {
		if err := http1.EndChunked(bw); err != nil {
			return false, err
		}
	}
	return finalKeepAlive, bw.Flush()
}

// streamBody pulls chunks from src and writes each one. A blocking
// bw.Write here *is* the await of the write-complete signal, since Go's
// buffered-writer Write only returns once the bytes are accepted (or an
// error/cancellation supersedes it).
func streamBody(ctx context.Context, bw *bufio.Writer, src BodySource, chunked bool) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		chunk, err := src.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if len(chunk) == 0 {
			continue
		}
		if chunked {
			if _, err := http1.WriteChunked(bw, chunk); err != nil {
				return err
			}
			if err := bw.Flush(); err != nil {
				return err
			}
			continue
		}
		if _, err := bw.Write(chunk); err != nil {
			return err
		}
	}
}

func writeErrorReply(bw *bufio.Writer, status int, keepAlive bool) {
	writeErrorReplyStatus(bw, status, "", keepAlive)
}

func writeErrorReplyStatus(bw *bufio.Writer, status int, reason string, keepAlive bool) {
	hdr := http1.Header{{Name: "Content-Length", Value: "0"}}
	_ = http1.WriteResponse(bw, status, reason, hdr, nil, keepAlive)
	_ = bw.Flush()
}

func decideKeepAlive(proto, connVal string) bool {
	connVal = strings.ToLower(connVal)
	if proto == "HTTP/1.1" {
		return connVal != "close"
	}
	return connVal == "keep-alive"
}

func noResponseBody(status int, method string) bool {
	if method == "HEAD" {
		return true
	}
	if status >= 100 && status < 200 {
		return true
	}
	return status == 204 || status == 304
}
