package httpio

import (
	"context"
	"crypto/tls"
	"strconv"
	"time"

	"dqx0.com/go/httpio/internal/handle"
	"dqx0.com/go/httpio/internal/http1"
	"dqx0.com/go/httpio/internal/loop"
	"dqx0.com/go/httpio/internal/mux"
	"dqx0.com/go/httpio/internal/obs"
)

// Client is the caller-facing entry point onto the Client Multiplexer:
// construct one per event loop (one Loop, one pool) and reuse it across
// every Fetch for the lifetime of the program.
type Client struct {
	// MaxConnsPerHost caps concurrent connections per host:port; 0 uses
	// a small default.
	MaxConnsPerHost int
	// IdleConnTimeout bounds how long an idle pooled connection is kept
	// before being closed; 0 means idle connections never expire.
	IdleConnTimeout time.Duration
	DialTimeout     time.Duration
	TLSConfig       *tls.Config

	MaxHeaderBytes      int
	MaxTotalHeaderBytes int

	// EnableGzip advertises Accept-Encoding: gzip on every Fetch that
	// doesn't already set one; a gzip-encoded response is decoded
	// transparently by internal/handle regardless of this flag.
	EnableGzip bool

	Log   obs.Logger
	Meter obs.Meter

	loop *loop.Loop
	mx   *mux.Multiplexer
}

// Start initializes the Client's dispatcher loop and connection pool. It
// must be called before the first Fetch; calling it twice is a no-op.
func (c *Client) Start() {
	if c.loop != nil {
		return
	}
	c.loop = loop.New()
	c.mx = mux.New(mux.Config{
		Loop:            c.loop,
		DialTimeout:     c.DialTimeout,
		IdleConnTimeout: c.IdleConnTimeout,
		MaxConnsPerHost: c.MaxConnsPerHost,
		TLSConfig:       c.TLSConfig,
		Log:             c.Log,
	})
}

// Close shuts down the dispatcher loop and closes every idle pooled
// connection. Connections in use are not closed. Because the loop gates
// connection I/O and resolves Fetches, an exchange still in flight (a
// Fetch not yet returned, or a Body still being read) stops making
// progress after Close and ends only when its context is done.
func (c *Client) Close() error {
	if c.mx != nil {
		c.mx.CloseIdle()
	}
	if c.loop != nil {
		c.loop.Stop()
	}
	return nil
}

// Fetch sends req and returns once response headers are available (or
// an error occurs before then); the response body streams independently
// through Response.Body. It blocks until ctx is done or the Multiplexer
// resolves the request's Operation.
func (c *Client) Fetch(ctx context.Context, req *Request) (*Response, error) {
	c.Start()
	start := timeNow()

	hdr := req.Header
	if hdr == nil {
		hdr = NewHeader()
	}
	if hdr.Get("Host") == "" && req.Host != "" {
		hdr.Set("Host", req.Host)
	}
	if req.RequestID == "" {
		if id, ok := RequestIDFrom(ctx); ok {
			req.RequestID = id
		} else {
			req.RequestID = genID()
		}
	}
	hdr.Set("X-Request-Id", req.RequestID)
	if req.CorrelationID == "" {
		if cid, ok := CorrelationIDFrom(ctx); ok {
			req.CorrelationID = cid
		}
	}
	if req.CorrelationID != "" {
		hdr.Set("X-Correlation-Id", req.CorrelationID)
	}
	if c.EnableGzip && hdr.Get("Accept-Encoding") == "" {
		hdr.Set("Accept-Encoding", "gzip")
	}

	tr := c.startTrace(ctx, req)
	hdr.Set("Traceparent", formatTraceparent(tr.TraceID, tr.SpanID, tr.Flags))
	if tr.State != "" {
		hdr.Set("Tracestate", tr.State)
	}

	ctx = WithRequestID(ctx, req.RequestID)
	if req.CorrelationID != "" {
		ctx = WithCorrelationID(ctx, req.CorrelationID)
	}

	op := c.mx.Fetch(ctx, mux.FetchRequest{
		Method:              req.Method,
		URL:                 req.URL,
		RequestURI:          req.RequestURI,
		Header:              hdr.toWire(),
		Body:                req.Body,
		ContentLength:       req.ContentLength,
		MaxHeaderBytes:      c.MaxHeaderBytes,
		MaxTotalHeaderBytes: c.MaxTotalHeaderBytes,
		NewBody:             func() handle.BodySink { return NewBody() },
	})

	res, err := op.Await(ctx)
	c.observe(req.Method, start, err)
	if err != nil {
		if ctx.Err() != nil {
			return nil, newInterrupted(ctx.Err())
		}
		return nil, &TransportError{Op: "fetch", Err: err}
	}

	body, ok := res.Body.(*Body)
	if !ok {
		// NewBody above only ever constructs *Body, so this would mean
		// internal/handle handed back a sink from somewhere else.
		panic("httpio: Client.Fetch received a BodySink that is not *httpio.Body")
	}

	return &Response{
		StatusCode:    res.StatusCode,
		Status:        statusLine(res.StatusCode, res.Reason),
		Proto:         res.Proto,
		Header:        headerFromWire(res.Header),
		Body:          body,
		ContentLength: res.ContentLength,
	}, nil
}

// startTrace derives this Fetch's trace context: it continues a trace
// already on ctx (a span created by an enclosing Fetch or a Server
// handler forwarding its own inbound trace), or starts a new one. The
// resolved Trace is stamped onto req so a caller inspecting req after
// Fetch returns can see what went on the wire.
func (c *Client) startTrace(ctx context.Context, req *Request) Trace {
	tr, ok := TraceFrom(ctx)
	if !ok {
		tr = Trace{TraceID: genTraceID(), Flags: "01"}
	} else {
		tr.ParentSpanID = tr.SpanID
	}
	tr.SpanID = genSpanID()
	req.Trace = tr
	return tr
}

func (c *Client) observe(method string, start time.Time, err error) {
	if c.Meter == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	c.Meter.Counter("httpio_client_fetch_total", 1, obs.Label{Key: "method", Value: method}, obs.Label{Key: "outcome", Value: outcome})
	c.Meter.Histogram("httpio_client_fetch_seconds", time.Since(start).Seconds(), obs.Label{Key: "method", Value: method})
}

func statusLine(code int, reason string) string {
	if reason == "" {
		reason = http1.DefaultReason(code)
	}
	return strconv.Itoa(code) + " " + reason
}

// timeNow exists so Client.observe's timing has a single call site to
// mock in tests; it is never itself a place where behavior diverges
// from time.Now.
func timeNow() time.Time { return time.Now() }
