package httpio

import (
	"context"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"dqx0.com/go/httpio/internal/conn"
	"dqx0.com/go/httpio/internal/http1"
	"dqx0.com/go/httpio/internal/loop"
	"dqx0.com/go/httpio/internal/obs"
)

// ServerResponse is what a Handler returns: the reply status/header
// plus a body generator streamed out chunk by chunk. Body
// may be nil for a response with no payload; ContentLength -1 sends it
// chunked, otherwise Content-Length is set to ContentLength and exactly
// that many bytes must come out of Body.
type ServerResponse struct {
	StatusCode    int
	Reason        string
	Header        *Header
	ContentLength int64
	Body          BodySource
}

// Handler answers one inbound Request with a ServerResponse. Returning a
// non-nil error before any part of the reply has left the connection
// yields a 500 to the client; the server process itself is unaffected.
type Handler interface {
	ServeHTTP(ctx context.Context, req *Request) (*ServerResponse, error)
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(ctx context.Context, req *Request) (*ServerResponse, error)

func (f HandlerFunc) ServeHTTP(ctx context.Context, req *Request) (*ServerResponse, error) {
	return f(ctx, req)
}

// Server binds a listening socket and serves Handler over it. The
// zero-value Server (with Handler set) is ready to use, the same way the
// teacher's Server needed no other setup.
type Server struct {
	Addr    string
	Handler Handler

	ReadTimeout       time.Duration
	ReadHeaderTimeout time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration

	MaxHeaderBytes      int
	MaxTotalHeaderBytes int

	// OnQuit, if set, is invoked once after Quit's shutdown sequence
	// finishes (every connection drained, listener closed).
	OnQuit func()

	// EnableGzip opts responses into gzip compression whenever the
	// request's Accept-Encoding lists it and the Handler hasn't already
	// set its own Content-Encoding.
	EnableGzip bool

	Log   obs.Logger
	Meter obs.Meter

	quitting           atomic.Bool
	currentConnections atomic.Int64
	quitOnce           sync.Once
	finishOnce         sync.Once
	shutdownCtx        context.Context
	shutdownCancel     context.CancelFunc
	quitDone           chan struct{}
	listener           net.Listener
	eg                 *errgroup.Group
	evLoop             *loop.Loop
	quitEvent          *loop.UserEvent
}

func (s *Server) init() {
	if s.quitDone != nil {
		return
	}
	s.shutdownCtx, s.shutdownCancel = context.WithCancel(context.Background())
	s.quitDone = make(chan struct{})
	s.eg = &errgroup.Group{}
	s.evLoop = loop.New()
	// Every concurrent /quit hit on every live connection collapses into
	// one Quit call, UserEvent's coalescing Trigger doing the collapsing
	// instead of an extra mutex/atomic here. Quit blocks until every
	// connection drains, so it runs off the loop thread — onFire itself
	// must return promptly or every other connection's Gate would stall
	// waiting on fd readiness the dispatch goroutine never gets back to
	// polling for.
	s.quitEvent = s.evLoop.NewUserEvent(func() { go s.Quit() })
}

// ListenAndServe binds s.Addr (":8080" if empty) and serves until Quit
// is called or Accept fails.
func (s *Server) ListenAndServe() error {
	addr := s.Addr
	if addr == "" {
		addr = ":8080"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections on l until Quit is called. Each connection
// runs under the server's errgroup.Group, the same supervision pattern
// the retrieved corpus's process-group code uses to track a fleet of
// goroutines that must all be accounted for before shutdown completes;
// Serve itself doesn't return until every one of them has (via
// s.eg.Wait()), whether that's because Quit drained them or because
// Accept itself failed.
func (s *Server) Serve(l net.Listener) error {
	s.init()
	s.listener = l
	defer l.Close()

	s.eg.Go(func() error { return s.acceptLoop(l) })
	return s.eg.Wait()
}

func (s *Server) acceptLoop(l net.Listener) error {
	for {
		c, err := l.Accept()
		if err != nil {
			select {
			case <-s.shutdownCtx.Done():
				<-s.quitDone
				return nil
			default:
				return err
			}
		}
		s.currentConnections.Add(1)
		connCtx := s.shutdownCtx
		s.eg.Go(func() error {
			defer s.connectionDone()
			return conn.Serve(connCtx, c, conn.Options{
				Handler:             s.serveOne,
				ReadTimeout:         s.ReadTimeout,
				ReadHeaderTimeout:   s.ReadHeaderTimeout,
				WriteTimeout:        s.WriteTimeout,
				IdleTimeout:         s.IdleTimeout,
				MaxHeaderBytes:      s.MaxHeaderBytes,
				MaxTotalHeaderBytes: s.MaxTotalHeaderBytes,
				ShuttingDown:        s.quitting.Load,
				Quit:                func() { s.quitEvent.Trigger() },
				QuitPath:            "/quit",
				Loop:                s.evLoop,
				Log:                 s.Log,
			})
		})
	}
}

func (s *Server) connectionDone() {
	if s.currentConnections.Add(-1) == 0 && s.quitting.Load() {
		s.finishShutdown()
	}
}

// Quit begins graceful shutdown: any request read after this point is
// answered with a 500 without invoking Handler (ShuttingDown is checked
// at the start of each request), every live connection's context is
// cancelled, and Quit itself blocks until
// current_connections reaches zero and the listener is closed. It is
// idempotent — a second call while shutdown is already underway resolves
// as soon as the first does.
func (s *Server) Quit() {
	s.init()
	s.quitOnce.Do(func() {
		s.quitting.Store(true)
		s.shutdownCancel()
		if s.currentConnections.Load() == 0 {
			s.finishShutdown()
		}
	})
	<-s.quitDone
}

func (s *Server) finishShutdown() {
	s.finishOnce.Do(func() {
		if s.listener != nil {
			_ = s.listener.Close()
		}
		if s.evLoop != nil {
			s.evLoop.Stop()
		}
		if s.OnQuit != nil {
			s.OnQuit()
		}
		close(s.quitDone)
	})
}

// serveOne adapts internal/conn's Request/Response shape to the
// Handler-facing Request/ServerResponse, so internal/conn never needs to
// import this package (avoiding the same cycle internal/handle avoids
// for the client side).
func (s *Server) serveOne(ctx context.Context, cr *conn.Request) (*conn.Response, error) {
	start := timeNow()
	req := &Request{
		Method:        cr.Method,
		URL:           parseRequestURI(cr.RequestURI),
		RequestURI:    cr.RequestURI,
		Proto:         cr.Proto,
		Header:        headerFromWire(cr.Header),
		Body:          NewBodySource(cr.Body, 32*1024),
		Host:          cr.Header.Get("Host"),
		ContentLength: cr.ContentLength,
		ctx:           ctx,
		RequestID:     cr.Header.Get("X-Request-Id"),
		CorrelationID: cr.Header.Get("X-Correlation-Id"),
	}
	if req.RequestID == "" {
		req.RequestID = genID()
	}
	ctx = WithRequestID(ctx, req.RequestID)
	if req.CorrelationID != "" {
		ctx = WithCorrelationID(ctx, req.CorrelationID)
	}
	req.Trace = s.continueTrace(cr.Header)
	ctx = WithTrace(ctx, req.Trace)
	req.ctx = ctx

	h := s.Handler
	if h == nil {
		h = HandlerFunc(notFoundHandler)
	}
	resp, err := h.ServeHTTP(ctx, req)
	s.observe(cr.Method, start, err)
	if err != nil {
		return nil, err
	}
	if resp == nil {
		resp = &ServerResponse{StatusCode: 204}
	}
	hdr := resp.Header
	if hdr == nil {
		hdr = NewHeader()
	}
	if s.EnableGzip && resp.Body != nil && hdr.Get("Content-Encoding") == "" && acceptsGzip(req.Header) {
		resp.Body = newGzipEncodeSource(ctx, resp.Body)
		resp.ContentLength = -1
		hdr.Del("Content-Length")
		hdr.Set("Content-Encoding", "gzip")
		hdr.Add("Vary", "Accept-Encoding")
	}
	if resp.ContentLength >= 0 && resp.StatusCode >= 200 && resp.StatusCode != 204 && hdr.Get("Content-Length") == "" {
		hdr.Set("Content-Length", strconv.FormatInt(resp.ContentLength, 10))
	}
	return &conn.Response{
		StatusCode:    resp.StatusCode,
		Reason:        resp.Reason,
		Header:        hdr.toWire(),
		ContentLength: resp.ContentLength,
		Body:          resp.Body,
	}, nil
}

// continueTrace derives the span this request runs under from an
// inbound traceparent header, or starts a fresh trace if the header is
// absent or malformed.
func (s *Server) continueTrace(hdr http1.Header) Trace {
	traceID, parentSpan, flags, ok := parseTraceparent(hdr.Get("Traceparent"))
	if !ok {
		return Trace{TraceID: genTraceID(), SpanID: genSpanID(), Flags: "01"}
	}
	return Trace{
		TraceID:      traceID,
		SpanID:       genSpanID(),
		ParentSpanID: parentSpan,
		Flags:        flags,
		State:        hdr.Get("Tracestate"),
	}
}

func (s *Server) observe(method string, start time.Time, err error) {
	if s.Meter == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	s.Meter.Counter("httpio_server_requests_total", 1, obs.Label{Key: "method", Value: method}, obs.Label{Key: "outcome", Value: outcome})
	s.Meter.Histogram("httpio_server_request_seconds", time.Since(start).Seconds(), obs.Label{Key: "method", Value: method})
}

func notFoundHandler(_ context.Context, _ *Request) (*ServerResponse, error) {
	body := []byte("not found")
	hdr := NewHeader()
	hdr.Set("Content-Length", strconv.Itoa(len(body)))
	return &ServerResponse{
		StatusCode:    404,
		Header:        hdr,
		ContentLength: int64(len(body)),
		Body:          BytesBody(body),
	}, nil
}

func parseRequestURI(raw string) *url.URL {
	if strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://") {
		if u, err := url.Parse(raw); err == nil {
			return u
		}
	}
	if u, err := url.ParseRequestURI(raw); err == nil {
		return u
	}
	return &url.URL{Path: raw}
}
