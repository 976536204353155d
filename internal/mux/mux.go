// Package mux is the Client Multiplexer: it owns the per-host
// connection pool and hands every Fetch a pending Operation. Each
// Fetch's connection I/O runs on its own goroutine and posts its
// outcome onto the dispatcher loop, which resolves the Operation, so
// every completion drains through one serialized point regardless of
// how many connections are in flight.
package mux

import (
	"context"
	"crypto/tls"
	"errors"
	"net/url"
	"sync/atomic"
	"time"

	"dqx0.com/go/httpio/internal/handle"
	"dqx0.com/go/httpio/internal/http1"
	"dqx0.com/go/httpio/internal/loop"
	"dqx0.com/go/httpio/internal/obs"
)

var errMaxConnsPerHost = errors.New("mux: max connections per host reached")

// Config configures a Multiplexer.
type Config struct {
	Loop            *loop.Loop
	DialTimeout     time.Duration
	IdleConnTimeout time.Duration
	MaxConnsPerHost int
	TLSConfig       *tls.Config
	Log             obs.Logger
}

// Multiplexer is the Client Multiplexer.
type Multiplexer struct {
	loop *loop.Loop
	pool *pool
	log  obs.Logger
}

// New constructs a Multiplexer bound to loop, the shared dispatcher
// every Operation resolution is posted through.
func New(cfg Config) *Multiplexer {
	maxConns := cfg.MaxConnsPerHost
	if maxConns == 0 {
		maxConns = 8
	}
	dialTO := cfg.DialTimeout
	if dialTO == 0 {
		dialTO = 5 * time.Second
	}
	log := cfg.Log
	if log == nil {
		log = obs.NopLogger{}
	}
	return &Multiplexer{
		loop: cfg.Loop,
		pool: newPool(cfg.Loop, maxConns, cfg.IdleConnTimeout, dialTO, cfg.TLSConfig),
		log:  log,
	}
}

// FetchRequest is everything Fetch needs that doesn't belong to
// internal/handle's own Config (which it mostly forwards).
type FetchRequest struct {
	Method              string
	URL                 *url.URL
	RequestURI          string
	Header              http1.Header
	Body                handle.BodySource
	ContentLength       int64
	MaxHeaderBytes      int
	MaxTotalHeaderBytes int
	NewBody             func() handle.BodySink
}

// Operation is the pending-operation awaitable Fetch returns.
type Operation struct {
	done chan struct{}
	res  *handle.Result
	err  error
}

// Await blocks until the Operation resolves or ctx is done.
func (op *Operation) Await(ctx context.Context) (*handle.Result, error) {
	select {
	case <-op.done:
		return op.res, op.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func newOperation() *Operation {
	return &Operation{done: make(chan struct{})}
}

// resolve sets the outcome and wakes Await. Deferred through the
// dispatcher loop even though the calling goroutine is never the
// dispatcher itself, so every Operation completion funnels through the
// one place the rest of this module treats as authoritative.
func (op *Operation) resolve(res *handle.Result, err error) {
	op.res, op.err = res, err
	close(op.done)
}

// Fetch dials (or reuses) a connection for req.URL and starts the
// exchange. It returns immediately with a pending Operation; the
// caller awaits it for the response headers (a full Response body is
// then streamed independently through Result.Body).
func (m *Multiplexer) Fetch(ctx context.Context, req FetchRequest) *Operation {
	op := newOperation()
	scheme := req.URL.Scheme
	if scheme == "" {
		scheme = "http"
	}
	addr := hostPort(req.URL, scheme)

	go func() {
		conn, k, err := m.pool.get(ctx, scheme, addr)
		if err != nil {
			m.log.Logf(obs.Warn, "dial %s failed: %v", addr, err)
			m.loop.PostResume(func() { op.resolve(nil, err) })
			return
		}

		var reusable atomic.Bool
		gated := loop.NewGate(ctx, m.loop, conn)
		res, err := handle.Do(ctx, handle.Config{
			Conn:                gated,
			Method:              req.Method,
			RequestURI:          req.RequestURI,
			Header:              req.Header,
			Body:                req.Body,
			ContentLength:       req.ContentLength,
			MaxHeaderBytes:      req.MaxHeaderBytes,
			MaxTotalHeaderBytes: req.MaxTotalHeaderBytes,
			KeepAlive:           true,
			NewBody:             req.NewBody,
			Log:                 m.log,
			OnDone: func(bodyErr error) {
				if bodyErr == nil && reusable.Load() {
					m.pool.put(k, conn, true)
				} else {
					m.pool.discard(k, conn)
				}
			},
		})
		if err != nil {
			m.pool.discard(k, conn)
			m.loop.PostResume(func() { op.resolve(nil, err) })
			return
		}
		// A close-delimited body (no Content-Length, no chunked framing)
		// consumes the connection until EOF, so it can never be reused;
		// everything else is eligible once OnDone fires cleanly.
		reusable.Store(res.ContentLength != -2)

		m.loop.PostResume(func() { op.resolve(res, nil) })
	}()

	return op
}

// CloseIdle closes every idle pooled connection immediately.
func (m *Multiplexer) CloseIdle() { m.pool.closeIdle() }

func hostPort(u *url.URL, scheme string) string {
	host := u.Host
	if !hasPort(host) {
		if scheme == "https" {
			host += ":443"
		} else {
			host += ":80"
		}
	}
	return host
}

func hasPort(host string) bool {
	for i := len(host) - 1; i >= 0; i-- {
		if host[i] == ':' {
			return true
		}
		if host[i] == ']' {
			return false
		}
	}
	return false
}
