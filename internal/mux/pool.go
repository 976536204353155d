package mux

import (
	"context"
	"crypto/tls"
	"net"
	"sync"
	"time"

	"dqx0.com/go/httpio/internal/loop"
)

// reapInterval is how often the idle-connection reaper wakes up to
// evict pooled connections older than idleTimeout, on top of the
// passive per-connection SetReadDeadline expiry already applied in put.
const reapInterval = 30 * time.Second

// pooledConn is one idle connection kept warm for reuse.
type pooledConn struct {
	c       net.Conn
	lastUse time.Time
}

// pool is a per-host-key idle connection cache plus a live-connection
// counter used to cap concurrency per host.
type pool struct {
	mu              sync.Mutex
	idle            map[string][]*pooledConn
	live            map[string]int
	maxConnsPerHost int
	idleTimeout     time.Duration
	dialTimeout     time.Duration
	tlsConfig       *tls.Config

	loop      *loop.Loop
	closed    bool
	reapTimer *loop.Timer
}

func newPool(l *loop.Loop, maxConnsPerHost int, idleTimeout, dialTimeout time.Duration, tlsConfig *tls.Config) *pool {
	p := &pool{
		idle:            make(map[string][]*pooledConn),
		live:            make(map[string]int),
		maxConnsPerHost: maxConnsPerHost,
		idleTimeout:     idleTimeout,
		dialTimeout:     dialTimeout,
		tlsConfig:       tlsConfig,
		loop:            l,
	}
	if l != nil && idleTimeout > 0 {
		p.scheduleReap()
	}
	return p
}

// scheduleReap arms a one-shot timer on the loop that evicts idle
// connections older than idleTimeout, then rearms itself — the
// self-rescheduling shape a periodic sweep takes when the only timer
// primitive on offer is one-shot.
func (p *pool) scheduleReap() {
	p.reapTimer = p.loop.NewTimer(reapInterval, func() {
		p.reapIdle()
		p.mu.Lock()
		closed := p.closed
		p.mu.Unlock()
		if !closed {
			p.scheduleReap()
		}
	})
}

// reapIdle closes every idle connection that has sat unused past
// idleTimeout, in addition to the SetReadDeadline-based expiry put
// already arms per-connection — a pool that hands out very few
// connections could otherwise sit on a stale one indefinitely without a
// new get ever noticing.
func (p *pool) reapIdle() {
	cutoff := time.Now().Add(-p.idleTimeout)
	p.mu.Lock()
	defer p.mu.Unlock()
	for k, list := range p.idle {
		kept := list[:0]
		for _, pc := range list {
			if pc.lastUse.Before(cutoff) {
				_ = pc.c.Close()
				if p.live[k] > 0 {
					p.live[k]--
				}
				continue
			}
			kept = append(kept, pc)
		}
		p.idle[k] = kept
	}
}

// key identifies a pool bucket: scheme://host:port.
func key(scheme, addr string) string { return scheme + "://" + addr }

// get returns an idle connection for key if one exists, otherwise dials
// a fresh one, enforcing maxConnsPerHost across idle+live connections.
func (p *pool) get(ctx context.Context, scheme, addr string) (net.Conn, string, error) {
	k := key(scheme, addr)
	p.mu.Lock()
	if list := p.idle[k]; len(list) > 0 {
		pc := list[len(list)-1]
		p.idle[k] = list[:len(list)-1]
		p.mu.Unlock()
		return pc.c, k, nil
	}
	if p.maxConnsPerHost > 0 && p.live[k] >= p.maxConnsPerHost {
		p.mu.Unlock()
		return nil, "", errMaxConnsPerHost
	}
	p.live[k]++
	p.mu.Unlock()

	d := net.Dialer{Timeout: p.dialTimeout}
	var conn net.Conn
	var err error
	if scheme == "https" {
		host := addr
		if i := lastColon(addr); i >= 0 {
			host = addr[:i]
		}
		cfg := p.tlsConfig
		if cfg == nil {
			cfg = &tls.Config{}
		}
		if cfg.ServerName == "" {
			c2 := cfg.Clone()
			c2.ServerName = host
			cfg = c2
		}
		td := tls.Dialer{NetDialer: &d, Config: cfg}
		conn, err = td.DialContext(ctx, "tcp", addr)
	} else {
		conn, err = d.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		p.mu.Lock()
		p.live[k]--
		p.mu.Unlock()
		return nil, "", err
	}
	return conn, k, nil
}

// put returns a connection to the idle pool for reuse, or discards it.
func (p *pool) put(k string, c net.Conn, reusable bool) {
	if !reusable {
		p.discard(k, c)
		return
	}
	if p.idleTimeout > 0 {
		_ = c.SetReadDeadline(time.Now().Add(p.idleTimeout))
	} else {
		_ = c.SetReadDeadline(time.Time{})
	}
	p.mu.Lock()
	p.idle[k] = append(p.idle[k], &pooledConn{c: c, lastUse: time.Now()})
	p.mu.Unlock()
}

// discard closes a connection and releases its live slot.
func (p *pool) discard(k string, c net.Conn) {
	_ = c.Close()
	p.mu.Lock()
	if p.live[k] > 0 {
		p.live[k]--
	}
	p.mu.Unlock()
}

// closeIdle closes every idle connection immediately.
func (p *pool) closeIdle() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	if p.reapTimer != nil {
		p.reapTimer.Cancel()
	}
	for k, list := range p.idle {
		for _, pc := range list {
			_ = pc.c.Close()
			if p.live[k] > 0 {
				p.live[k]--
			}
		}
		delete(p.idle, k)
	}
}

func lastColon(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == ':' {
			return i
		}
	}
	return -1
}
