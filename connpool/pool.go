// Copyright 2025 The Halyard Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package connpool maintains a bounded set of reusable connections to one
// upstream address. Reusing connections amortizes the dial cost across many
// client requests; the capacity bound keeps upstream connection growth in
// check under load.
package connpool

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"sync"
	"time"
)

// ErrUpstreamUnavailable indicates that no upstream connection could be
// obtained within the configured timeout.
var ErrUpstreamUnavailable = errors.New("upstream unavailable")

// ErrClosed is returned by Acquire after the pool has been closed.
var ErrClosed = errors.New("connection pool is closed")

const (
	defaultCapacity    = 15
	defaultIdleTimeout = 60 * time.Second
	defaultDialTimeout = 5 * time.Second
)

// Conn is one pooled upstream connection. It is borrowed by at most one
// request at a time and must be given back with [Pool.Release].
type Conn struct {
	net.Conn

	lastUsed time.Time
	reader   *bufio.Reader
}

// Reader returns a buffered reader over the connection. The same reader is
// returned across reuses so bytes buffered from the upstream survive a
// release/acquire cycle.
func (c *Conn) Reader() *bufio.Reader {
	if c.reader == nil {
		c.reader = bufio.NewReader(c.Conn)
	}
	return c.reader
}

// Config carries the knobs for a [Pool]. The zero value selects defaults.
type Config struct {
	// Capacity bounds live connections (idle + borrowed). Defaults to 15.
	Capacity int
	// IdleTimeout is how long an idle connection stays eligible for reuse
	// before the reaper closes it. Defaults to 60s.
	IdleTimeout time.Duration
	// DialTimeout bounds both dialing a new connection and waiting for a
	// borrowed one to be released. Defaults to 5s.
	DialTimeout time.Duration
	// Dialer establishes upstream connections. Defaults to [TCPDialer].
	Dialer StreamDialer
}

// Pool hands out connections to a single upstream address.
//
// Acquire prefers a fresh idle connection, dials a new one while under
// capacity, and otherwise waits for a release. The mutex guards only the
// bookkeeping; dialing and all other network I/O happen outside of it.
type Pool struct {
	addr        string
	capacity    int
	idleTimeout time.Duration
	dialTimeout time.Duration
	dialer      StreamDialer

	mu      sync.Mutex
	idle    []*Conn      // most recently used last
	waiters []chan *Conn // a nil hand-off grants the right to dial
	live    int
	closed  bool

	done chan struct{}
}

// New creates a [Pool] for the upstream at addr and starts its idle reaper.
// Call [Pool.Close] to release its resources.
func New(addr string, config Config) *Pool {
	if config.Capacity <= 0 {
		config.Capacity = defaultCapacity
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = defaultIdleTimeout
	}
	if config.DialTimeout <= 0 {
		config.DialTimeout = defaultDialTimeout
	}
	if config.Dialer == nil {
		config.Dialer = &TCPDialer{}
	}
	p := &Pool{
		addr:        addr,
		capacity:    config.Capacity,
		idleTimeout: config.IdleTimeout,
		dialTimeout: config.DialTimeout,
		dialer:      config.Dialer,
		done:        make(chan struct{}),
	}
	go p.reapLoop()
	return p
}

// Addr returns the upstream address the pool connects to.
func (p *Pool) Addr() string {
	return p.addr
}

// Acquire returns a connection for exclusive use by the caller. It fails
// with an error wrapping [ErrUpstreamUnavailable] if the upstream cannot be
// dialed, or if the pool is at capacity and nothing is released within the
// dial timeout. Cancelling ctx aborts the wait.
func (p *Pool) Acquire(ctx context.Context) (*Conn, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	// Prefer the most recently used idle connection: it is the least likely
	// to have been closed by the upstream in the meantime.
	for n := len(p.idle); n > 0; n = len(p.idle) {
		conn := p.idle[n-1]
		p.idle = p.idle[:n-1]
		if time.Since(conn.lastUsed) > p.idleTimeout {
			p.live--
			p.mu.Unlock()
			conn.Close()
			p.mu.Lock()
			continue
		}
		p.mu.Unlock()
		return conn, nil
	}
	if p.live < p.capacity {
		p.live++
		p.mu.Unlock()
		return p.dial(ctx)
	}
	ready := make(chan *Conn, 1)
	p.waiters = append(p.waiters, ready)
	p.mu.Unlock()

	timer := time.NewTimer(p.dialTimeout)
	defer timer.Stop()
	select {
	case conn, ok := <-ready:
		if !ok {
			return nil, ErrClosed
		}
		if conn == nil {
			// A slot was freed and transferred to us; dial our own.
			return p.dial(ctx)
		}
		return conn, nil
	case <-ctx.Done():
		p.abandon(ready)
		return nil, fmt.Errorf("%w: %w", ErrUpstreamUnavailable, ctx.Err())
	case <-timer.C:
		p.abandon(ready)
		return nil, fmt.Errorf("%w: no connection released within %v", ErrUpstreamUnavailable, p.dialTimeout)
	}
}

// Release gives a borrowed connection back. Healthy connections return to
// the idle set, or go straight to the oldest waiter. Unhealthy ones are
// closed and their capacity slot freed.
func (p *Pool) Release(conn *Conn, healthy bool) {
	p.mu.Lock()
	if p.closed {
		p.live--
		p.mu.Unlock()
		conn.Close()
		return
	}
	if !healthy {
		p.surrenderSlotLocked()
		p.mu.Unlock()
		conn.Close()
		return
	}
	conn.lastUsed = time.Now()
	if len(p.waiters) > 0 {
		ready := p.waiters[0]
		p.waiters = p.waiters[1:]
		ready <- conn
		p.mu.Unlock()
		return
	}
	p.idle = append(p.idle, conn)
	p.mu.Unlock()
}

// Size reports live (idle + borrowed) and idle connection counts.
func (p *Pool) Size() (live, idle int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.live, len(p.idle)
}

// Close stops the reaper, closes idle connections, and fails pending
// Acquire calls. Borrowed connections are closed as they are released.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.done)
	idle := p.idle
	p.idle = nil
	p.live -= len(idle)
	waiters := p.waiters
	p.waiters = nil
	p.mu.Unlock()

	for _, conn := range idle {
		conn.Close()
	}
	for _, ready := range waiters {
		close(ready)
	}
	return nil
}

func (p *Pool) dial(ctx context.Context) (*Conn, error) {
	p.mu.Lock()
	if p.closed {
		p.live--
		p.mu.Unlock()
		return nil, ErrClosed
	}
	p.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, p.dialTimeout)
	defer cancel()
	raw, err := p.dialer.DialStream(dialCtx, p.addr)
	if err != nil {
		p.mu.Lock()
		p.surrenderSlotLocked()
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: dial %s: %w", ErrUpstreamUnavailable, p.addr, err)
	}
	return &Conn{Conn: raw, lastUsed: time.Now()}, nil
}

// surrenderSlotLocked frees the caller's capacity slot, transferring it to
// the oldest waiter if there is one. p.mu must be held.
func (p *Pool) surrenderSlotLocked() {
	p.live--
	if len(p.waiters) > 0 {
		ready := p.waiters[0]
		p.waiters = p.waiters[1:]
		p.live++
		ready <- nil
	}
}

// abandon withdraws a waiter that timed out or was cancelled. If a hand-off
// raced with the withdrawal, the handed resource is put back.
func (p *Pool) abandon(ready chan *Conn) {
	p.mu.Lock()
	if i := slices.Index(p.waiters, ready); i >= 0 {
		p.waiters = slices.Delete(p.waiters, i, i+1)
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	// Hand-offs are sent while the lock is held, so if we are no longer
	// queued the channel already carries one (or the pool closed it).
	select {
	case conn, ok := <-ready:
		if !ok {
			return
		}
		if conn != nil {
			p.Release(conn, true)
		} else {
			p.mu.Lock()
			p.surrenderSlotLocked()
			p.mu.Unlock()
		}
	default:
	}
}

func (p *Pool) reapLoop() {
	interval := p.idleTimeout / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.reap()
		}
	}
}

// reap closes idle connections whose last use is older than the idle
// timeout. Closing happens after the lock is dropped.
func (p *Pool) reap() {
	var stale []*Conn
	p.mu.Lock()
	kept := p.idle[:0]
	for _, conn := range p.idle {
		if time.Since(conn.lastUsed) > p.idleTimeout {
			stale = append(stale, conn)
			p.live--
		} else {
			kept = append(kept, conn)
		}
	}
	p.idle = kept
	p.mu.Unlock()
	for _, conn := range stale {
		conn.Close()
	}
}
