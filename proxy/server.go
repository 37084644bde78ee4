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

// Package proxy implements an authenticating HTTP/1.1 reverse proxy: a
// server accepting on one or more ports, each port forwarding to a single
// upstream through a bounded connection pool.
package proxy

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/net/netutil"
)

// ErrPortConflict indicates two routes that bind the same port without
// distinct virtual-host names.
var ErrPortConflict = errors.New("conflicting route configuration")

const defaultMaxClients = 1024

// Server owns a set of routes and the listeners that feed them.
type Server struct {
	muxes map[int]*hostMux
	// MaxClients bounds concurrently served connections per listener.
	maxClients int
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	listeners map[int]net.Listener
	conns     map[net.Conn]struct{}
	started   bool

	handlers sync.WaitGroup
}

// Options adjusts server-wide behavior.
type Options struct {
	// MaxClients bounds concurrently served client connections per
	// listener. Defaults to 1024.
	MaxClients int
	// Logger receives server lifecycle and per-exchange logs. nil discards.
	Logger *slog.Logger
}

// NewServer validates routes and assembles a [Server]. Two routes may share
// a port only when both declare distinct, non-empty Host names; any other
// duplicate fails with an error wrapping [ErrPortConflict].
func NewServer(routes []*Route, opts Options) (*Server, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	maxClients := opts.MaxClients
	if maxClients <= 0 {
		maxClients = defaultMaxClients
	}

	muxes := make(map[int]*hostMux)
	for _, rt := range routes {
		if rt.Logger == nil {
			rt.Logger = logger
		}
		mux := muxes[rt.ListenPort]
		if mux == nil {
			mux = &hostMux{byHost: make(map[string]*Route)}
			muxes[rt.ListenPort] = mux
		}
		if err := mux.add(rt); err != nil {
			return nil, err
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		muxes:      muxes,
		maxClients: maxClients,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
		listeners:  make(map[int]net.Listener),
		conns:      make(map[net.Conn]struct{}),
	}, nil
}

// Start binds one listener per configured port and begins accepting. It
// binds all ports or none: the first bind failure closes the listeners
// bound so far and is returned.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("server already started")
	}
	for port := range s.muxes {
		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err != nil {
			for _, bound := range s.listeners {
				bound.Close()
			}
			clear(s.listeners)
			return fmt.Errorf("failed to bind port %d: %w", port, err)
		}
		s.listeners[port] = netutil.LimitListener(ln, s.maxClients)
	}
	s.started = true
	for port, ln := range s.listeners {
		s.logger.Info("Listening", "addr", ln.Addr())
		go s.acceptLoop(ln, s.muxes[port])
	}
	return nil
}

// Addr returns the bound address for a configured port, or nil before
// Start. Useful when the route was configured with port 0.
func (s *Server) Addr(port int) net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	ln := s.listeners[port]
	if ln == nil {
		return nil
	}
	return ln.Addr()
}

// Stop ceases accepting, lets in-flight exchanges drain until ctx is done,
// then force-closes the remaining client connections.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	for _, ln := range s.listeners {
		ln.Close()
	}
	clear(s.listeners)
	s.mu.Unlock()
	s.cancel()

	drained := make(chan struct{})
	go func() {
		s.handlers.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		return nil
	case <-ctx.Done():
	}

	s.mu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()
	<-drained
	return fmt.Errorf("forced close of in-flight connections: %w", ctx.Err())
}

func (s *Server) acceptLoop(ln net.Listener, mux *hostMux) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.logger.Error("Accept failed", "addr", ln.Addr(), "error", err)
			}
			return
		}
		s.track(conn)
		s.handlers.Add(1)
		go func() {
			defer s.handlers.Done()
			defer s.untrack(conn)
			mux.serveConn(s.ctx, conn)
		}()
	}
}

func (s *Server) track(conn net.Conn) {
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	conn.Close()
}

// hostMux picks the route for a request on one port by its Host header.
type hostMux struct {
	byHost   map[string]*Route
	fallback *Route
}

func (m *hostMux) add(rt *Route) error {
	if rt.Host == "" {
		if m.fallback != nil || len(m.byHost) > 0 {
			return fmt.Errorf("%w: port %d: routes without distinct host names", ErrPortConflict, rt.ListenPort)
		}
		m.fallback = rt
		return nil
	}
	host := strings.ToLower(rt.Host)
	if _, dup := m.byHost[host]; dup || m.fallback != nil {
		return fmt.Errorf("%w: port %d: duplicate route for host %q", ErrPortConflict, rt.ListenPort, rt.Host)
	}
	m.byHost[host] = rt
	return nil
}

func (m *hostMux) route(hostport string) *Route {
	host := strings.ToLower(hostport)
	if h, _, err := net.SplitHostPort(hostport); err == nil {
		host = strings.ToLower(h)
	}
	if rt, ok := m.byHost[host]; ok {
		return rt
	}
	return m.fallback
}

// serveConn runs the client keep-alive loop: requests are read in order and
// each is dispatched to the route matching its Host header.
func (m *hostMux) serveConn(ctx context.Context, conn net.Conn) {
	reader := bufio.NewReader(conn)
	for {
		req, err := http.ReadRequest(reader)
		if err != nil {
			// EOF here is just the client ending a keep-alive session.
			return
		}
		rt := m.route(req.Host)
		if rt == nil {
			writeStatus(conn, http.StatusNotFound, nil, false)
			return
		}
		if !rt.handleExchange(ctx, conn, req) {
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}
