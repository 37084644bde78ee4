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

package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/halyard-dev/halyard/basicauth"
	"github.com/halyard-dev/halyard/connpool"
)

const defaultRequestTimeout = 30 * time.Second

// Route forwards authenticated requests from one listening port to one
// upstream. Routes are immutable once the server starts.
type Route struct {
	// ListenPort is the client-facing TCP port.
	ListenPort int
	// Host restricts the route to requests carrying this Host header.
	// Empty matches any host not claimed by another route on the port.
	Host string
	// Realm names the credential scope announced in challenges.
	Realm string
	// Gate authenticates every request before any upstream I/O.
	Gate *basicauth.Gate
	// Pool supplies upstream connections.
	Pool *connpool.Pool
	// RequestTimeout bounds one full request/response exchange.
	RequestTimeout time.Duration
	// Logger receives per-exchange debug lines. nil discards them.
	Logger *slog.Logger
}

func (rt *Route) requestTimeout() time.Duration {
	if rt.RequestTimeout > 0 {
		return rt.RequestTimeout
	}
	return defaultRequestTimeout
}

func (rt *Route) logger() *slog.Logger {
	if rt.Logger != nil {
		return rt.Logger
	}
	return slog.New(slog.DiscardHandler)
}

// handleExchange runs one request/response exchange on clientConn and
// reports whether the client connection can serve another request.
// The request body has already been framed by the caller's reader.
func (rt *Route) handleExchange(ctx context.Context, clientConn net.Conn, req *http.Request) bool {
	start := time.Now()
	clientKeep := !req.Close

	// The deadline covers the whole exchange on both connections, including
	// draining a request body from a stalled client: a blocked read must
	// not pin the handler or a pooled connection past the budget.
	deadline := start.Add(rt.requestTimeout())
	clientConn.SetDeadline(deadline)
	defer clientConn.SetDeadline(time.Time{})

	if err := rt.Gate.Authenticate(rt.Realm, req.Header.Get("Authorization")); err != nil {
		challenge := &basicauth.ChallengeError{Realm: rt.Realm}
		errors.As(err, &challenge)
		rt.logger().Info("Rejected request",
			"port", rt.ListenPort, "realm", rt.Realm,
			"method", req.Method, "path", req.URL.Path, "client", clientConn.RemoteAddr())
		// Drain the body so the next request starts at a frame boundary.
		if !discardBody(req) {
			return false
		}
		return writeChallenge(clientConn, challenge.Realm, clientKeep) && clientKeep
	}

	reqCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	upstream, err := rt.Pool.Acquire(reqCtx)
	if err != nil {
		rt.logger().Warn("Upstream acquisition failed", "port", rt.ListenPort, "upstream", rt.Pool.Addr(), "error", err)
		if !discardBody(req) {
			return false
		}
		return writeStatus(clientConn, http.StatusServiceUnavailable, nil, clientKeep) && clientKeep
	}

	status, upstreamOK, clientOK := rt.exchange(clientConn, upstream, req, deadline)
	rt.Pool.Release(upstream, upstreamOK)
	rt.logger().Debug("Proxied request",
		"port", rt.ListenPort, "upstream", rt.Pool.Addr(),
		"method", req.Method, "path", req.URL.Path,
		"status", status, "duration", time.Since(start))
	return clientOK && clientKeep
}

// exchange forwards req over upstream and relays the response to
// clientConn. It reports the relayed status (0 if none), whether upstream
// can be reused, and whether clientConn is still in a usable state.
func (rt *Route) exchange(clientConn net.Conn, upstream *connpool.Conn, req *http.Request, deadline time.Time) (status int, upstreamOK, clientOK bool) {
	upstream.SetDeadline(deadline)
	defer upstream.SetDeadline(time.Time{})

	clientKeep := !req.Close
	outReq := req.Clone(req.Context())
	outReq.RequestURI = ""
	stripHopByHop(outReq.Header)
	// Ask the upstream to leave the connection open for the next borrower.
	outReq.Header.Set("Connection", "keep-alive")
	outReq.Close = false

	if err := outReq.Write(upstream); err != nil {
		// The client body may be half-consumed, so the client connection
		// cannot be reused either way.
		writeStatus(clientConn, http.StatusBadGateway, nil, false)
		return http.StatusBadGateway, false, false
	}

	resp, err := http.ReadResponse(upstream.Reader(), outReq)
	if err != nil {
		writeStatus(clientConn, http.StatusBadGateway, nil, clientKeep)
		return http.StatusBadGateway, false, clientKeep
	}
	defer resp.Body.Close()

	upstreamKeep := !resp.Close
	stripHopByHop(resp.Header)
	// Response headers go out as soon as they arrive and the body is
	// streamed; Write copies it without buffering the whole payload.
	resp.Close = resp.Close || !clientKeep
	if err := resp.Write(clientConn); err != nil {
		// Mid-stream failure: headers are out, so abort both sides.
		return resp.StatusCode, false, false
	}
	// Anything still buffered past the response body means the upstream
	// broke framing; do not let the next borrower see it.
	if upstream.Reader().Buffered() > 0 {
		upstreamKeep = false
	}
	// resp.Close also covers close-delimited bodies: the client was told
	// Connection: close, so the session ends here.
	return resp.StatusCode, upstreamKeep, !resp.Close
}

// discardBody drains the remaining request body so the connection is
// positioned at the next request. It reports whether draining succeeded.
func discardBody(req *http.Request) bool {
	if req.Body == nil {
		return true
	}
	_, err := io.Copy(io.Discard, req.Body)
	req.Body.Close()
	return err == nil
}

// hopByHopHeaders are connection-scoped and must not travel end to end.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Upgrade",
}

func stripHopByHop(header http.Header) {
	for _, name := range header.Values("Connection") {
		for _, token := range strings.Split(name, ",") {
			if token = strings.TrimSpace(token); token != "" {
				header.Del(token)
			}
		}
	}
	for _, name := range hopByHopHeaders {
		header.Del(name)
	}
}

// writeChallenge sends a 401 with a Basic challenge naming realm.
func writeChallenge(w io.Writer, realm string, keepAlive bool) bool {
	header := http.Header{}
	header.Set("WWW-Authenticate", fmt.Sprintf("Basic realm=%q", realm))
	return writeStatus(w, http.StatusUnauthorized, header, keepAlive)
}

// writeStatus sends a minimal HTTP/1.1 response generated by the proxy
// itself. It reports whether the write succeeded.
func writeStatus(w io.Writer, status int, header http.Header, keepAlive bool) bool {
	if header == nil {
		header = http.Header{}
	}
	body := http.StatusText(status) + "\n"
	resp := &http.Response{
		StatusCode:    status,
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: int64(len(body)),
		Close:         !keepAlive,
	}
	return resp.Write(w) == nil
}
