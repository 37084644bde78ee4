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

package connpool

import (
	"context"
	"net"
)

// StreamDialer provides a way to establish stream connections to an upstream.
// Name resolution and any TLS wrapping happen behind this interface; the pool
// only ever sees plain [net.Conn] streams.
type StreamDialer interface {
	// DialStream connects to `raddr`.
	// `raddr` has the form `host:port`, where `host` can be a domain name or IP address.
	DialStream(ctx context.Context, raddr string) (net.Conn, error)
}

// TCPDialer is a [StreamDialer] that connects over TCP.
type TCPDialer struct {
	// The base dialer used on DialStream.
	Dialer net.Dialer
}

var _ StreamDialer = (*TCPDialer)(nil)

// DialStream implements [StreamDialer].DialStream with TCP.
func (d *TCPDialer) DialStream(ctx context.Context, raddr string) (net.Conn, error) {
	return d.Dialer.DialContext(ctx, "tcp", raddr)
}
