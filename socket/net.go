/*-
 * Copyright 2019 Square Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package socket

import (
	"net"
	"strings"
	"time"

	reuseport "github.com/kavu/go_reuseport"
	proxyproto "github.com/pires/go-proxyproto"
)

// ProxyHeaderTimeout bounds how long a listener wrapped with
// WithProxyProtocol waits for the PROXY header of a new connection.
var ProxyHeaderTimeout = 10 * time.Second

// ParseAddress parses a string representing a TCP address or UNIX socket
// to listen on. The input can be of the form "HOST:PORT" for a TCP socket,
// "unix:PATH" for a UNIX socket, and "systemd:NAME" for a socket provided
// by systemd for socket activation. Unless skipResolve is set, the host of
// a TCP address must resolve.
func ParseAddress(input string, skipResolve bool) (network, address, host string, err error) {
	if strings.HasPrefix(input, "systemd:") {
		network = "systemd"
		address = input[8:]
		return
	}

	if strings.HasPrefix(input, "unix:") {
		network = "unix"
		address = input[5:]
		return
	}

	host, _, err = net.SplitHostPort(input)
	if err != nil {
		return
	}

	if !skipResolve {
		// Make sure the address resolves
		_, err = net.ResolveTCPAddr("tcp", input)
		if err != nil {
			return
		}
	}

	network, address = "tcp", input
	return
}

// ParseHTTPAddress parses the address of an HTTP endpoint, such as the
// status port. A missing scheme means HTTPS.
func ParseHTTPAddress(input string) (https bool, address string) {
	if strings.HasPrefix(input, "https://") {
		return true, input[8:]
	}
	if strings.HasPrefix(input, "http://") {
		return false, input[7:]
	}
	return true, input
}

// Open a listening socket with the given network and address.
// Supports 'unix', 'tcp' and 'systemd' as the network.
//
// For 'tcp' sockets, the address must be a host and a port. The
// opened socket will be bound with SO_REUSEPORT, so that a new
// process can bind the same port before the old one has drained.
//
// For 'unix' sockets, the address must be a path. The socket file
// will be set to unlink on close automatically.
//
// For 'systemd' sockets, the address must be the name of the socket.
// In the systemd unit file, the FileDescriptorName option must be
// set and needs to match the address string.
func Open(network, address string) (net.Listener, error) {
	switch network {
	case "systemd":
		return systemdSocket(address)
	case "unix":
		listener, err := net.Listen(network, address)
		if err != nil {
			return nil, err
		}
		listener.(*net.UnixListener).SetUnlinkOnClose(true)
		return listener, nil
	default:
		return reuseport.NewReusablePortListener(network, address)
	}
}

// ParseAndOpen combines the functionality of the ParseAddress and Open methods.
func ParseAndOpen(address string) (net.Listener, error) {
	net, addr, _, err := ParseAddress(address, false)
	if err != nil {
		return nil, err
	}
	return Open(net, addr)
}

// WithProxyProtocol wraps a listener so that connections are expected to
// start with a PROXY protocol (v1 or v2) header, as sent by load balancers
// such as HAProxy or AWS NLB. The remote address of accepted connections is
// taken from the header.
func WithProxyProtocol(listener net.Listener) net.Listener {
	return &proxyproto.Listener{
		Listener:          listener,
		ReadHeaderTimeout: ProxyHeaderTimeout,
	}
}
