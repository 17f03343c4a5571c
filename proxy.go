/*-
 * Copyright 2017 Square Inc.
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

package main

import (
	"context"
	"log"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/ghostunnel/tlsreload/socket"
	"github.com/pkg/errors"
	metrics "github.com/rcrowley/go-metrics"
)

var (
	requestTimer        = metrics.GetOrRegisterTimer("proxy.request", metrics.DefaultRegistry)
	backendErrorCounter = metrics.GetOrRegisterCounter("proxy.backend.error", metrics.DefaultRegistry)
)

// backend is the plain HTTP service we proxy to.
type backend struct {
	url     *url.URL
	network string
	address string
}

// newBackend parses the target. It can be a URL (http://HOST:PORT), a bare
// HOST:PORT or unix:PATH for a UNIX socket.
func newBackend(target string) (*backend, error) {
	if strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://") {
		u, err := url.Parse(target)
		if err != nil {
			return nil, err
		}
		if u.Host == "" {
			return nil, errors.Errorf("missing host in %s", target)
		}
		address := u.Host
		if u.Port() == "" {
			port := "80"
			if u.Scheme == "https" {
				port = "443"
			}
			address = net.JoinHostPort(u.Hostname(), port)
		}
		return &backend{url: u, network: "tcp", address: address}, nil
	}

	network, address, _, err := socket.ParseAddress(target, true)
	if err != nil {
		return nil, err
	}
	if network != "tcp" && network != "unix" {
		return nil, errors.Errorf("unsupported target network %s", network)
	}

	u := &url.URL{Scheme: "http", Host: address}
	if network == "unix" {
		// Placeholder, requests are dialed on the socket.
		u.Host = "localhost"
	}
	return &backend{url: u, network: network, address: address}, nil
}

func (b *backend) dial() (net.Conn, error) {
	return net.DialTimeout(b.network, b.address, time.Second)
}

// proxy returns a reverse proxy handler to the backend.
func (b *backend) proxy(logger *log.Logger) http.Handler {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if b.network == "unix" {
		dialer := &net.Dialer{Timeout: 30 * time.Second}
		transport.DialContext = func(ctx context.Context, _, _ string) (net.Conn, error) {
			return dialer.DialContext(ctx, b.network, b.address)
		}
	}

	proxy := httputil.NewSingleHostReverseProxy(b.url)
	proxy.Transport = transport
	proxy.ErrorLog = logger
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		backendErrorCounter.Inc(1)
		logger.Printf("error proxying request for %s: %s", r.RemoteAddr, err)
		w.WriteHeader(http.StatusBadGateway)
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		defer requestTimer.UpdateSince(start)
		proxy.ServeHTTP(w, r)
	})
}
