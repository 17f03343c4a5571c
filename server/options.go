/*-
 * Copyright 2026 Square Inc.
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

package server

import (
	"crypto/tls"
	"net/http"
	"time"

	"github.com/ghostunnel/tlsreload/reload"
	"github.com/ghostunnel/tlsreload/watcher"
	"github.com/jonboulle/clockwork"
)

// Option configures a Server.
type Option func(*options)

type options struct {
	debounce     time.Duration
	logger       reload.Logger
	watcher      watcher.Watcher
	pollInterval time.Duration
	clock        clockwork.Clock
	paths        []string
	pathsSet     bool
	status       reload.Status
	base         *tls.Config
	configure    []func(*http.Server)
}

func newOptions(opts []Option) *options {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = reload.NopLogger
	}
	if o.clock == nil {
		o.clock = clockwork.NewRealClock()
	}
	return o
}

// WithDebounce sets the quiet window after the last file change before
// credentials are reloaded. Zero or negative means reload.DefaultDebounce.
func WithDebounce(d time.Duration) Option {
	return func(o *options) { o.debounce = d }
}

// WithLogger sets the logger used by the server and its reload controller.
func WithLogger(logger reload.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithWatcher replaces the default file watcher. The server takes
// ownership of it.
func WithWatcher(w watcher.Watcher) Option {
	return func(o *options) { o.watcher = w }
}

// WithPollInterval switches from file system notifications to polling the
// watched files on the given interval.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) { o.pollInterval = d }
}

// WithClock sets the clock used for debouncing and polling.
func WithClock(clock clockwork.Clock) Option {
	return func(o *options) { o.clock = clock }
}

// WithPaths overrides the set of watched paths.
func WithPaths(paths []string) Option {
	return func(o *options) {
		o.paths = paths
		o.pathsSet = true
	}
}

// WithStatus registers a hook that is told about reloads.
func WithStatus(status reload.Status) Option {
	return func(o *options) { o.status = status }
}

// WithBaseConfig sets the TLS settings every snapshot built by
// NewFromCredentials starts from.
func WithBaseConfig(base *tls.Config) Option {
	return func(o *options) { o.base = base }
}

// WithHTTPServer lets callers adjust the underlying http.Server, for example
// to set timeouts or an error log.
func WithHTTPServer(fn func(*http.Server)) Option {
	return func(o *options) { o.configure = append(o.configure, fn) }
}
