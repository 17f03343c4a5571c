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

// Package server provides an HTTPS server whose certificates and trust
// settings follow the files they were loaded from. New connections always
// use the most recently loaded credentials; connections that are already
// established keep the ones they were accepted with.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/ghostunnel/tlsreload/certloader"
	"github.com/ghostunnel/tlsreload/reload"
	"github.com/ghostunnel/tlsreload/socket"
	"github.com/ghostunnel/tlsreload/watcher"
	"golang.org/x/net/http2"
)

// Server is an HTTPS server with hot-reloaded credentials.
type Server struct {
	store  *certloader.Store
	ctrl   *reload.Controller
	http   *http.Server
	logger reload.Logger

	// Protocols announced via ALPN when a snapshot doesn't set its own.
	nextProtos []string
	alpn       atomic.Pointer[alpnConfig]

	closeOnce sync.Once
	closeErr  error
}

// New builds the initial snapshot with factory and starts watching paths.
// If the initial build fails, its error (a *certloader.ContextBuildError for
// file based factories) is returned and nothing is started.
func New(factory certloader.Factory, paths []string, handler http.Handler, opts ...Option) (*Server, error) {
	o := newOptions(opts)
	if o.pathsSet {
		paths = o.paths
	}

	snapshot, err := factory()
	if err != nil {
		return nil, err
	}
	if snapshot == nil {
		return nil, errors.New("factory returned no snapshot")
	}
	o.logger.Infof("loaded certificate %s", snapshot.Identifier())

	store := certloader.NewStore(snapshot)
	w, err := newWatcher(o, paths)
	if err != nil {
		return nil, err
	}

	ctrl := reload.New(factory, store, w, paths, reload.Options{
		Debounce: o.debounce,
		Logger:   o.logger,
		Clock:    o.clock,
		Status:   o.status,
	})

	httpServer := &http.Server{Handler: handler}
	for _, fn := range o.configure {
		fn(httpServer)
	}
	if err := http2.ConfigureServer(httpServer, &http2.Server{}); err != nil {
		_ = ctrl.Close()
		return nil, err
	}

	return &Server{
		store:      store,
		ctrl:       ctrl,
		http:       httpServer,
		logger:     o.logger,
		nextProtos: httpServer.TLSConfig.NextProtos,
	}, nil
}

// NewFromCredentials is like New, with snapshots built from creds. Unless
// WithPaths is given, every file referenced by creds is watched. Snapshots
// are stamped with the WithClock clock.
func NewFromCredentials(creds certloader.Credentials, handler http.Handler, opts ...Option) (*Server, error) {
	o := newOptions(opts)
	if o.base != nil {
		creds.Base = o.base
	}
	if creds.Clock == nil {
		creds.Clock = o.clock
	}
	return New(creds.Factory(), creds.Paths(), handler, opts...)
}

func newWatcher(o *options, paths []string) (watcher.Watcher, error) {
	if o.watcher != nil {
		return o.watcher, nil
	}
	if len(paths) == 0 {
		return nil, nil
	}
	if o.pollInterval > 0 {
		return watcher.NewPoll(o.clock, o.pollInterval), nil
	}

	w, err := watcher.NewNotify()
	if err != nil {
		o.logger.Infof("unable to use file system notifications, polling every %s: %s", watcher.DefaultPollInterval, err)
		return watcher.NewPoll(o.clock, watcher.DefaultPollInterval), nil
	}
	return w, nil
}

// alpnConfig is a snapshot config with the server's ALPN protocols added.
type alpnConfig struct {
	snapshot *certloader.Snapshot
	config   *tls.Config
}

// GetServerConfig returns the TLS configuration new connections should use.
// The same *tls.Config is returned for as long as a snapshot is active, so
// session tickets issued by one connection can be resumed by the next.
func (s *Server) GetServerConfig() *tls.Config {
	snapshot := s.store.Load()
	config := snapshot.GetServerConfig()
	if len(config.NextProtos) > 0 || len(s.nextProtos) == 0 {
		return config
	}
	if cached := s.alpn.Load(); cached != nil && cached.snapshot == snapshot {
		return cached.config
	}

	config = config.Clone()
	config.NextProtos = s.nextProtos
	s.alpn.Store(&alpnConfig{snapshot: snapshot, config: config})
	return config
}

// Serve accepts connections on listener, terminates TLS with the active
// snapshot and serves HTTP. It returns nil once the server was closed.
func (s *Server) Serve(listener net.Listener) error {
	err := s.http.Serve(certloader.NewListener(listener, s))
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// ListenAndServe opens address (see socket.ParseAddress for the accepted
// forms) and serves on it.
func (s *Server) ListenAndServe(address string) error {
	listener, err := socket.ParseAndOpen(address)
	if err != nil {
		return err
	}
	return s.Serve(listener)
}

// Close stops watching for changes and closes all listeners and
// connections immediately.
func (s *Server) Close() error {
	s.shutdownReloads()
	if err := s.http.Close(); err != nil {
		return err
	}
	return s.closeErr
}

// Shutdown stops watching for changes and gracefully shuts down the HTTP
// server, waiting for active connections until ctx is done.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdownReloads()
	if err := s.http.Shutdown(ctx); err != nil {
		return err
	}
	return s.closeErr
}

func (s *Server) shutdownReloads() {
	s.closeOnce.Do(func() {
		s.closeErr = s.ctrl.Close()
	})
}

// Snapshot returns the active snapshot.
func (s *Server) Snapshot() *certloader.Snapshot {
	return s.store.Load()
}

// Reload rebuilds the snapshot immediately.
func (s *Server) Reload() error {
	return s.ctrl.Reload()
}

// LastError returns the error of the most recent failed reload, or nil.
func (s *Server) LastError() error {
	return s.ctrl.LastError()
}

// WatchedPaths returns the paths currently being watched.
func (s *Server) WatchedPaths() []string {
	return s.ctrl.WatchedPaths()
}
