/*-
 * Copyright 2015 Square Inc.
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
	"encoding/json"
	"net"
	"net/http"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/ghostunnel/tlsreload/certloader"
	certigo "github.com/square/certigo/lib"
)

// reloadState is what the status page reports about certificates.
type reloadState interface {
	Snapshot() *certloader.Snapshot
	LastError() error
	WatchedPaths() []string
}

type statusHandler struct {
	// Mutex for locking
	mu *sync.Mutex
	// Backend dialer to check if target is up and running
	dial func() (net.Conn, error)
	// Certificate state, set once the server is up
	server reloadState
	// Current status
	listening bool
	reloading bool
}

type statusResponse struct {
	Ok              bool        `json:"ok"`
	Status          string      `json:"status"`
	BackendOk       bool        `json:"backend_ok"`
	BackendStatus   string      `json:"backend_status"`
	BackendError    string      `json:"backend_error,omitempty"`
	Time            time.Time   `json:"time"`
	Hostname        string      `json:"hostname,omitempty"`
	Message         string      `json:"message"`
	Revision        string      `json:"revision"`
	Compiler        string      `json:"compiler"`
	Certificate     interface{} `json:"certificate,omitempty"`
	LoadedAt        *time.Time  `json:"loaded_at,omitempty"`
	LastReloadError string      `json:"last_reload_error,omitempty"`
	WatchedPaths    []string    `json:"watched_paths,omitempty"`
}

func newStatusHandler(dial func() (net.Conn, error)) *statusHandler {
	return &statusHandler{mu: &sync.Mutex{}, dial: dial}
}

func (s *statusHandler) setServer(server reloadState) {
	s.mu.Lock()
	s.server = server
	s.mu.Unlock()
}

func (s *statusHandler) Listening() {
	s.mu.Lock()
	s.listening = true
	s.reloading = false
	status := s.describe()
	s.mu.Unlock()
	systemdNotifyServing(status)
}

// describe summarizes the served certificate for the service manager.
// Callers hold s.mu.
func (s *statusHandler) describe() string {
	if s.server == nil {
		return "listening"
	}
	status := "serving " + s.server.Snapshot().Identifier()
	if err := s.server.LastError(); err != nil {
		status += ", last reload failed: " + err.Error()
	}
	return status
}

func (s *statusHandler) Reloading() {
	s.mu.Lock()
	s.reloading = true
	s.mu.Unlock()
	systemdNotifyReloading()
}

func (s *statusHandler) isHealthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listening
}

func (s *statusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Time:     time.Now(),
		Revision: version,
		Compiler: runtime.Version(),
	}

	conn, err := s.dial()
	resp.BackendOk = err == nil

	if resp.BackendOk {
		conn.Close()
		resp.BackendStatus = "ok"
	} else {
		resp.BackendError = err.Error()
		resp.BackendStatus = "critical"
	}

	s.mu.Lock()
	resp.Ok = s.listening && resp.BackendOk
	if !s.listening {
		resp.Message = "initializing"
	} else if s.reloading {
		resp.Message = "reloading"
	} else {
		resp.Message = "listening"
	}
	server := s.server
	s.mu.Unlock()

	if server != nil {
		snapshot := server.Snapshot()
		if leaf := snapshot.Leaf(); leaf != nil {
			resp.Certificate = certigo.EncodeX509ToObject(leaf)
		}
		loadedAt := snapshot.LoadedAt()
		resp.LoadedAt = &loadedAt
		if err := server.LastError(); err != nil {
			resp.LastReloadError = err.Error()
		}
		resp.WatchedPaths = server.WatchedPaths()
	}

	if resp.Ok {
		resp.Status = "ok"
	} else {
		resp.Status = "critical"
	}

	hostname, err := os.Hostname()
	if err == nil {
		resp.Hostname = hostname
	}

	out, err := json.Marshal(resp)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if !resp.Ok {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_, _ = w.Write(out)
}
