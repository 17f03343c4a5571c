/*-
 * Copyright 2018 Square Inc.
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

package certloader

import (
	"crypto/tls"
	"sync/atomic"
)

// TLSServerConfig is anything that can hand out the TLS configuration to use
// for a newly accepted connection.
type TLSServerConfig interface {
	// GetServerConfig returns a TLS configuration for use as a TLS server. It
	// is safe to call concurrently.
	GetServerConfig() *tls.Config
}

// Store holds the active snapshot. Readers always see either the previous
// or the new snapshot, never a partially built one.
type Store struct {
	active atomic.Pointer[Snapshot]
}

// NewStore creates a store with an initial snapshot.
func NewStore(initial *Snapshot) *Store {
	s := &Store{}
	s.active.Store(initial)
	return s
}

// Load returns the active snapshot.
func (s *Store) Load() *Snapshot {
	return s.active.Load()
}

// Swap installs a new snapshot and returns the one it replaced.
func (s *Store) Swap(next *Snapshot) *Snapshot {
	return s.active.Swap(next)
}

// GetServerConfig returns the TLS configuration of the active snapshot.
func (s *Store) GetServerConfig() *tls.Config {
	return s.active.Load().GetServerConfig()
}

// GetCertificate returns the certificate of the active snapshot.
// Can be used for tls.Config's GetCertificate callback.
func (s *Store) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	return s.active.Load().Certificate(), nil
}

// GetConfigForClient returns the TLS configuration of the active snapshot.
// Can be used for tls.Config's GetConfigForClient callback.
func (s *Store) GetConfigForClient(*tls.ClientHelloInfo) (*tls.Config, error) {
	return s.active.Load().GetServerConfig(), nil
}
