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

package certloader

import (
	"crypto/tls"
	"crypto/x509"

	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
)

// Factory builds a new snapshot from the current credential material. It is
// called once at startup and again on every reload.
type Factory func() (*Snapshot, error)

// Credentials describes where TLS server material comes from. Either a
// keystore or a certificate chain must be set. Key may be left empty if the
// certificate source also contains the private key. CA and CRL are optional.
type Credentials struct {
	Key      Source
	Cert     Source
	CA       Source
	CRL      Source
	Keystore Source

	// Password for keystore (may be empty)
	KeystorePassword string

	// Base configuration cloned into every snapshot (may be nil)
	Base *tls.Config

	// Clock stamps the load time of snapshots (nil means the real clock)
	Clock clockwork.Clock
}

// Paths returns the path-valued sources, in the order key, certificate, CA
// bundle, CRL, keystore. Sources given as bytes or left unset are skipped.
func (c Credentials) Paths() []string {
	var paths []string
	for _, source := range []Source{c.Key, c.Cert, c.CA, c.CRL, c.Keystore} {
		if source.IsPath() {
			paths = append(paths, source.Path)
		}
	}
	return paths
}

// Factory returns a Factory that re-reads every source on each call.
func (c Credentials) Factory() Factory {
	return c.Load
}

// Load reads all sources and builds a snapshot. Errors are always of type
// *ContextBuildError.
func (c Credentials) Load() (*Snapshot, error) {
	var (
		cert tls.Certificate
		err  error
	)

	if !c.Keystore.IsZero() {
		cert, err = c.loadKeystore()
	} else {
		cert, err = c.loadPEM()
	}
	if err != nil {
		return nil, err
	}

	var clientCAs *x509.CertPool
	if !c.CA.IsZero() {
		data, err := c.CA.Read()
		if err != nil {
			return nil, buildError(c.CA.String(), err)
		}
		clientCAs, err = loadTrustStore(data)
		if err != nil {
			return nil, buildError(c.CA.String(), err)
		}
	}

	var crl *x509.RevocationList
	if !c.CRL.IsZero() {
		data, err := c.CRL.Read()
		if err != nil {
			return nil, buildError(c.CRL.String(), err)
		}
		crl, err = loadRevocationList(data)
		if err != nil {
			return nil, buildError(c.CRL.String(), err)
		}
	}

	clock := c.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	snapshot, err := newSnapshot(cert, clientCAs, crl, c.Base, clock.Now())
	if err != nil {
		return nil, buildError("certificate", err)
	}
	return snapshot, nil
}

func (c Credentials) loadKeystore() (tls.Certificate, error) {
	data, err := c.Keystore.Read()
	if err != nil {
		return tls.Certificate{}, buildError(c.Keystore.String(), err)
	}
	cert, err := loadKeystore(data, c.KeystorePassword)
	if err != nil {
		return tls.Certificate{}, buildError(c.Keystore.String(), err)
	}
	return cert, nil
}

func (c Credentials) loadPEM() (tls.Certificate, error) {
	if c.Cert.IsZero() {
		return tls.Certificate{}, buildError("certificate", errors.New("no certificate or keystore configured"))
	}

	certPEM, err := c.Cert.Read()
	if err != nil {
		return tls.Certificate{}, buildError(c.Cert.String(), err)
	}

	keyPEM := certPEM
	if !c.Key.IsZero() {
		keyPEM, err = c.Key.Read()
		if err != nil {
			return tls.Certificate{}, buildError(c.Key.String(), err)
		}
	}

	cert, err := loadKeyPair(certPEM, keyPEM)
	if err != nil {
		return tls.Certificate{}, buildError(c.Cert.String(), err)
	}
	return cert, nil
}

// StaticFactory returns a Factory that always yields the same snapshot.
func StaticFactory(snapshot *Snapshot) Factory {
	return func() (*Snapshot, error) {
		return snapshot, nil
	}
}

// FactoryFromConfig adapts a function returning a *tls.Config into a
// Factory. The first entry of Certificates is served; ClientCAs and the rest
// of the config are carried over.
func FactoryFromConfig(fn func() (*tls.Config, error)) Factory {
	return func() (*Snapshot, error) {
		config, err := fn()
		if err != nil {
			return nil, buildError("factory", err)
		}
		if config == nil || len(config.Certificates) == 0 {
			return nil, buildError("factory", errors.New("config has no certificates"))
		}
		snapshot, err := NewSnapshot(config.Certificates[0], config.ClientCAs, nil, config)
		if err != nil {
			return nil, buildError("factory", err)
		}
		return snapshot, nil
	}
}
