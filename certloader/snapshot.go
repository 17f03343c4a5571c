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
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// Snapshot is an immutable bundle of TLS server material. It is never
// modified once built; a reload produces a new Snapshot.
type Snapshot struct {
	certificate *tls.Certificate
	clientCAs   *x509.CertPool
	crl         *x509.RevocationList
	revoked     map[string]struct{}
	loadedAt    time.Time
	config      *tls.Config
}

// NewSnapshot builds a snapshot serving the given certificate. The client CA
// pool and revocation list may be nil. The base config is cloned and never
// modified.
func NewSnapshot(cert tls.Certificate, clientCAs *x509.CertPool, crl *x509.RevocationList, base *tls.Config) (*Snapshot, error) {
	return newSnapshot(cert, clientCAs, crl, base, time.Now())
}

func newSnapshot(cert tls.Certificate, clientCAs *x509.CertPool, crl *x509.RevocationList, base *tls.Config, loadedAt time.Time) (*Snapshot, error) {
	if len(cert.Certificate) == 0 {
		return nil, errors.New("no certificates found")
	}
	if cert.PrivateKey == nil {
		return nil, errors.New("certificate has no private key")
	}
	if cert.Leaf == nil {
		leaf, err := x509.ParseCertificate(cert.Certificate[0])
		if err != nil {
			return nil, errors.Wrap(err, "unable to parse leaf certificate")
		}
		cert.Leaf = leaf
	}

	s := &Snapshot{
		certificate: &cert,
		clientCAs:   clientCAs,
		crl:         crl,
		loadedAt:    loadedAt,
	}
	if crl != nil {
		s.revoked = make(map[string]struct{}, len(crl.RevokedCertificateEntries))
		for _, entry := range crl.RevokedCertificateEntries {
			s.revoked[entry.SerialNumber.String()] = struct{}{}
		}
	}
	s.config = s.buildConfig(base)
	return s, nil
}

func (s *Snapshot) buildConfig(base *tls.Config) *tls.Config {
	var config *tls.Config
	if base == nil {
		config = &tls.Config{MinVersion: tls.VersionTLS12}
	} else {
		config = base.Clone()
	}

	config.Certificates = []tls.Certificate{*s.certificate}
	config.GetCertificate = nil
	config.GetConfigForClient = nil

	if s.clientCAs != nil {
		config.ClientCAs = s.clientCAs
		if config.ClientAuth == tls.NoClientCert {
			config.ClientAuth = tls.RequireAndVerifyClientCert
		}
	}
	if s.crl != nil {
		config.VerifyPeerCertificate = s.verifyNotRevoked
	}
	return config
}

// verifyNotRevoked rejects peers whose certificate (or any intermediate in a
// verified chain) appears on the revocation list.
func (s *Snapshot) verifyNotRevoked(rawCerts [][]byte, verifiedChains [][]*x509.Certificate) error {
	for _, chain := range verifiedChains {
		for _, cert := range chain {
			if s.isRevoked(cert) {
				return fmt.Errorf("certificate with serial %s has been revoked", cert.SerialNumber)
			}
		}
	}
	if len(verifiedChains) > 0 {
		return nil
	}
	for _, raw := range rawCerts {
		cert, err := x509.ParseCertificate(raw)
		if err != nil {
			return err
		}
		if s.isRevoked(cert) {
			return fmt.Errorf("certificate with serial %s has been revoked", cert.SerialNumber)
		}
	}
	return nil
}

func (s *Snapshot) isRevoked(cert *x509.Certificate) bool {
	if !bytes.Equal(cert.RawIssuer, s.crl.RawIssuer) {
		return false
	}
	_, ok := s.revoked[cert.SerialNumber.String()]
	return ok
}

// Certificate returns the certificate and private key being served.
func (s *Snapshot) Certificate() *tls.Certificate {
	return s.certificate
}

// Leaf returns the parsed leaf certificate.
func (s *Snapshot) Leaf() *x509.Certificate {
	return s.certificate.Leaf
}

// ClientCAs returns the pool used to verify clients, or nil.
func (s *Snapshot) ClientCAs() *x509.CertPool {
	return s.clientCAs
}

// RevocationList returns the loaded CRL, or nil.
func (s *Snapshot) RevocationList() *x509.RevocationList {
	return s.crl
}

// LoadedAt returns the time the snapshot was built.
func (s *Snapshot) LoadedAt() time.Time {
	return s.loadedAt
}

// Identifier returns a short human-readable description of the served
// certificate, suitable for log lines.
func (s *Snapshot) Identifier() string {
	leaf := s.certificate.Leaf
	return fmt.Sprintf("CN=%s serial=%s expires=%s", leaf.Subject.CommonName, leaf.SerialNumber, leaf.NotAfter.Format(time.RFC3339))
}

// GetServerConfig returns the TLS configuration for this snapshot. The
// returned config is shared and must not be modified.
func (s *Snapshot) GetServerConfig() *tls.Config {
	return s.config
}
