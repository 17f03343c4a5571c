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
	"crypto/x509"
	"encoding/pem"

	"github.com/pkg/errors"
	pkcs12 "software.sslmate.com/src/go-pkcs12"
)

// loadKeyPair parses a PEM certificate chain and private key. The key may be
// in the same buffer as the chain.
func loadKeyPair(certPEM, keyPEM []byte) (tls.Certificate, error) {
	certAndKey, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return tls.Certificate{}, err
	}

	certAndKey.Leaf, err = x509.ParseCertificate(certAndKey.Certificate[0])
	if err != nil {
		return tls.Certificate{}, err
	}
	return certAndKey, nil
}

// loadKeystore decodes a PKCS#12 keystore holding a private key, its leaf
// certificate, and optionally intermediates.
func loadKeystore(data []byte, password string) (tls.Certificate, error) {
	key, leaf, chain, err := pkcs12.DecodeChain(data, password)
	if err != nil {
		return tls.Certificate{}, errors.Wrap(err, "unable to decode keystore")
	}

	var certPEM []byte
	for _, cert := range append([]*x509.Certificate{leaf}, chain...) {
		certPEM = append(certPEM, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})...)
	}

	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return tls.Certificate{}, errors.Wrap(err, "unsupported private key in keystore")
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})

	return loadKeyPair(certPEM, keyPEM)
}
