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
	"crypto/x509"
	"encoding/pem"
	"os"

	"github.com/pkg/errors"
)

// Source is one piece of credential material, given either as a path on
// disk or as raw bytes. Path-valued sources are re-read on every Read call.
type Source struct {
	Path string
	Data []byte
}

// FromFile returns a path-valued source.
func FromFile(path string) Source {
	return Source{Path: path}
}

// FromBytes returns a source holding the given bytes.
func FromBytes(data []byte) Source {
	return Source{Data: data}
}

// IsZero reports whether the source was left unset.
func (s Source) IsZero() bool {
	return s.Path == "" && len(s.Data) == 0
}

// IsPath reports whether the source is backed by a file.
func (s Source) IsPath() bool {
	return s.Path != ""
}

// Read returns the current contents of the source.
func (s Source) Read() ([]byte, error) {
	if s.Path == "" {
		return s.Data, nil
	}
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (s Source) String() string {
	if s.Path != "" {
		return s.Path
	}
	return "<inline>"
}

func readPEM(data []byte) []*pem.Block {
	var blocks []*pem.Block
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			return blocks
		}
		blocks = append(blocks, block)
	}
}

// loadTrustStore parses a PEM bundle of CA certificates.
func loadTrustStore(data []byte) (*x509.CertPool, error) {
	bundle := x509.NewCertPool()
	if ok := bundle.AppendCertsFromPEM(data); !ok {
		return nil, errors.New("unable to read certificates from CA bundle")
	}
	return bundle, nil
}

// loadRevocationList parses a CRL in either PEM or DER form.
func loadRevocationList(data []byte) (*x509.RevocationList, error) {
	for _, block := range readPEM(data) {
		if block.Type == "X509 CRL" {
			data = block.Bytes
			break
		}
	}
	crl, err := x509.ParseRevocationList(data)
	if err != nil {
		return nil, errors.Wrap(err, "unable to parse revocation list")
	}
	return crl, nil
}
