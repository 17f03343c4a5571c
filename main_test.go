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
	"context"
	"crypto/tls"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/ghostunnel/tlsreload/internal/certtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func unixClient(path string) *http.Client {
	return &http.Client{
		Timeout: 5 * time.Second,
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", path)
			},
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		},
	}
}

func servedName(path string) (string, error) {
	conn, err := tls.Dial("unix", path, &tls.Config{InsecureSkipVerify: true})
	if err != nil {
		return "", err
	}
	defer conn.Close()
	return conn.ConnectionState().PeerCertificates[0].Subject.CommonName, nil
}

func TestRunReloadsCertificates(t *testing.T) {
	ca := certtest.NewAuthority(t, "root")
	first := ca.Issue(t, "first")
	dir := t.TempDir()
	certPath := certtest.WriteFile(t, dir, "cert.pem", first.CertPEM)
	keyPath := certtest.WriteFile(t, dir, "key.pem", first.KeyPEM)
	listenPath := filepath.Join(dir, "proxy.sock")
	statusPath := filepath.Join(dir, "status.sock")

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "backend")
	}))
	defer backend.Close()

	signals := make(chan os.Signal, 1)
	done := make(chan error, 1)
	go func() {
		done <- run([]string{
			"--listen", "unix:" + listenPath,
			"--target", backend.URL,
			"--cert", certPath,
			"--key", keyPath,
			"--status", "http://unix:" + statusPath,
			"--debounce", "50ms",
			"--disable-landlock",
		}, signals)
	}()

	proxy := unixClient(listenPath)
	assert.Eventually(t, func() bool {
		resp, err := proxy.Get("https://localhost/")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return resp.StatusCode == http.StatusOK && string(body) == "backend"
	}, 10*time.Second, 50*time.Millisecond)

	status := unixClient(statusPath)
	resp, err := status.Get("http://localhost/_status")
	require.NoError(t, err)
	var statusResp statusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&statusResp))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "listening", statusResp.Message)
	assert.Equal(t, []string{keyPath, certPath}, statusResp.WatchedPaths)

	for _, path := range []string{"/_metrics", "/_prometheus"} {
		resp, err := status.Get("http://localhost" + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}

	second := ca.Issue(t, "second")
	certtest.ReplaceFile(t, certPath, second.CertPEM)
	certtest.ReplaceFile(t, keyPath, second.KeyPEM)
	assert.Eventually(t, func() bool {
		name, err := servedName(listenPath)
		return err == nil && name == "second"
	}, 10*time.Second, 50*time.Millisecond)

	// A forced reload keeps serving.
	signals <- syscall.SIGUSR1
	name, err := servedName(listenPath)
	require.NoError(t, err)
	assert.Equal(t, "second", name)

	signals <- syscall.SIGTERM
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("run did not return after SIGTERM")
	}
}

func TestRunInvalidCertificate(t *testing.T) {
	dir := t.TempDir()
	err := run([]string{
		"--listen", "unix:" + filepath.Join(dir, "proxy.sock"),
		"--target", "127.0.0.1:8080",
		"--cert", filepath.Join(dir, "missing.pem"),
		"--disable-landlock",
	}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unable to load certificates")
}

func TestRunInvalidFlags(t *testing.T) {
	err := run([]string{"--listen", "127.0.0.1:8443"}, nil)
	assert.Error(t, err)

	err = run([]string{"--no-such-flag"}, nil)
	assert.Error(t, err)
}

func TestCLIFlagsOverrideConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tlsreload.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen: "127.0.0.1:8443"
target: "http://127.0.0.1:8080"
cert: /etc/tls/cert.pem
debounce: 2s
`), 0600))

	cfg, err := newCLI().parse([]string{"--config", path, "--listen", "127.0.0.1:9443", "--watch", "/a", "--watch", "/b", "--disable-landlock"})
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9443", cfg.Listen)
	assert.Equal(t, "http://127.0.0.1:8080", cfg.Target)
	assert.Equal(t, "/etc/tls/cert.pem", cfg.Cert)
	assert.Equal(t, 2*time.Second, cfg.Debounce)
	assert.Equal(t, []string{"/a", "/b"}, cfg.Watch)
	assert.False(t, cfg.Landlock)

	// Flags that weren't given don't reset values from the file.
	cfg, err = newCLI().parse([]string{"--config", path})
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:8443", cfg.Listen)
	assert.Equal(t, 2*time.Second, cfg.Debounce)
	assert.True(t, cfg.Landlock)
}

func TestCLIValidation(t *testing.T) {
	base := []string{"--listen", "127.0.0.1:8443", "--target", "127.0.0.1:8080", "--cert", "cert.pem"}

	_, err := newCLI().parse(base)
	assert.NoError(t, err)

	_, err = newCLI().parse(append(base, "--metrics-url", "127.0.0.1"))
	assert.Error(t, err, "invalid --metrics-url should be rejected")

	_, err = newCLI().parse(append(base, "--keystore", "keystore.p12"))
	assert.Error(t, err, "--keystore and --cert are mutually exclusive")

	_, err = newCLI().parse(base[:4])
	assert.Error(t, err, "--cert or --keystore is required")
}

func TestNewLogger(t *testing.T) {
	logger, err := newLogger(false)
	require.NoError(t, err)
	assert.Contains(t, logger.Prefix(), "[")
}

func TestNewBackend(t *testing.T) {
	b, err := newBackend("http://127.0.0.1:8080/base")
	require.NoError(t, err)
	assert.Equal(t, "tcp", b.network)
	assert.Equal(t, "127.0.0.1:8080", b.address)

	b, err = newBackend("https://backend.example")
	require.NoError(t, err)
	assert.Equal(t, "backend.example:443", b.address)

	b, err = newBackend("localhost:8080")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080", b.url.String())

	b, err = newBackend("unix:/tmp/backend.sock")
	require.NoError(t, err)
	assert.Equal(t, "unix", b.network)
	assert.Equal(t, "/tmp/backend.sock", b.address)

	_, err = newBackend("systemd:backend")
	assert.Error(t, err)

	_, err = newBackend("http://")
	assert.Error(t, err)

	_, err = newBackend("no-port")
	assert.Error(t, err)
}

func TestProxyBackendDown(t *testing.T) {
	b, err := newBackend("unix:" + filepath.Join(t.TempDir(), "missing.sock"))
	require.NoError(t, err)

	logger, err := newLogger(false)
	require.NoError(t, err)

	response := httptest.NewRecorder()
	b.proxy(logger).ServeHTTP(response, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusBadGateway, response.Code)
}
