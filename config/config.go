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

// Package config loads tlsreload settings from an optional YAML file and
// TLSRELOAD_* environment variables. Command line flags are applied on top
// by the caller.
package config

import (
	"strings"
	"time"

	"github.com/ghostunnel/tlsreload/certloader"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/pkg/errors"
)

// EnvPrefix is the prefix of environment variables that are read. The rest
// of the variable name is the lower-cased key, e.g. TLSRELOAD_POLL_INTERVAL
// sets poll_interval.
const EnvPrefix = "TLSRELOAD_"

// Config holds every setting of the tlsreload binary.
type Config struct {
	Listen string `koanf:"listen"`
	Target string `koanf:"target"`

	Key       string `koanf:"key"`
	Cert      string `koanf:"cert"`
	CACert    string `koanf:"cacert"`
	CRL       string `koanf:"crl"`
	Keystore  string `koanf:"keystore"`
	StorePass string `koanf:"storepass"`

	// Extra paths that trigger a reload when they change
	Watch        []string      `koanf:"watch"`
	Debounce     time.Duration `koanf:"debounce"`
	PollInterval time.Duration `koanf:"poll_interval"`

	Status          string `koanf:"status"`
	Syslog          bool   `koanf:"syslog"`
	MetricsGraphite string `koanf:"metrics_graphite"`
	MetricsURL      string `koanf:"metrics_url"`
	MetricsPrefix   string `koanf:"metrics_prefix"`

	ProxyProtocol bool `koanf:"proxy_protocol"`
	Landlock      bool `koanf:"landlock"`
	Debug         bool `koanf:"debug"`
}

// Default returns the settings used for keys that are not configured.
func Default() *Config {
	return &Config{
		Debounce:      time.Second,
		MetricsPrefix: "tlsreload",
		Landlock:      true,
	}
}

// Load reads path (skipped if empty), then the environment, over the
// defaults.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, errors.Wrapf(err, "unable to load config file %s", path)
		}
	}

	transform := func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", transform), nil); err != nil {
		return nil, errors.Wrap(err, "unable to load environment")
	}

	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	return cfg, nil
}

// Validate checks that the settings are complete and consistent.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return errors.New("listen address is required")
	}
	if c.Target == "" {
		return errors.New("target is required")
	}
	if c.Keystore == "" && c.Cert == "" {
		return errors.New("either a certificate or a keystore is required")
	}
	if c.Keystore != "" && (c.Cert != "" || c.Key != "") {
		return errors.New("keystore can't be combined with cert or key")
	}
	if c.Debounce < 0 {
		return errors.Errorf("debounce must not be negative, got %s", c.Debounce)
	}
	if c.PollInterval < 0 {
		return errors.Errorf("poll interval must not be negative, got %s", c.PollInterval)
	}
	return nil
}

// Credentials returns the file-backed credentials described by c.
func (c *Config) Credentials() certloader.Credentials {
	creds := certloader.Credentials{KeystorePassword: c.StorePass}
	for _, s := range []struct {
		path   string
		source *certloader.Source
	}{
		{c.Key, &creds.Key},
		{c.Cert, &creds.Cert},
		{c.CACert, &creds.CA},
		{c.CRL, &creds.CRL},
		{c.Keystore, &creds.Keystore},
	} {
		if s.path != "" {
			*s.source = certloader.FromFile(s.path)
		}
	}
	return creds
}

// WatchedPaths returns the credential files followed by any extra paths,
// without duplicates.
func (c *Config) WatchedPaths() []string {
	seen := map[string]bool{}
	var paths []string
	for _, path := range append(c.Credentials().Paths(), c.Watch...) {
		if path == "" || seen[path] {
			continue
		}
		seen[path] = true
		paths = append(paths, path)
	}
	return paths
}
