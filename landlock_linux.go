//go:build linux

/*-
 * Copyright 2024, Ghostunnel
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
	"errors"
	"log"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ghostunnel/tlsreload/config"
	"github.com/ghostunnel/tlsreload/socket"
	"github.com/landlock-lsm/go-landlock/landlock"
)

// landlockRules generates an appropriate landlock rule configuration to
// limit our privileges, given our configuration.
func landlockRules(cfg *config.Config) (fsRules, netRules []landlock.Rule) {
	// Default net rules
	netRules = []landlock.Rule{
		// For DNS over TCP/53 (sometimes enabled for name resolution)
		landlock.ConnectTCP(uint16(53)),
	}

	// Default RW FS rules. Some paths we need always accessible for syslog and
	// for creating runtime/temporary files. Note that syslog can be in multiple
	// places not just /dev/log, e.g. /var/run is an option.
	for _, path := range []string{"/dev", "/var/run", "/tmp"} {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			continue
		}
		fsRules = append(fsRules, landlock.RWDirs(path))
	}

	// Default RO FS rules. Some paths we need always accessible for name
	// resolution or time zones. For this purpose we keep /etc accessible.
	for _, path := range []string{"/etc", "/usr/share/zoneinfo"} {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			continue
		}
		fsRules = append(fsRules, landlock.RODirs(path))
	}

	// Addresses we listen on.
	_, status := socket.ParseHTTPAddress(cfg.Status)
	for _, addr := range []string{cfg.Listen, status} {
		if rule := ruleFromStringAddress(addr, landlock.BindTCP); rule != nil {
			netRules = append(netRules, rule)
		}
	}

	// Addresses we connect to.
	for _, addr := range []string{cfg.Target, cfg.MetricsGraphite, cfg.MetricsURL} {
		if rule := ruleFromStringAddress(addr, landlock.ConnectTCP); rule != nil {
			netRules = append(netRules, rule)
		}
	}

	// Since we need to able to reload watched files even after they were
	// replaced, we need to add a RO rule on the entire parent directory. The
	// parent directory also has to exist for it to be watched at all.
	for _, path := range cfg.WatchedPaths() {
		dir := filepath.Dir(path)
		if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
			continue
		}
		fsRules = append(fsRules, landlock.RODirs(dir))

		// If the path is a symlink, we also need a rule for its target.
		target, err := filepath.EvalSymlinks(path)
		if err != nil {
			continue
		}
		if target != path {
			fsRules = append(fsRules, landlock.RODirs(filepath.Dir(target)))
		}
	}

	return fsRules, netRules
}

// setupLandlock restricts the process to the files and ports it needs.
func setupLandlock(cfg *config.Config, logger *log.Logger) error {
	fsRules, netRules := landlockRules(cfg)

	// Print landlock errors, but continue running. Landlock is a relatively new
	// feature and not supported on older kernels (net rules were added in v6.7,
	// Jan 2024).
	abi := landlock.V4
	err := abi.RestrictPaths(fsRules...)
	if err != nil {
		logger.Printf("warning: unable to set up landlock filesystem rules: %v", err)
		return err
	}
	err = abi.RestrictNet(netRules...)
	if err != nil {
		logger.Printf("warning: unable to set up landlock network rules: %v", err)
	}
	return err
}

// ruleFromStringAddress returns a rule for the port of addr, which may be a
// HOST:PORT pair, unix:PATH or an http(s) URL. It returns nil if no rule is
// needed or the address is invalid.
func ruleFromStringAddress(addr string, portRule func(port uint16) landlock.NetRule) landlock.Rule {
	if strings.HasPrefix(addr, "unix:") {
		return landlock.RWFiles(addr[5:])
	}
	if strings.HasPrefix(addr, "systemd:") {
		return nil
	}
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		u, err := url.Parse(addr)
		if err != nil {
			return nil
		}
		return ruleFromURL(u, portRule)
	}
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil
	}
	return ruleFromPort(port, portRule)
}

func ruleFromURL(u *url.URL, portRule func(port uint16) landlock.NetRule) landlock.Rule {
	port := u.Port()
	if len(port) == 0 {
		if u.Scheme == "http" {
			return portRule(uint16(80))
		}
		if u.Scheme == "https" {
			return portRule(uint16(443))
		}
	}
	return ruleFromPort(port, portRule)
}

func ruleFromPort(port string, portRule func(port uint16) landlock.NetRule) landlock.Rule {
	numericPort, err := strconv.ParseUint(port, 10, 16)
	if err != nil {
		return nil
	}
	if numericPort == 0 {
		return nil
	}
	return portRule(uint16(numericPort))
}
