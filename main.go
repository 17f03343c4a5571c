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
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/ghostunnel/tlsreload/certloader"
	"github.com/ghostunnel/tlsreload/config"
	"github.com/ghostunnel/tlsreload/reload"
	"github.com/ghostunnel/tlsreload/server"
	"github.com/ghostunnel/tlsreload/socket"
	gsyslog "github.com/hashicorp/go-syslog"
	"github.com/pkg/errors"
	certigo "github.com/square/certigo/lib"
	"golang.org/x/sync/errgroup"
)

// These are initialized via -ldflags
var version = "unknown"

var (
	// Time to wait for connections to drain on shutdown
	shutdownTimeout = 5 * time.Minute

	// Overridden in tests
	exitFunc = os.Exit
)

// cli holds the parsed command line. Flags override values from the config
// file and environment, but only if they were given explicitly.
type cli struct {
	app        *kingpin.Application
	configFile string
	values     config.Config
	overrides  []func(*config.Config)
}

// bind registers a flag backed by a field of config.Config.
func bind[T any](c *cli, clause *kingpin.FlagClause, field func(*config.Config) *T, register func(*kingpin.FlagClause, *T)) {
	set := new(bool)
	register(clause.IsSetByUser(set), field(&c.values))
	c.overrides = append(c.overrides, func(cfg *config.Config) {
		if *set {
			*field(cfg) = *field(&c.values)
		}
	})
}

func newCLI() *cli {
	c := &cli{
		app: kingpin.New("tlsreload", "A TLS terminating reverse proxy that reloads its certificates when they change on disk."),
	}
	c.app.Version(fmt.Sprintf("tlsreload %s", version))
	c.app.Flag("config", "Path to a YAML config file (optional).").PlaceHolder("FILE").StringVar(&c.configFile)

	str := (*kingpin.FlagClause).StringVar
	boolean := (*kingpin.FlagClause).BoolVar
	duration := (*kingpin.FlagClause).DurationVar

	bind(c, c.app.Flag("listen", "Address and port to listen on (HOST:PORT, unix:PATH or systemd:NAME).").PlaceHolder("ADDR"),
		func(cfg *config.Config) *string { return &cfg.Listen }, str)
	bind(c, c.app.Flag("target", "Backend to proxy requests to (http://HOST:PORT, HOST:PORT or unix:PATH).").PlaceHolder("URL"),
		func(cfg *config.Config) *string { return &cfg.Target }, str)
	bind(c, c.app.Flag("cert", "Path to certificate chain (PEM), may also contain the private key.").PlaceHolder("PATH"),
		func(cfg *config.Config) *string { return &cfg.Cert }, str)
	bind(c, c.app.Flag("key", "Path to private key (PEM).").PlaceHolder("PATH"),
		func(cfg *config.Config) *string { return &cfg.Key }, str)
	bind(c, c.app.Flag("cacert", "Path to CA bundle for client certificates (PEM), enables mutual TLS.").PlaceHolder("PATH"),
		func(cfg *config.Config) *string { return &cfg.CACert }, str)
	bind(c, c.app.Flag("crl", "Path to certificate revocation list for client certificates (PEM or DER).").PlaceHolder("PATH"),
		func(cfg *config.Config) *string { return &cfg.CRL }, str)
	bind(c, c.app.Flag("keystore", "Path to certificate and key (PKCS#12), instead of --cert and --key.").PlaceHolder("PATH"),
		func(cfg *config.Config) *string { return &cfg.Keystore }, str)
	bind(c, c.app.Flag("storepass", "Password for keystore (optional).").PlaceHolder("PASS"),
		func(cfg *config.Config) *string { return &cfg.StorePass }, str)
	bind(c, c.app.Flag("watch", "Additional path that triggers a reload when changed (can be repeated).").PlaceHolder("PATH"),
		func(cfg *config.Config) *[]string { return &cfg.Watch }, (*kingpin.FlagClause).StringsVar)
	bind(c, c.app.Flag("debounce", "Wait until files were quiet for this long before reloading (default: 1s).").PlaceHolder("DURATION"),
		func(cfg *config.Config) *time.Duration { return &cfg.Debounce }, duration)
	bind(c, c.app.Flag("poll-interval", "Poll files on this interval instead of using file system notifications.").PlaceHolder("DURATION"),
		func(cfg *config.Config) *time.Duration { return &cfg.PollInterval }, duration)
	bind(c, c.app.Flag("status", "Enable serving /_status and /_metrics on given address (HOST:PORT or unix:PATH, prefix with http:// to disable TLS).").PlaceHolder("ADDR"),
		func(cfg *config.Config) *string { return &cfg.Status }, str)
	bind(c, c.app.Flag("syslog", "Send logs to syslog instead of stderr."),
		func(cfg *config.Config) *bool { return &cfg.Syslog }, boolean)
	bind(c, c.app.Flag("metrics-graphite", "Collect metrics and report them to the given graphite instance (raw TCP).").PlaceHolder("ADDR"),
		func(cfg *config.Config) *string { return &cfg.MetricsGraphite }, str)
	bind(c, c.app.Flag("metrics-url", "Collect metrics and POST them periodically to the given URL (via HTTP/JSON).").PlaceHolder("URL"),
		func(cfg *config.Config) *string { return &cfg.MetricsURL }, str)
	bind(c, c.app.Flag("metrics-prefix", "Set prefix string for all reported metrics (default: tlsreload).").PlaceHolder("PREFIX"),
		func(cfg *config.Config) *string { return &cfg.MetricsPrefix }, str)
	bind(c, c.app.Flag("proxy-protocol", "Expect a PROXY protocol header on incoming connections."),
		func(cfg *config.Config) *bool { return &cfg.ProxyProtocol }, boolean)
	bind(c, c.app.Flag("debug", "Log every file change and suppressed reload."),
		func(cfg *config.Config) *bool { return &cfg.Debug }, boolean)

	disableLandlock := new(bool)
	c.app.Flag("disable-landlock", "Disable Landlock sandboxing (Linux only).").BoolVar(disableLandlock)
	c.overrides = append(c.overrides, func(cfg *config.Config) {
		if *disableLandlock {
			cfg.Landlock = false
		}
	})

	return c
}

// parse parses args and returns the merged configuration.
func (c *cli) parse(args []string) (*config.Config, error) {
	if _, err := c.app.Parse(args); err != nil {
		return nil, err
	}

	cfg, err := config.Load(c.configFile)
	if err != nil {
		return nil, err
	}
	for _, override := range c.overrides {
		override(cfg)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.MetricsURL != "" && !strings.HasPrefix(cfg.MetricsURL, "http://") && !strings.HasPrefix(cfg.MetricsURL, "https://") {
		return nil, errors.New("--metrics-url should start with http:// or https://")
	}
	return cfg, nil
}

// newLogger returns the process logger. Lines are prefixed with the process
// ID to tell apart old and new processes during a restart.
func newLogger(useSyslog bool) (*log.Logger, error) {
	logger := log.New(os.Stderr, "", log.LstdFlags|log.Lmicroseconds)
	if useSyslog {
		writer, err := gsyslog.NewLogger(gsyslog.LOG_NOTICE, "DAEMON", "tlsreload")
		if err != nil {
			return nil, errors.Wrap(err, "unable to set up syslog")
		}
		logger = log.New(writer, "", log.LstdFlags|log.Lmicroseconds)
	}
	logger.SetPrefix(fmt.Sprintf("[%d] ", os.Getpid()))
	return logger, nil
}

func main() {
	signals := make(chan os.Signal, 3)
	signal.Notify(signals, syscall.SIGUSR1, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(signals)

	if err := run(os.Args[1:], signals); err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", err)
		exitFunc(1)
	}
}

// run starts the proxy and blocks until it was shut down by a signal, or
// one of its servers failed.
func run(args []string, signals <-chan os.Signal) error {
	cfg, err := newCLI().parse(args)
	if err != nil {
		return errors.Wrap(err, "invalid flags, try --help")
	}

	logger, err := newLogger(cfg.Syslog)
	if err != nil {
		return err
	}

	backend, err := newBackend(cfg.Target)
	if err != nil {
		return errors.Wrap(err, "invalid target")
	}

	metrics, err := setupMetrics(cfg, logger)
	if err != nil {
		return err
	}

	if cfg.Landlock {
		// Errors are logged, the sandbox is best-effort.
		_ = setupLandlock(cfg, logger)
	}

	status := newStatusHandler(backend.dial)
	opts := []server.Option{
		server.WithDebounce(cfg.Debounce),
		server.WithLogger(reload.NewLogger(logger, cfg.Debug)),
		server.WithPaths(cfg.WatchedPaths()),
		server.WithStatus(status),
		server.WithBaseConfig(baseTLSConfig()),
		server.WithHTTPServer(func(s *http.Server) {
			s.ErrorLog = logger
			s.ReadHeaderTimeout = 30 * time.Second
		}),
	}
	if cfg.PollInterval > 0 {
		opts = append(opts, server.WithPollInterval(cfg.PollInterval))
	}

	srv, err := server.NewFromCredentials(cfg.Credentials(), backend.proxy(logger), opts...)
	if err != nil {
		return errors.Wrap(err, "unable to load certificates")
	}
	defer srv.Close()
	status.setServer(srv)

	if leaf := srv.Snapshot().Leaf(); leaf != nil && certigo.IsSelfSigned(leaf) {
		logger.Printf("warning: serving self-signed certificate %s", srv.Snapshot().Identifier())
	}

	listener, err := socket.ParseAndOpen(cfg.Listen)
	if err != nil {
		return errors.Wrap(err, "unable to open listening socket")
	}
	if cfg.ProxyProtocol {
		listener = socket.WithProxyProtocol(listener)
	}
	logger.Printf("listening on %s", cfg.Listen)

	var statusHTTP *http.Server
	var statusListener net.Listener
	if cfg.Status != "" {
		statusHTTP, statusListener, err = serveStatus(cfg.Status, status, metrics, srv, logger)
		if err != nil {
			listener.Close()
			return err
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return srv.Serve(listener)
	})
	if statusHTTP != nil {
		g.Go(func() error {
			err := statusHTTP.Serve(statusListener)
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		})
	}
	g.Go(func() error {
		return handleSignals(ctx, signals, srv, statusHTTP, logger)
	})

	shutdown := make(chan struct{})
	go func() {
		if err := systemdHandleWatchdog(status.isHealthy, shutdown); err != nil {
			logger.Printf("not sending watchdog notifications: %s", err)
		}
	}()

	status.Listening()
	logger.Printf("initial startup completed, serving %s", srv.Snapshot().Identifier())

	err = g.Wait()
	close(shutdown)
	logger.Printf("shutdown complete")
	return err
}

// setupMetrics starts the configured metrics reporters.
func setupMetrics(cfg *config.Config, logger *log.Logger) (*metricsReporter, error) {
	var graphiteAddr *net.TCPAddr
	if cfg.MetricsGraphite != "" {
		var err error
		graphiteAddr, err = net.ResolveTCPAddr("tcp", cfg.MetricsGraphite)
		if err != nil {
			return nil, errors.Wrap(err, "invalid graphite address")
		}
	}
	return newMetricsReporter(cfg.MetricsPrefix, cfg.MetricsURL, graphiteAddr, logger)
}

// serveStatus opens the status listener. Unless the address starts with
// http://, the status port uses the same certificates as the proxy.
func serveStatus(addr string, status *statusHandler, metrics *metricsReporter, srv *server.Server, logger *log.Logger) (*http.Server, net.Listener, error) {
	https, addr := socket.ParseHTTPAddress(addr)
	listener, err := socket.ParseAndOpen(addr)
	if err != nil {
		return nil, nil, errors.Wrap(err, "unable to open status socket")
	}
	if https {
		listener = certloader.NewListener(listener, srv)
	}

	mux := http.NewServeMux()
	mux.Handle("/_status", status)
	metrics.register(mux)

	logger.Printf("serving status on %s", addr)
	return &http.Server{
		Handler:           mux,
		ErrorLog:          logger,
		ReadHeaderTimeout: 30 * time.Second,
	}, listener, nil
}
