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
	"log"
	"net/http"
	"os"
	"syscall"
	"time"
)

// handleSignals listens for incoming SIGTERM, SIGINT or SIGUSR1 signals. If
// we get SIGTERM or SIGINT, stop accepting connections and gracefully shut
// down. If we get SIGUSR1, reload certificates right away.
func handleSignals(ctx context.Context, signals <-chan os.Signal, srv reloadServer, statusHTTP *http.Server, logger *log.Logger) error {
	for {
		select {
		case sig := <-signals:
			switch sig {
			case syscall.SIGUSR1:
				logger.Printf("received %s, reloading certificates", sig.String())
				// Errors are logged by the controller.
				_ = srv.Reload()
				continue
			default:
				logger.Printf("received %s, shutting down", sig.String())
			}
		case <-ctx.Done():
			logger.Printf("server stopped, shutting down")
		}

		systemdNotifyStopping()
		return shutdown(srv, statusHTTP, logger)
	}
}

// reloadServer is the part of server.Server that signal handling needs.
type reloadServer interface {
	Reload() error
	Shutdown(ctx context.Context) error
}

func shutdown(srv reloadServer, statusHTTP *http.Server, logger *log.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if statusHTTP != nil {
		// Best-effort graceful shutdown of status listener
		go func() { _ = statusHTTP.Shutdown(ctx) }()
	}

	logger.Printf("waiting up to %s for connections to drain", shutdownTimeout)
	start := time.Now()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Printf("graceful shutdown timeout: %s", err)
		return err
	}
	logger.Printf("drained connections in %s", time.Since(start))
	return nil
}
