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

// Package reload keeps a TLS snapshot in sync with the files it was built
// from. A Controller watches a fixed set of paths, waits for bursts of
// changes to go quiet, rebuilds the snapshot from disk and installs it into
// a certloader.Store. Failed rebuilds leave the previous snapshot in place.
package reload

import (
	"sync"
	"time"

	"github.com/ghostunnel/tlsreload/certloader"
	"github.com/ghostunnel/tlsreload/watcher"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	metrics "github.com/rcrowley/go-metrics"
)

var (
	reloadSuccessCounter    = metrics.GetOrRegisterCounter("reload.success", metrics.DefaultRegistry)
	reloadErrorCounter      = metrics.GetOrRegisterCounter("reload.error", metrics.DefaultRegistry)
	reloadSuppressedCounter = metrics.GetOrRegisterCounter("reload.suppressed", metrics.DefaultRegistry)
	watchEventCounter       = metrics.GetOrRegisterCounter("watch.events", metrics.DefaultRegistry)
	watchErrorCounter       = metrics.GetOrRegisterCounter("watch.error", metrics.DefaultRegistry)
	reloadTimer             = metrics.GetOrRegisterTimer("reload.duration", metrics.DefaultRegistry)
)

// DefaultDebounce is the quiet window used when none is configured.
const DefaultDebounce = time.Second

// Status is told when a rebuild starts and when the server is back to
// serving normally.
type Status interface {
	Reloading()
	Listening()
}

type nopStatus struct{}

func (nopStatus) Reloading() {}
func (nopStatus) Listening() {}

// Options configures a Controller. The zero value is usable.
type Options struct {
	// Debounce is the quiet window that must pass without notifications
	// before a rebuild is triggered.
	Debounce time.Duration
	Logger   Logger
	Clock    clockwork.Clock
	Status   Status
}

// WatchedPath is one entry of the watched path set. It becomes inactive
// when the controller shuts down (or if it could never be watched) and is
// never reactivated.
type WatchedPath struct {
	Path   string
	active bool
}

// Controller owns the watched path set, the debounce timer and the
// shutdown flag. All of them are guarded by mu; the active snapshot lives
// in the store and is swapped atomically.
type Controller struct {
	factory certloader.Factory
	store   *certloader.Store
	watcher watcher.Watcher
	clock   clockwork.Clock
	logger  Logger
	status  Status
	quiet   time.Duration

	mu           sync.Mutex
	paths        []*WatchedPath
	byPath       map[string]*WatchedPath
	timer        debounceTimer
	shuttingDown bool
	lastErr      error

	// Serializes rebuilds, there is at most one factory call in flight.
	reloadMu sync.Mutex

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a controller and subscribes w to every path. A path that
// cannot be watched is logged and skipped; the others keep working. The
// controller takes ownership of w and closes it on Close. If w is nil, no
// automatic reloads happen but Reload can still be called.
func New(factory certloader.Factory, store *certloader.Store, w watcher.Watcher, paths []string, opts Options) *Controller {
	c := &Controller{
		factory: factory,
		store:   store,
		watcher: w,
		clock:   opts.Clock,
		logger:  opts.Logger,
		status:  opts.Status,
		quiet:   opts.Debounce,
		byPath:  make(map[string]*WatchedPath),
		done:    make(chan struct{}),
	}
	if c.clock == nil {
		c.clock = clockwork.NewRealClock()
	}
	if c.logger == nil {
		c.logger = NopLogger
	}
	if c.status == nil {
		c.status = nopStatus{}
	}
	if c.quiet <= 0 {
		c.quiet = DefaultDebounce
	}

	if w == nil {
		return c
	}

	for _, path := range paths {
		if _, ok := c.byPath[path]; ok {
			continue
		}
		wp := &WatchedPath{Path: path}
		c.paths = append(c.paths, wp)
		c.byPath[path] = wp

		c.logger.Infof("watching %s", path)
		if err := w.Add(path); err != nil {
			watchErrorCounter.Inc(1)
			c.logger.Infof("error watching file: %s", err)
			continue
		}
		wp.active = true
	}

	c.wg.Add(1)
	go c.run()
	return c
}

func (c *Controller) run() {
	defer c.wg.Done()

	events := c.watcher.Events()
	errs := c.watcher.Errors()
	for {
		select {
		case path, ok := <-events:
			if !ok {
				return
			}
			c.notify(path)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			watchErrorCounter.Inc(1)
			c.logger.Infof("error watching file: %s", err)
		case <-c.done:
			return
		}
	}
}

// notify handles one change notification: it (re)arms the debounce timer
// if the path belongs to the active watched set.
func (c *Controller) notify(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notifyLocked(path)
}

func (c *Controller) notifyLocked(path string) {
	wp, ok := c.byPath[path]
	if !ok || !wp.active || c.shuttingDown {
		return
	}

	watchEventCounter.Inc(1)
	c.logger.Debugf("found change in %s, reloading in %s", path, c.quiet)
	c.timer.arm(c.clock, c.quiet, c.fire)
}

// fire runs when the quiet window elapsed. It does nothing if the
// controller is shutting down or if another notification re-armed the timer
// in the meantime.
func (c *Controller) fire(gen uint64) {
	c.mu.Lock()
	if c.shuttingDown {
		c.mu.Unlock()
		reloadSuppressedCounter.Inc(1)
		c.logger.Debugf("shutting down, dropping pending reload")
		return
	}
	if !c.timer.expire(gen) {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	_ = c.reload()
}

// Reload rebuilds the snapshot right away, bypassing the debounce timer.
// It returns the build error, if any; the previous snapshot stays active in
// that case. After Close, Reload is a no-op.
func (c *Controller) Reload() error {
	return c.reload()
}

func (c *Controller) reload() error {
	c.reloadMu.Lock()
	defer c.reloadMu.Unlock()

	if c.isShuttingDown() {
		reloadSuppressedCounter.Inc(1)
		return nil
	}

	c.status.Reloading()
	defer c.status.Listening()

	c.logger.Infof("reloading certificates")
	start := c.clock.Now()
	snapshot, err := c.factory()
	reloadTimer.Update(c.clock.Since(start))
	if err == nil && snapshot == nil {
		err = errors.New("factory returned no snapshot")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.shuttingDown {
		reloadSuppressedCounter.Inc(1)
		c.logger.Debugf("shutting down, discarding rebuilt snapshot")
		return nil
	}

	if err != nil {
		c.lastErr = err
		reloadErrorCounter.Inc(1)
		c.logger.Infof("error reloading certificates: %s", err)
		return err
	}

	c.store.Swap(snapshot)
	c.lastErr = nil
	reloadSuccessCounter.Inc(1)
	c.logger.Infof("reloading complete, serving %s", snapshot.Identifier())
	return nil
}

func (c *Controller) isShuttingDown() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.shuttingDown
}

// Close shuts the controller down: pending reloads are dropped, every
// watched path is unwatched and the watcher is closed. Only the first call
// does anything.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.shuttingDown {
		c.mu.Unlock()
		return nil
	}
	c.shuttingDown = true
	c.timer.cancel()

	for _, wp := range c.paths {
		if !wp.active {
			continue
		}
		wp.active = false
		c.logger.Infof("unwatching %s", wp.Path)
		if err := c.watcher.Remove(wp.Path); err != nil {
			c.logger.Infof("error unwatching file: %s", err)
		}
	}
	c.mu.Unlock()

	close(c.done)
	c.wg.Wait()

	if c.watcher == nil {
		return nil
	}
	return c.watcher.Close()
}

// Snapshot returns the active snapshot.
func (c *Controller) Snapshot() *certloader.Snapshot {
	return c.store.Load()
}

// LastError returns the error of the most recent rebuild, or nil if it
// succeeded (or none happened yet).
func (c *Controller) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// WatchedPaths returns the paths that are currently being watched.
func (c *Controller) WatchedPaths() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []string
	for _, wp := range c.paths {
		if wp.active {
			out = append(out, wp.Path)
		}
	}
	return out
}

// Pending reports whether a rebuild is scheduled, and when it will fire.
func (c *Controller) Pending() (bool, time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timer.pending, c.timer.deadline
}
