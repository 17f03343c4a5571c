/*-
 * Copyright 2022 Square Inc.
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

package reload

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ghostunnel/tlsreload/certloader"
	"github.com/ghostunnel/tlsreload/internal/certtest"
	"github.com/ghostunnel/tlsreload/watcher"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	settle = 100 * time.Millisecond
	tick   = 5 * time.Millisecond
)

// fakeWatcher records subscriptions and lets tests inject notifications.
type fakeWatcher struct {
	mu      sync.Mutex
	added   []string
	removed []string
	failAdd map[string]bool
	closed  int

	events chan string
	errors chan error
}

func newFakeWatcher(failing ...string) *fakeWatcher {
	w := &fakeWatcher{
		failAdd: map[string]bool{},
		events:  make(chan string),
		errors:  make(chan error),
	}
	for _, path := range failing {
		w.failAdd[path] = true
	}
	return w
}

func (w *fakeWatcher) Add(path string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failAdd[path] {
		return &watcher.WatchSetupError{Path: path, Err: errors.New("no such directory")}
	}
	w.added = append(w.added, path)
	return nil
}

func (w *fakeWatcher) Remove(path string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.removed = append(w.removed, path)
	return nil
}

func (w *fakeWatcher) Events() <-chan string { return w.events }
func (w *fakeWatcher) Errors() <-chan error  { return w.errors }

func (w *fakeWatcher) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed++
	return nil
}

func (w *fakeWatcher) snapshot() (added, removed []string, closed int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.added...), append([]string(nil), w.removed...), w.closed
}

// countingFactory hands out fresh snapshots and counts invocations.
type countingFactory struct {
	t     *testing.T
	ca    *certtest.Authority
	calls atomic.Int32
	fail  atomic.Bool
}

func newCountingFactory(t *testing.T) *countingFactory {
	return &countingFactory{t: t, ca: certtest.NewAuthority(t, "root")}
}

func (f *countingFactory) build() (*certloader.Snapshot, error) {
	f.calls.Add(1)
	if f.fail.Load() {
		return nil, &certloader.ContextBuildError{Source: "cert.pem", Err: errors.New("unexpected EOF")}
	}
	return f.snapshot(), nil
}

func (f *countingFactory) snapshot() *certloader.Snapshot {
	leaf := f.ca.Issue(f.t, "server")
	snapshot, err := certloader.Credentials{
		Cert: certloader.FromBytes(leaf.CertPEM),
		Key:  certloader.FromBytes(leaf.KeyPEM),
	}.Load()
	require.NoError(f.t, err)
	return snapshot
}

func (f *countingFactory) count() int {
	return int(f.calls.Load())
}

type countingStatus struct {
	reloading atomic.Int32
	listening atomic.Int32
}

func (s *countingStatus) Reloading() { s.reloading.Add(1) }
func (s *countingStatus) Listening() { s.listening.Add(1) }

type fixture struct {
	clock   *clockwork.FakeClock
	watcher *fakeWatcher
	factory *countingFactory
	store   *certloader.Store
	status  *countingStatus
	ctrl    *Controller
}

func newFixture(t *testing.T, debounce time.Duration, paths []string, failing ...string) *fixture {
	f := &fixture{
		clock:   clockwork.NewFakeClock(),
		watcher: newFakeWatcher(failing...),
		factory: newCountingFactory(t),
		status:  &countingStatus{},
	}
	f.store = certloader.NewStore(f.factory.snapshot())
	f.ctrl = New(f.factory.build, f.store, f.watcher, paths, Options{
		Debounce: debounce,
		Clock:    f.clock,
		Status:   f.status,
	})
	t.Cleanup(func() { _ = f.ctrl.Close() })
	return f
}

func (f *fixture) expectCalls(t *testing.T, n int) {
	t.Helper()
	assert.Eventually(t, func() bool { return f.factory.count() == n }, time.Second, tick,
		"expected %d factory invocations", n)
	assert.Never(t, func() bool { return f.factory.count() > n }, settle, tick,
		"expected no more than %d factory invocations", n)
}

var threePaths = []string{"/etc/tls/key.pem", "/etc/tls/cert.pem", "/etc/tls/ca.pem"}

func TestDebounceCollapse(t *testing.T) {
	f := newFixture(t, 500*time.Millisecond, threePaths)

	for i := 0; i < 10; i++ {
		f.ctrl.notify(threePaths[i%len(threePaths)])
		f.clock.Advance(100 * time.Millisecond)
	}
	f.expectCalls(t, 0)

	f.clock.Advance(500 * time.Millisecond)
	f.expectCalls(t, 1)
}

func TestDebounceSeparation(t *testing.T) {
	f := newFixture(t, 500*time.Millisecond, threePaths)

	f.ctrl.notify(threePaths[0])
	f.clock.Advance(600 * time.Millisecond)
	f.expectCalls(t, 1)

	f.ctrl.notify(threePaths[0])
	f.clock.Advance(600 * time.Millisecond)
	f.expectCalls(t, 2)
}

func TestDebounceScenario(t *testing.T) {
	f := newFixture(t, 500*time.Millisecond, threePaths)

	// t=0
	f.ctrl.notify(threePaths[0])
	f.clock.Advance(400 * time.Millisecond)
	f.expectCalls(t, 0)

	// t=500: the window elapses in the same instant a second write lands.
	// The write wins and restarts the window.
	f.ctrl.mu.Lock()
	f.clock.Advance(100 * time.Millisecond)
	f.ctrl.notifyLocked(threePaths[1])
	f.ctrl.mu.Unlock()
	f.expectCalls(t, 0)

	// t=1000
	f.clock.Advance(500 * time.Millisecond)
	f.expectCalls(t, 1)

	// t=1500
	f.clock.Advance(500 * time.Millisecond)
	f.ctrl.notify(threePaths[0])

	// t=2000
	f.clock.Advance(500 * time.Millisecond)
	f.expectCalls(t, 2)
}

func TestSelectiveWatching(t *testing.T) {
	f := newFixture(t, 500*time.Millisecond, threePaths[:1])

	f.ctrl.notify(threePaths[1])
	f.ctrl.notify(threePaths[2])
	f.clock.Advance(750 * time.Millisecond)

	f.expectCalls(t, 0)
	pending, _ := f.ctrl.Pending()
	assert.False(t, pending)
	assert.Equal(t, threePaths[:1], f.ctrl.WatchedPaths())
}

func TestWatcherEventsTriggerReload(t *testing.T) {
	f := newFixture(t, time.Second, threePaths)
	before := f.store.Load()

	f.watcher.events <- threePaths[2]
	assert.Eventually(t, func() bool {
		pending, _ := f.ctrl.Pending()
		return pending
	}, time.Second, tick)

	_, deadline := f.ctrl.Pending()
	assert.Equal(t, f.clock.Now().Add(time.Second), deadline)

	// Watch errors are logged and do not stop the loop.
	f.watcher.errors <- errors.New("queue overflow")

	f.clock.Advance(time.Second)
	f.expectCalls(t, 1)
	assert.NotSame(t, before, f.store.Load())
	assert.Equal(t, int32(1), f.status.reloading.Load())
	assert.Eventually(t, func() bool { return f.status.listening.Load() == 1 }, time.Second, tick)
}

func TestDefaultDebounce(t *testing.T) {
	f := newFixture(t, 0, threePaths)

	f.ctrl.notify(threePaths[0])
	f.clock.Advance(DefaultDebounce - time.Millisecond)
	f.expectCalls(t, 0)

	f.clock.Advance(time.Millisecond)
	f.expectCalls(t, 1)
}

func TestPostCloseSuppression(t *testing.T) {
	f := newFixture(t, 500*time.Millisecond, threePaths)

	f.ctrl.notify(threePaths[0])
	require.NoError(t, f.ctrl.Close())

	f.clock.Advance(time.Second)
	f.ctrl.notify(threePaths[1])
	f.clock.Advance(time.Second)

	f.expectCalls(t, 0)
	pending, _ := f.ctrl.Pending()
	assert.False(t, pending)
	assert.NoError(t, f.ctrl.Reload())
	assert.Equal(t, 0, f.factory.count())
}

func TestPostCloseSuppressionInFlight(t *testing.T) {
	f := newFixture(t, 500*time.Millisecond, threePaths)
	before := f.store.Load()

	// Hold the rebuild lock so a fire that already got past the timer
	// check is parked until after Close.
	f.ctrl.reloadMu.Lock()
	f.ctrl.notify(threePaths[0])
	f.clock.Advance(500 * time.Millisecond)
	require.NoError(t, f.ctrl.Close())
	f.ctrl.reloadMu.Unlock()

	f.expectCalls(t, 0)
	assert.Same(t, before, f.store.Load())
}

func TestCloseUnwatchesOnce(t *testing.T) {
	f := newFixture(t, time.Second, threePaths)

	require.NoError(t, f.ctrl.Close())
	require.NoError(t, f.ctrl.Close())

	added, removed, closed := f.watcher.snapshot()
	assert.Equal(t, threePaths, added)
	assert.Equal(t, threePaths, removed)
	assert.Equal(t, 1, closed)
	assert.Empty(t, f.ctrl.WatchedPaths())
}

func TestSwapIsolationOnFailure(t *testing.T) {
	f := newFixture(t, 500*time.Millisecond, threePaths)
	before := f.store.Load()

	f.factory.fail.Store(true)
	err := f.ctrl.Reload()
	require.Error(t, err)

	var buildErr *certloader.ContextBuildError
	require.True(t, errors.As(err, &buildErr))
	assert.Equal(t, "cert.pem", buildErr.Source)
	assert.Same(t, before, f.store.Load())
	assert.Same(t, before, f.ctrl.Snapshot())
	assert.Equal(t, err, f.ctrl.LastError())

	// Debounced rebuilds fail the same way.
	f.ctrl.notify(threePaths[0])
	f.clock.Advance(500 * time.Millisecond)
	f.expectCalls(t, 2)
	assert.Same(t, before, f.store.Load())

	// And recover once the files are fixed.
	f.factory.fail.Store(false)
	require.NoError(t, f.ctrl.Reload())
	assert.NotSame(t, before, f.store.Load())
	assert.NoError(t, f.ctrl.LastError())
}

func TestNilSnapshotIsAnError(t *testing.T) {
	ca := certtest.NewAuthority(t, "root")
	leaf := ca.Issue(t, "server")
	initial, err := certloader.Credentials{
		Cert: certloader.FromBytes(leaf.CertPEM),
		Key:  certloader.FromBytes(leaf.KeyPEM),
	}.Load()
	require.NoError(t, err)

	store := certloader.NewStore(initial)
	ctrl := New(func() (*certloader.Snapshot, error) { return nil, nil }, store, nil, nil, Options{})
	defer ctrl.Close()

	assert.Error(t, ctrl.Reload())
	assert.Same(t, initial, store.Load())
}

func TestForcedReload(t *testing.T) {
	f := newFixture(t, time.Hour, threePaths)
	before := f.store.Load()

	require.NoError(t, f.ctrl.Reload())
	assert.Equal(t, 1, f.factory.count())
	assert.NotSame(t, before, f.store.Load())
	assert.Equal(t, int32(1), f.status.reloading.Load())
	assert.Equal(t, int32(1), f.status.listening.Load())
}

func TestWatchSetupErrorIsNotFatal(t *testing.T) {
	f := newFixture(t, 500*time.Millisecond, threePaths, threePaths[1])

	assert.Equal(t, []string{threePaths[0], threePaths[2]}, f.ctrl.WatchedPaths())

	f.ctrl.notify(threePaths[1])
	f.clock.Advance(time.Second)
	f.expectCalls(t, 0)

	f.ctrl.notify(threePaths[2])
	f.clock.Advance(time.Second)
	f.expectCalls(t, 1)

	require.NoError(t, f.ctrl.Close())
	_, removed, _ := f.watcher.snapshot()
	assert.Equal(t, []string{threePaths[0], threePaths[2]}, removed)
}

func TestDuplicatePaths(t *testing.T) {
	f := newFixture(t, time.Second, []string{threePaths[0], threePaths[0], threePaths[1]})

	added, _, _ := f.watcher.snapshot()
	assert.Equal(t, threePaths[:2], added)
	assert.Equal(t, threePaths[:2], f.ctrl.WatchedPaths())
}

func TestNilWatcher(t *testing.T) {
	factory := newCountingFactory(t)
	store := certloader.NewStore(factory.snapshot())
	ctrl := New(factory.build, store, nil, threePaths, Options{})

	assert.Empty(t, ctrl.WatchedPaths())
	require.NoError(t, ctrl.Reload())
	assert.Equal(t, 1, factory.count())
	assert.NoError(t, ctrl.Close())
}
