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

package watcher

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
)

// Notify watches files through fsnotify. It subscribes to the parent
// directory of every file so that replacing a file via rename, or creating
// it after the fact, is still observed. For a symlinked file it also
// subscribes to the directory of the resolved target, and re-resolves the
// link on every event in a watched directory. Swapping an intermediate
// symlink (as Kubernetes does with ..data) is reported as a change to the
// file.
type Notify struct {
	watcher *fsnotify.Watcher

	mu    sync.Mutex
	files map[string]*notifyFile
	dirs  map[string]int

	events    chan string
	errors    chan error
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// notifyFile is a registered file. target is the fully resolved path, or
// empty if the file does not exist (yet).
type notifyFile struct {
	name   string
	abs    string
	target string
}

// resolve returns the file behind all symlinks in abs, or "" if it can not
// be resolved.
func resolve(abs string) string {
	target, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return ""
	}
	return target
}

// dirs lists the directories that need a watch for f.
func (f *notifyFile) dirs() []string {
	dir := filepath.Dir(f.abs)
	if f.target == "" || filepath.Dir(f.target) == dir {
		return []string{dir}
	}
	return []string{dir, filepath.Dir(f.target)}
}

// NewNotify creates a Notify watcher with no subscriptions.
func NewNotify() (*Notify, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "unable to create file watcher")
	}

	n := &Notify{
		watcher: watcher,
		files:   make(map[string]*notifyFile),
		dirs:    make(map[string]int),
		events:  make(chan string, 16),
		errors:  make(chan error, 4),
		done:    make(chan struct{}),
	}

	n.wg.Add(1)
	go n.run()
	return n, nil
}

func (n *Notify) Add(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return &WatchSetupError{Path: path, Err: err}
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if _, ok := n.files[abs]; ok {
		return nil
	}

	dir := filepath.Dir(abs)
	if _, err := os.Stat(dir); err != nil {
		return &WatchSetupError{Path: path, Err: err}
	}

	f := &notifyFile{name: path, abs: abs, target: resolve(abs)}
	var added []string
	for _, d := range f.dirs() {
		if err := n.watchDir(d); err != nil {
			for _, a := range added {
				n.unwatchDir(a)
			}
			return &WatchSetupError{Path: path, Err: err}
		}
		added = append(added, d)
	}
	n.files[abs] = f
	return nil
}

func (n *Notify) Remove(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	f, ok := n.files[abs]
	if !ok {
		return nil
	}
	delete(n.files, abs)

	for _, d := range f.dirs() {
		if err := n.unwatchDir(d); err != nil {
			return err
		}
	}
	return nil
}

// watchDir adds a reference to dir, subscribing on the first one. Callers
// hold n.mu.
func (n *Notify) watchDir(dir string) error {
	if n.dirs[dir] == 0 {
		if err := n.watcher.Add(dir); err != nil {
			return err
		}
	}
	n.dirs[dir]++
	return nil
}

// unwatchDir drops a reference to dir, unsubscribing on the last one.
// Callers hold n.mu.
func (n *Notify) unwatchDir(dir string) error {
	n.dirs[dir]--
	if n.dirs[dir] > 0 {
		return nil
	}
	delete(n.dirs, dir)

	err := n.watcher.Remove(dir)
	if errors.Is(err, fsnotify.ErrNonExistentWatch) {
		// Directory went away, the kernel already dropped the watch.
		return nil
	}
	return err
}

// retarget re-resolves f and moves the target directory watch if the
// link now points elsewhere. It reports whether the target changed.
// Callers hold n.mu.
func (n *Notify) retarget(f *notifyFile) bool {
	target := resolve(f.abs)
	if target == f.target {
		return false
	}

	old := f.dirs()
	f.target = target
	for _, d := range f.dirs() {
		if err := n.watchDir(d); err != nil {
			n.sendError(&WatchSetupError{Path: f.name, Err: err})
		}
	}
	for _, d := range old {
		_ = n.unwatchDir(d)
	}
	return true
}

// changed returns the registered files affected by an event on name.
func (n *Notify) changed(name string) []string {
	n.mu.Lock()
	defer n.mu.Unlock()

	dir := filepath.Dir(name)
	var paths []string
	for _, f := range n.files {
		switch {
		case name == f.abs || name == f.target:
			n.retarget(f)
			paths = append(paths, f.name)
		case n.watches(f, dir) && n.retarget(f):
			paths = append(paths, f.name)
		}
	}
	return paths
}

func (n *Notify) watches(f *notifyFile, dir string) bool {
	for _, d := range f.dirs() {
		if d == dir {
			return true
		}
	}
	return false
}

func (n *Notify) sendError(err error) {
	select {
	case n.errors <- err:
	default:
	}
}

func (n *Notify) Events() <-chan string {
	return n.events
}

func (n *Notify) Errors() <-chan error {
	return n.errors
}

func (n *Notify) Close() error {
	var err error
	n.closeOnce.Do(func() {
		close(n.done)
		err = n.watcher.Close()
		n.wg.Wait()
	})
	return err
}

func (n *Notify) run() {
	defer n.wg.Done()

	for {
		select {
		case event, ok := <-n.watcher.Events:
			if !ok {
				return
			}
			if event.Op == fsnotify.Chmod {
				continue
			}

			for _, path := range n.changed(filepath.Clean(event.Name)) {
				select {
				case n.events <- path:
				case <-n.done:
					return
				}
			}

		case err, ok := <-n.watcher.Errors:
			if !ok {
				return
			}
			select {
			case n.errors <- err:
			case <-n.done:
				return
			}

		case <-n.done:
			return
		}
	}
}
