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

// Package watcher reports changes to a set of files. Two strategies are
// provided behind the same interface: Notify uses OS file notifications and
// Poll compares file metadata on a fixed interval. Both emit only the path
// that changed; consumers re-read whatever they need.
package watcher

import "fmt"

// Watcher delivers change notifications for subscribed paths.
type Watcher interface {
	// Add subscribes to changes of path. The file does not need to exist
	// yet. Adding a path twice is a no-op.
	Add(path string) error

	// Remove unsubscribes from path. Removing a path that is not being
	// watched is a no-op.
	Remove(path string) error

	// Events returns the channel on which changed paths are delivered,
	// exactly as they were passed to Add.
	Events() <-chan string

	// Errors returns the channel on which runtime watch errors are delivered.
	Errors() <-chan error

	// Close releases all resources. It is safe to call more than once.
	Close() error
}

// WatchSetupError is returned by Add when a path could not be watched.
type WatchSetupError struct {
	Path string
	Err  error
}

func (e *WatchSetupError) Error() string {
	return fmt.Sprintf("unable to watch '%s': %s", e.Path, e.Err)
}

func (e *WatchSetupError) Unwrap() error {
	return e.Err
}
