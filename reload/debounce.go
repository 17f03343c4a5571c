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

package reload

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// debounceTimer is the single trailing-edge timer of a controller. Every
// arm bumps the generation, so a fire that raced with a newer arm can tell
// it has been superseded. Callers hold the controller lock.
type debounceTimer struct {
	timer    clockwork.Timer
	pending  bool
	deadline time.Time
	gen      uint64
}

// arm stops any armed timer and starts a new one that calls fire with the
// current generation after quiet has elapsed.
func (d *debounceTimer) arm(clock clockwork.Clock, quiet time.Duration, fire func(gen uint64)) {
	d.gen++
	if d.timer != nil {
		d.timer.Stop()
	}

	gen := d.gen
	d.pending = true
	d.deadline = clock.Now().Add(quiet)
	d.timer = clock.AfterFunc(quiet, func() { fire(gen) })
}

// expire reports whether a fire for gen is still current, and disarms the
// timer if so.
func (d *debounceTimer) expire(gen uint64) bool {
	if !d.pending || gen != d.gen {
		return false
	}
	d.pending = false
	d.timer = nil
	return true
}

// cancel disarms the timer for good; a fire already in flight will see a
// stale generation.
func (d *debounceTimer) cancel() {
	d.gen++
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.pending = false
}
