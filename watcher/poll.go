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

package watcher

import (
	"os"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// DefaultPollInterval is used by NewPoll when no interval is given.
const DefaultPollInterval = time.Second

// fileState is what Poll compares between ticks. A missing file is a valid
// state, so a file appearing or disappearing counts as a change.
type fileState struct {
	exists  bool
	size    int64
	modTime time.Time
	inode   uint64
}

func statFile(path string) (fileState, error) {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return fileState{}, nil
	}
	if err != nil {
		return fileState{}, err
	}
	return fileState{
		exists:  true,
		size:    info.Size(),
		modTime: info.ModTime(),
		inode:   inode(info),
	}, nil
}

// Poll watches files by periodically comparing their size, modification
// time and inode. It reliably notices atomic replacement at the cost of up
// to one interval of latency.
type Poll struct {
	clock    clockwork.Clock
	interval time.Duration

	mu    sync.Mutex
	files map[string]fileState

	events    chan string
	errors    chan error
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewPoll creates a Poll watcher ticking on the given clock. A nil clock
// means the real clock.
func NewPoll(clock clockwork.Clock, interval time.Duration) *Poll {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	p := &Poll{
		clock:    clock,
		interval: interval,
		files:    make(map[string]fileState),
		events:   make(chan string, 16),
		errors:   make(chan error, 4),
		done:     make(chan struct{}),
	}

	ticker := clock.NewTicker(interval)
	p.wg.Add(1)
	go p.run(ticker)
	return p
}

func (p *Poll) Add(path string) error {
	state, err := statFile(path)
	if err != nil {
		return &WatchSetupError{Path: path, Err: err}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.files[path]; !ok {
		p.files[path] = state
	}
	return nil
}

func (p *Poll) Remove(path string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.files, path)
	return nil
}

func (p *Poll) Events() <-chan string {
	return p.events
}

func (p *Poll) Errors() <-chan error {
	return p.errors
}

func (p *Poll) Close() error {
	p.closeOnce.Do(func() {
		close(p.done)
		p.wg.Wait()
	})
	return nil
}

func (p *Poll) run(ticker clockwork.Ticker) {
	defer p.wg.Done()
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			if !p.check() {
				return
			}
		case <-p.done:
			return
		}
	}
}

// check stats every subscribed file once and emits the ones that changed.
// Returns false if the watcher was closed while emitting.
func (p *Poll) check() bool {
	var changed []string
	var failed []error

	p.mu.Lock()
	for path, old := range p.files {
		state, err := statFile(path)
		if err != nil {
			failed = append(failed, err)
			continue
		}
		if state != old {
			p.files[path] = state
			changed = append(changed, path)
		}
	}
	p.mu.Unlock()

	for _, err := range failed {
		select {
		case p.errors <- err:
		default:
		}
	}

	for _, path := range changed {
		select {
		case p.events <- path:
		case <-p.done:
			return false
		}
	}
	return true
}
