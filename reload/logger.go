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
	"io"
	"log"
)

// Logger is used by the controller to report what it is doing. Info lines
// cover watch setup, reloads and failures; debug lines cover individual
// notifications and suppressed triggers.
type Logger interface {
	Infof(format string, args ...interface{})
	Debugf(format string, args ...interface{})
}

type stdLogger struct {
	log   *log.Logger
	debug bool
}

// NewLogger adapts a standard library logger. Debug lines are only written
// if debug is true.
func NewLogger(logger *log.Logger, debug bool) Logger {
	return stdLogger{log: logger, debug: debug}
}

func (l stdLogger) Infof(format string, args ...interface{}) {
	l.log.Printf(format, args...)
}

func (l stdLogger) Debugf(format string, args ...interface{}) {
	if l.debug {
		l.log.Printf("debug: "+format, args...)
	}
}

// NopLogger discards everything.
var NopLogger Logger = stdLogger{log: log.New(io.Discard, "", 0)}
