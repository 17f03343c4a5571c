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

package certloader

import "fmt"

// ContextBuildError is returned when a snapshot could not be built from the
// current credential material. Source names the input that failed (a path,
// "<inline>", or the role of the input when no single source is to blame).
type ContextBuildError struct {
	Source string
	Err    error
}

func (e *ContextBuildError) Error() string {
	return fmt.Sprintf("unable to build TLS context from %s: %s", e.Source, e.Err)
}

func (e *ContextBuildError) Unwrap() error {
	return e.Err
}

func buildError(source string, err error) error {
	if _, ok := err.(*ContextBuildError); ok {
		return err
	}
	return &ContextBuildError{Source: source, Err: err}
}
