/*-
 * Copyright 2018 Square Inc.
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

// Package certloader builds immutable TLS server snapshots from credential
// material on disk (or in memory) and keeps the active one in an atomic cell
// so that listeners can pick up new material on every accepted connection.
// Certificates and keys can be read from PEM files or PKCS#12 keystores; an
// optional CA bundle enables client authentication and an optional CRL
// rejects revoked client certificates.
package certloader
