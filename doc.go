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
// Command tlsreload is a TLS terminating reverse proxy for a plain HTTP
// backend. It watches its certificate, private key, CA bundle and CRL on disk
// and swaps them in without a restart once they stop changing. New
// connections use the new certificates, established connections keep the
// ones they were accepted with. A reload that fails (e.g. a half-written
// file) is logged and the previous certificates stay in use.
package main
