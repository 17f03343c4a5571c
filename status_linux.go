//go:build linux

/*-
 * Copyright 2024, Ghostunnel
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

package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"golang.org/x/sys/unix"
)

// systemdNotify sends one notification with the given assignments. Outside
// of systemd (no NOTIFY_SOCKET) it does nothing.
func systemdNotify(assignments ...string) {
	_, _ = daemon.SdNotify(false, strings.Join(assignments, "\n"))
}

// systemdNotifyServing marks the unit ready and shows what is being served.
func systemdNotifyServing(status string) {
	systemdNotify(daemon.SdNotifyReady, "STATUS="+status)
}

// systemdNotifyReloading marks the unit as reloading. Type=notify-reload
// units require the monotonic timestamp alongside RELOADING=1.
func systemdNotifyReloading() {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		systemdNotify(daemon.SdNotifyReloading, "STATUS=reloading certificates")
		return
	}
	systemdNotify(
		daemon.SdNotifyReloading,
		fmt.Sprintf("MONOTONIC_USEC=%d", ts.Nano()/int64(time.Microsecond)),
		"STATUS=reloading certificates",
	)
}

func systemdNotifyStopping() {
	systemdNotify(daemon.SdNotifyStopping, "STATUS=draining connections")
}

// systemdHandleWatchdog pings the systemd watchdog at half its interval
// while isHealthy holds, until done is closed. It returns an error right
// away if the unit has no watchdog configured.
func systemdHandleWatchdog(isHealthy func() bool, done <-chan struct{}) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		return err
	}
	if interval == 0 {
		return fmt.Errorf("watchdog not enabled for this unit")
	}

	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if isHealthy() {
				systemdNotify(daemon.SdNotifyWatchdog)
			}
		case <-done:
			return nil
		}
	}
}
