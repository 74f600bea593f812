// -*- Mode: Go; indent-tabs-mode: t -*-

/*
 * Copyright (C) 2026 themhat
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License version 3 as
 * published by the Free Software Foundation.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package partition

import (
	"time"
)

func MockDevDir(dir string) (restore func()) {
	old := devDir
	devDir = dir
	return func() {
		devDir = old
	}
}

func MockSysBlockDir(dir string) (restore func()) {
	old := sysBlockDir
	sysBlockDir = dir
	return func() {
		sysBlockDir = old
	}
}

func MockIsBlockDevice(f func(string) bool) (restore func()) {
	old := isBlockDevice
	isBlockDevice = f
	return func() {
		isBlockDevice = old
	}
}

func MockEnsureNodeTimeout(d time.Duration) (restore func()) {
	old := ensureNodeTimeout
	ensureNodeTimeout = d
	return func() {
		ensureNodeTimeout = old
	}
}
