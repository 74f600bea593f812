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

package provision

import (
	"github.com/themhat/meta-balena/quantity"
	"github.com/themhat/meta-balena/secboot"
)

func MockRunningDisk(f func() (string, error)) (restore func()) {
	old := runningDisk
	runningDisk = f
	return func() {
		runningDisk = old
	}
}

func MockSelectInternal(f func(candidates []string, running string) (string, error)) (restore func()) {
	old := selectInternal
	selectInternal = f
	return func() {
		selectInternal = old
	}
}

func MockDeviceCapacity(f func(device string) (quantity.Size, error)) (restore func()) {
	old := deviceCapacity
	deviceCapacity = f
	return func() {
		deviceCapacity = old
	}
}

func MockSecureBootEnabled(f func() bool) (restore func()) {
	old := secureBootEnabled
	secureBootEnabled = f
	return func() {
		secureBootEnabled = old
	}
}

func MockConnectSealer(f func(path string) (secboot.Sealer, error)) (restore func()) {
	old := connectSealer
	connectSealer = f
	return func() {
		connectSealer = old
	}
}

func MockFormatPartition(f func(p *secboot.Provisioner, node, label string) (string, error)) (restore func()) {
	old := formatPartition
	formatPartition = f
	return func() {
		formatPartition = old
	}
}
