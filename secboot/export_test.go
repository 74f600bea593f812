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

package secboot

import (
	"io"
)

func MockOpenTPM(f func(path string) (io.ReadWriteCloser, error)) (restore func()) {
	old := openTPM
	openTPM = f
	return func() {
		openTPM = old
	}
}

func MockTPMDevicePaths(paths []string) (restore func()) {
	old := tpmDevicePaths
	tpmDevicePaths = paths
	return func() {
		tpmDevicePaths = old
	}
}

func MockEFISecureBootVar(path string) (restore func()) {
	old := efiSecureBootVar
	efiSecureBootVar = path
	return func() {
		efiSecureBootVar = old
	}
}
