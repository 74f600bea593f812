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

// Package quantity defines types and helpers for byte sizes and offsets
// on block devices.
package quantity

import (
	"fmt"
)

// Size describes the size of a region on disk in bytes.
type Size uint64

const (
	// SizeKiB is the size of one kibibyte (2^10 = 1024 bytes)
	SizeKiB = Size(1 << 10)
	// SizeMiB is the size of one mebibyte (2^20 = 1024^2 = 1048576 bytes)
	SizeMiB = Size(1 << 20)
	// SizeGiB is the size of one gibibyte (2^30 = 1024^3 = 1073741824 bytes)
	SizeGiB = Size(1 << 30)
)

func (s Size) String() string {
	return fmt.Sprintf("%d", uint64(s))
}

// IECString formats the size using multiples from IEC units (i.e. kibibytes,
// mebibytes), that is as multiples of 1024. Printed values are truncated to 2
// decimal points.
func (s Size) IECString() string {
	return iecSizeString(uint64(s))
}

// AlignUp returns the size rounded up to the nearest multiple of align.
func (s Size) AlignUp(align Size) Size {
	if align == 0 || s%align == 0 {
		return s
	}
	return (s/align + 1) * align
}

// Offset describes the start position of a region on disk in bytes.
type Offset uint64

// OffsetMiB is the offset of one mebibyte
const OffsetMiB = Offset(SizeMiB)

func (o Offset) String() string {
	return fmt.Sprintf("%d", uint64(o))
}

// IECString formats the offset using multiples from IEC units (i.e.
// kibibytes, mebibytes), that is as multiples of 1024. Printed values
// are truncated to 2 decimal points.
func (o Offset) IECString() string {
	return iecSizeString(uint64(o))
}

func iecSizeString(v uint64) string {
	r := float64(v)
	unit := "B"
	for _, rangeUnit := range []string{"KiB", "MiB", "GiB", "TiB", "PiB", "EiB"} {
		if r < 1024 {
			break
		}
		r /= 1024
		unit = rangeUnit
	}
	return fmt.Sprintf("%.2f %s", r, unit)
}
