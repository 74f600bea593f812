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

package osutil

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/themhat/meta-balena/logger"
)

// MountError is returned when a mount or unmount operation fails.
type MountError struct {
	What  string
	Where string
	Err   error
}

func (e *MountError) Error() string {
	if e.Where == "" {
		return fmt.Sprintf("cannot unmount %s: %v", e.What, e.Err)
	}
	return fmt.Sprintf("cannot mount %s at %s: %v", e.What, e.Where, e.Err)
}

func (e *MountError) Unwrap() error { return e.Err }

// Mount mounts the given device node at mountpoint, creating the
// mountpoint if needed.
func Mount(device, mountpoint string) error {
	if err := os.MkdirAll(mountpoint, 0755); err != nil {
		return &MountError{What: device, Where: mountpoint, Err: err}
	}
	if output, err := exec.Command("mount", device, mountpoint).CombinedOutput(); err != nil {
		return &MountError{What: device, Where: mountpoint, Err: OutputErr(output, err)}
	}
	return nil
}

// Unmount unmounts the filesystem mounted at mountpoint.
func Unmount(mountpoint string) error {
	if output, err := exec.Command("umount", mountpoint).CombinedOutput(); err != nil {
		return &MountError{What: mountpoint, Err: OutputErr(output, err)}
	}
	return nil
}

// MountGuard tracks an active mount so that it can be released exactly
// once on every exit path.
type MountGuard struct {
	Mountpoint string

	unmounted bool
}

// MountWithGuard mounts device at mountpoint and returns a guard that
// releases the mount.
func MountWithGuard(device, mountpoint string) (*MountGuard, error) {
	if err := Mount(device, mountpoint); err != nil {
		return nil, err
	}
	return &MountGuard{Mountpoint: mountpoint}, nil
}

// Release unmounts the guarded mountpoint. Calling Release more than
// once is a no-op.
func (g *MountGuard) Release() error {
	if g == nil || g.unmounted {
		return nil
	}
	g.unmounted = true
	if err := Unmount(g.Mountpoint); err != nil {
		logger.Noticef("cannot release mount %s: %v", g.Mountpoint, err)
		return err
	}
	return nil
}
