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
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/themhat/meta-balena/logger"
	"github.com/themhat/meta-balena/osutil"
	"github.com/themhat/meta-balena/quantity"
)

var (
	devDir      = "/dev"
	sysBlockDir = "/sys/class/block"

	isBlockDevice = osutil.IsBlockDevice
)

// DeviceNotFoundError means none of the candidate internal devices is
// present on the system.
type DeviceNotFoundError struct {
	Candidates []string
}

func (e *DeviceNotFoundError) Error() string {
	return fmt.Sprintf("cannot find an internal device (tried: %s)", strings.Join(e.Candidates, ", "))
}

// SelectInternal picks the first candidate device name that exists as
// a block device and is not the disk the running system booted from.
// Candidates are bare device names such as "sda" or "nvme0n1".
func SelectInternal(candidates []string, runningDisk string) (string, error) {
	for _, name := range candidates {
		if name == runningDisk {
			logger.Debugf("skipping %s: running system device", name)
			continue
		}
		node := filepath.Join(devDir, name)
		if !isBlockDevice(node) {
			logger.Debugf("skipping %s: not a block device", name)
			continue
		}
		return node, nil
	}
	return "", &DeviceNotFoundError{Candidates: candidates}
}

// RunningDisk returns the bare name of the whole disk backing the root
// filesystem, or an empty string if it cannot be determined (e.g. the
// root filesystem is an initramfs or overlay).
func RunningDisk() (string, error) {
	output, err := exec.Command("findmnt", "--noheadings", "--output", "SOURCE", "/").CombinedOutput()
	if err != nil {
		return "", osutil.OutputErr(output, fmt.Errorf("cannot find root filesystem source: %v", err))
	}
	source := strings.TrimSpace(string(output))
	if !strings.HasPrefix(source, "/dev/") {
		// not backed by a block device
		return "", nil
	}
	return ParentDisk(source)
}

// ParentDisk resolves the bare name of the whole disk a partition node
// belongs to. Passing a whole disk returns its own name.
func ParentDisk(node string) (string, error) {
	name := filepath.Base(node)
	// /sys/class/block/<partition> is a symlink into
	// /sys/devices/.../block/<disk>/<partition>
	path, err := filepath.EvalSymlinks(filepath.Join(sysBlockDir, name))
	if err != nil {
		return "", fmt.Errorf("cannot resolve device %s: %v", node, err)
	}
	parent := filepath.Base(filepath.Dir(path))
	if parent == "block" {
		// already a whole disk
		return name, nil
	}
	return parent, nil
}

// FindByLabel returns the device node carrying the given filesystem
// label.
func FindByLabel(label string) (string, error) {
	output, err := exec.Command("findfs", "LABEL="+label).CombinedOutput()
	if err != nil {
		return "", osutil.OutputErr(output, fmt.Errorf("cannot find device with label %q: %v", label, err))
	}
	return strings.TrimSpace(string(output)), nil
}

// Capacity returns the size of a block device in bytes.
func Capacity(device string) (quantity.Size, error) {
	// blockdev --getsz reports the size in 512-byte sectors
	// regardless of the logical sector size
	output, err := exec.Command("blockdev", "--getsz", device).CombinedOutput()
	if err != nil {
		return 0, osutil.OutputErr(output, fmt.Errorf("cannot get size of %s: %v", device, err))
	}
	sectors, err := strconv.ParseUint(strings.TrimSpace(string(output)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("cannot parse blockdev output for %s: %v", device, err)
	}
	return quantity.Size(sectors) * sectorSize, nil
}
