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
	"os"
	"os/exec"
	"strings"

	"github.com/themhat/meta-balena/osutil"
	"github.com/themhat/meta-balena/quantity"
)

// ImageSource is a reference image attached to a loop device so that
// its partitions can be inspected and read individually.
type ImageSource struct {
	// Path is the image file.
	Path string
	// Size is the size of the image file.
	Size quantity.Size
	// Device is the loop device the image is attached to.
	Device string
	// Table is the partition table of the image.
	Table *Table
}

// AttachImage attaches the given image file to a free loop device with
// partition scanning enabled and reads its partition table.
func AttachImage(path string) (*ImageSource, error) {
	st, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("cannot use image: %v", err)
	}

	output, err := exec.Command("losetup", "--find", "--show", "--partscan", path).CombinedOutput()
	if err != nil {
		return nil, osutil.OutputErr(output, fmt.Errorf("cannot attach %s to a loop device: %v", path, err))
	}
	device := strings.TrimSpace(string(output))

	table, err := ReadTable(device)
	if err != nil {
		detachLoop(device)
		return nil, err
	}

	return &ImageSource{
		Path:   path,
		Size:   quantity.Size(st.Size()),
		Device: device,
		Table:  table,
	}, nil
}

// Detach releases the loop device.
func (img *ImageSource) Detach() error {
	if img.Device == "" {
		return nil
	}
	if err := detachLoop(img.Device); err != nil {
		return err
	}
	img.Device = ""
	return nil
}

func detachLoop(device string) error {
	output, err := exec.Command("losetup", "--detach", device).CombinedOutput()
	if err != nil {
		return osutil.OutputErr(output, fmt.Errorf("cannot detach %s: %v", device, err))
	}
	return nil
}

// PartitionNode returns the loop partition node carrying the given
// label, e.g. /dev/loop0p2.
func (img *ImageSource) PartitionNode(label string) (string, error) {
	for i := range img.Table.Entries {
		if img.Table.Entries[i].Label == label {
			return DeviceNode(img.Device, i+1), nil
		}
	}
	return "", fmt.Errorf("image %s has no partition labeled %q", img.Path, label)
}
