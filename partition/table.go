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
	"bytes"
	"encoding/json"
	"fmt"
	"os/exec"
	"time"

	"github.com/themhat/meta-balena/osutil"
	"github.com/themhat/meta-balena/quantity"
)

const sectorSize = quantity.Size(512)

// sfdiskDeviceDump represents the sfdisk --dump JSON output format.
type sfdiskDeviceDump struct {
	PartitionTable sfdiskPartitionTable `json:"partitiontable"`
}

type sfdiskPartitionTable struct {
	Label      string            `json:"label"`
	ID         string            `json:"id"`
	Device     string            `json:"device"`
	Unit       string            `json:"unit"`
	FirstLBA   uint64            `json:"firstlba"`
	LastLBA    uint64            `json:"lastlba"`
	Partitions []sfdiskPartition `json:"partitions"`
}

type sfdiskPartition struct {
	Node  string `json:"node"`
	Start uint64 `json:"start"`
	Size  uint64 `json:"size"`
	Type  string `json:"type"`
	UUID  string `json:"uuid"`
	Name  string `json:"name"`
}

// Entry is a single partition read from an existing partition table.
type Entry struct {
	Node  string
	Label string
	Type  string
	Start quantity.Offset
	Size  quantity.Size
}

// End returns the first byte past the partition.
func (e *Entry) End() quantity.Offset {
	return e.Start + quantity.Offset(e.Size)
}

// Table is the partition table of a block device.
type Table struct {
	// Scheme is the partition table scheme, "gpt" or "dos".
	Scheme string
	// Device is the block device the table was read from.
	Device string
	// Entries lists the partitions in table order.
	Entries []Entry
}

// ByLabel returns the entry carrying the given GPT partition name or
// filesystem label, or nil.
func (t *Table) ByLabel(label string) *Entry {
	for i := range t.Entries {
		if t.Entries[i].Label == label {
			return &t.Entries[i]
		}
	}
	return nil
}

// End returns the first byte past the last partition.
func (t *Table) End() quantity.Offset {
	var end quantity.Offset
	for i := range t.Entries {
		if e := t.Entries[i].End(); e > end {
			end = e
		}
	}
	return end
}

// ReadTable reads the partition table of the given block device.
func ReadTable(device string) (*Table, error) {
	output, err := exec.Command("sfdisk", "--json", device).CombinedOutput()
	if err != nil {
		return nil, osutil.OutputErr(output, fmt.Errorf("cannot read partition table of %s: %v", device, err))
	}

	var dump sfdiskDeviceDump
	if err := json.Unmarshal(output, &dump); err != nil {
		return nil, fmt.Errorf("cannot unmarshal sfdisk output: %v", err)
	}

	ptable := dump.PartitionTable
	if ptable.Unit != "sectors" {
		return nil, fmt.Errorf("cannot use partition table of %s: unknown unit %q", device, ptable.Unit)
	}

	t := &Table{
		Scheme: ptable.Label,
		Device: device,
	}
	for _, p := range ptable.Partitions {
		label := p.Name
		if label == "" {
			// MBR has no partition names, fall back to the
			// filesystem label
			label = filesystemLabel(p.Node)
		}
		t.Entries = append(t.Entries, Entry{
			Node:  p.Node,
			Label: label,
			Type:  p.Type,
			Start: quantity.Offset(p.Start) * quantity.Offset(sectorSize),
			Size:  quantity.Size(p.Size) * sectorSize,
		})
	}
	return t, nil
}

// lsblkFilesystemInfo represents the lsblk --fs JSON output format.
type lsblkFilesystemInfo struct {
	BlockDevices []lsblkBlockDevice `json:"blockdevices"`
}

type lsblkBlockDevice struct {
	Name       string `json:"name"`
	FSType     string `json:"fstype"`
	Label      string `json:"label"`
	UUID       string `json:"uuid"`
	Mountpoint string `json:"mountpoint"`
}

func filesystemLabel(node string) string {
	output, err := exec.Command("lsblk", "--fs", "--json", node).CombinedOutput()
	if err != nil {
		return ""
	}

	var info lsblkFilesystemInfo
	if err := json.Unmarshal(output, &info); err != nil {
		return ""
	}
	if len(info.BlockDevices) < 1 {
		return ""
	}
	return info.BlockDevices[0].Label
}

// copyTable replicates the reference device partition table onto the
// target, wiping whatever table the target carried before.
func copyTable(ref, target string) error {
	dump, err := exec.Command("sfdisk", "--dump", ref).CombinedOutput()
	if err != nil {
		return osutil.OutputErr(dump, fmt.Errorf("cannot dump partition table of %s: %v", ref, err))
	}

	// By default sfdisk will try to re-read the partition table with
	// the BLKRRPART ioctl but may fail because the kernel side rescan
	// removes and adds partitions while some are still claimed. Use
	// --no-reread and reload explicitly below.
	cmd := exec.Command("sfdisk", "--no-reread", "--wipe", "always", target)
	cmd.Stdin = bytes.NewReader(dump)
	if output, err := cmd.CombinedOutput(); err != nil {
		return osutil.OutputErr(output, fmt.Errorf("cannot write partition table to %s: %v", target, err))
	}

	return reloadPartitionTable(target)
}

// createTable writes a fresh GPT table with the given specs to the
// target device.
func createTable(target string, specs []Spec) error {
	buf := &bytes.Buffer{}
	fmt.Fprintf(buf, "label: gpt\n\n")
	for i := range specs {
		s := &specs[i]
		onDiskSize := s.Size + s.HeaderSize()
		fmt.Fprintf(buf, "start=%12d, size=%12d, type=%s, name=%q\n",
			uint64(s.Start)/uint64(sectorSize), uint64(onDiskSize/sectorSize), s.Type, s.Label)
	}

	cmd := exec.Command("sfdisk", "--no-reread", "--wipe", "always", target)
	cmd.Stdin = buf
	if output, err := cmd.CombinedOutput(); err != nil {
		return osutil.OutputErr(output, fmt.Errorf("cannot write partition table to %s: %v", target, err))
	}

	return reloadPartitionTable(target)
}

// reloadPartitionTable instructs the kernel to re-read the partition
// table of a given block device.
func reloadPartitionTable(device string) error {
	// Use the BLKPG ioctl via partx, which doesn't remove existing
	// partitions but updates sizes and offsets and appends new
	// partitions.
	output, err := exec.Command("partx", "-u", device).CombinedOutput()
	if err != nil {
		return osutil.OutputErr(output, fmt.Errorf("cannot reload partition table of %s: %v", device, err))
	}
	return nil
}

// Rescan makes the kernel re-read the partition table and waits for
// udev to catch up.
func Rescan(device string) error {
	if err := reloadPartitionTable(device); err != nil {
		return err
	}
	return udevTrigger(device)
}

// udevTrigger triggers udev for the specified device and waits until
// all events in the udev queue are handled.
func udevTrigger(device string) error {
	if output, err := exec.Command("udevadm", "trigger", "--settle", device).CombinedOutput(); err != nil {
		return osutil.OutputErr(output, fmt.Errorf("cannot trigger udev for %s: %v", device, err))
	}
	return nil
}

var ensureNodeTimeout = 5 * time.Second

// EnsureNodesExist makes sure the device nodes are available and
// notified to udev, within a fixed amount of time.
func EnsureNodesExist(nodes []string) error {
	t0 := time.Now()
	for _, node := range nodes {
		found := false
		for time.Since(t0) < ensureNodeTimeout {
			if osutil.FileExists(node) {
				found = true
				break
			}
			time.Sleep(100 * time.Millisecond)
		}
		if !found {
			return fmt.Errorf("device %s not available", node)
		}
		if err := udevTrigger(node); err != nil {
			return err
		}
	}
	return nil
}

// DeviceNode returns the device node of the index-th partition
// (1-based) of the given disk device.
func DeviceNode(device string, index int) string {
	if len(device) > 0 {
		last := device[len(device)-1]
		if last >= '0' && last <= '9' {
			return fmt.Sprintf("%sp%d", device, index)
		}
	}
	return fmt.Sprintf("%s%d", device, index)
}
