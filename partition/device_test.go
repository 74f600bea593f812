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

package partition_test

import (
	"os"
	"path/filepath"

	. "gopkg.in/check.v1"

	"github.com/themhat/meta-balena/partition"
	"github.com/themhat/meta-balena/quantity"
	"github.com/themhat/meta-balena/testutil"
)

type deviceSuite struct {
	testutil.BaseTest

	devDir string
}

var _ = Suite(&deviceSuite{})

func (s *deviceSuite) SetUpTest(c *C) {
	s.BaseTest.SetUpTest(c)

	s.devDir = c.MkDir()
	s.AddCleanup(partition.MockDevDir(s.devDir))
}

func (s *deviceSuite) mockNode(c *C, name string) string {
	node := filepath.Join(s.devDir, name)
	c.Assert(os.WriteFile(node, nil, 0644), IsNil)
	return node
}

func (s *deviceSuite) TestSelectInternalFirstPresent(c *C) {
	s.AddCleanup(partition.MockIsBlockDevice(func(node string) bool {
		return filepath.Base(node) == "sdb"
	}))
	s.mockNode(c, "sdb")

	node, err := partition.SelectInternal([]string{"sda", "sdb"}, "")
	c.Assert(err, IsNil)
	c.Check(node, Equals, filepath.Join(s.devDir, "sdb"))
}

func (s *deviceSuite) TestSelectInternalSkipsRunningDisk(c *C) {
	s.AddCleanup(partition.MockIsBlockDevice(func(node string) bool {
		return true
	}))
	s.mockNode(c, "sda")
	s.mockNode(c, "sdb")

	node, err := partition.SelectInternal([]string{"sda", "sdb"}, "sda")
	c.Assert(err, IsNil)
	c.Check(node, Equals, filepath.Join(s.devDir, "sdb"))
}

func (s *deviceSuite) TestSelectInternalNoneFound(c *C) {
	s.AddCleanup(partition.MockIsBlockDevice(func(node string) bool {
		return false
	}))

	_, err := partition.SelectInternal([]string{"sda", "nvme0n1"}, "")
	c.Assert(err, FitsTypeOf, &partition.DeviceNotFoundError{})
	c.Check(err, ErrorMatches, `cannot find an internal device \(tried: sda, nvme0n1\)`)
}

func (s *deviceSuite) mockSysBlock(c *C, disk string, parts ...string) {
	// model /sys/class/block symlinks into /sys/devices
	sysDir := c.MkDir()
	classDir := filepath.Join(sysDir, "class", "block")
	c.Assert(os.MkdirAll(classDir, 0755), IsNil)
	diskDir := filepath.Join(sysDir, "devices", "pci0", "block", disk)
	c.Assert(os.MkdirAll(diskDir, 0755), IsNil)
	c.Assert(os.Symlink(diskDir, filepath.Join(classDir, disk)), IsNil)
	for _, part := range parts {
		partDir := filepath.Join(diskDir, part)
		c.Assert(os.MkdirAll(partDir, 0755), IsNil)
		c.Assert(os.Symlink(partDir, filepath.Join(classDir, part)), IsNil)
	}
	s.AddCleanup(partition.MockSysBlockDir(classDir))
}

func (s *deviceSuite) TestParentDiskOfPartition(c *C) {
	s.mockSysBlock(c, "sda", "sda1", "sda2")

	disk, err := partition.ParentDisk("/dev/sda2")
	c.Assert(err, IsNil)
	c.Check(disk, Equals, "sda")
}

func (s *deviceSuite) TestParentDiskOfWholeDisk(c *C) {
	s.mockSysBlock(c, "sda")

	disk, err := partition.ParentDisk("/dev/sda")
	c.Assert(err, IsNil)
	c.Check(disk, Equals, "sda")
}

func (s *deviceSuite) TestParentDiskUnknown(c *C) {
	s.mockSysBlock(c, "sda")

	_, err := partition.ParentDisk("/dev/sdz9")
	c.Assert(err, ErrorMatches, `cannot resolve device /dev/sdz9: .*`)
}

func (s *deviceSuite) TestRunningDisk(c *C) {
	cmd := testutil.MockCommand(c, "findmnt", "echo /dev/sda2")
	s.AddCleanup(cmd.Restore)
	s.mockSysBlock(c, "sda", "sda1", "sda2")

	disk, err := partition.RunningDisk()
	c.Assert(err, IsNil)
	c.Check(disk, Equals, "sda")
	c.Check(cmd.Calls(), DeepEquals, [][]string{
		{"findmnt", "--noheadings", "--output", "SOURCE", "/"},
	})
}

func (s *deviceSuite) TestRunningDiskNotBlockBacked(c *C) {
	cmd := testutil.MockCommand(c, "findmnt", "echo overlay")
	s.AddCleanup(cmd.Restore)

	disk, err := partition.RunningDisk()
	c.Assert(err, IsNil)
	c.Check(disk, Equals, "")
}

func (s *deviceSuite) TestFindByLabel(c *C) {
	cmd := testutil.MockCommand(c, "findfs", "echo /dev/sda1")
	s.AddCleanup(cmd.Restore)

	node, err := partition.FindByLabel("resin-boot")
	c.Assert(err, IsNil)
	c.Check(node, Equals, "/dev/sda1")
	c.Check(cmd.Calls(), DeepEquals, [][]string{
		{"findfs", "LABEL=resin-boot"},
	})
}

func (s *deviceSuite) TestFindByLabelNotFound(c *C) {
	cmd := testutil.MockCommand(c, "findfs", "exit 1")
	s.AddCleanup(cmd.Restore)

	_, err := partition.FindByLabel("resin-boot")
	c.Assert(err, ErrorMatches, `cannot find device with label "resin-boot": .*`)
}

func (s *deviceSuite) TestCapacity(c *C) {
	cmd := testutil.MockCommand(c, "blockdev", "echo 16777216")
	s.AddCleanup(cmd.Restore)

	size, err := partition.Capacity("/dev/sda")
	c.Assert(err, IsNil)
	c.Check(size, Equals, 8*quantity.SizeGiB)
	c.Check(cmd.Calls(), DeepEquals, [][]string{
		{"blockdev", "--getsz", "/dev/sda"},
	})
}

func (s *deviceSuite) TestCapacityError(c *C) {
	cmd := testutil.MockCommand(c, "blockdev", "echo 'not a block device'; exit 1")
	s.AddCleanup(cmd.Restore)

	_, err := partition.Capacity("/dev/sda")
	c.Assert(err, ErrorMatches, `cannot get size of /dev/sda: .*\(not a block device\)`)
}

func (s *deviceSuite) TestCapacityGarbage(c *C) {
	cmd := testutil.MockCommand(c, "blockdev", "echo banana")
	s.AddCleanup(cmd.Restore)

	_, err := partition.Capacity("/dev/sda")
	c.Assert(err, ErrorMatches, `cannot parse blockdev output for /dev/sda: .*`)
}
