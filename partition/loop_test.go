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
	"fmt"
	"os"
	"path/filepath"

	. "gopkg.in/check.v1"

	"github.com/themhat/meta-balena/partition"
	"github.com/themhat/meta-balena/quantity"
	"github.com/themhat/meta-balena/testutil"
)

type loopSuite struct {
	testutil.BaseTest

	image string
}

var _ = Suite(&loopSuite{})

func (s *loopSuite) SetUpTest(c *C) {
	s.BaseTest.SetUpTest(c)

	s.image = filepath.Join(c.MkDir(), "balena.img")
	c.Assert(os.WriteFile(s.image, make([]byte, 4096), 0644), IsNil)
}

func (s *loopSuite) TestAttachImage(c *C) {
	losetup := testutil.MockCommand(c, "losetup", "echo /dev/loop3")
	s.AddCleanup(losetup.Restore)
	sfdisk := losetup.Also("sfdisk", fmt.Sprintf("echo '%s'", mockSfdiskJSON))

	img, err := partition.AttachImage(s.image)
	c.Assert(err, IsNil)
	c.Check(img.Device, Equals, "/dev/loop3")
	c.Check(img.Size, Equals, quantity.Size(4096))
	c.Assert(img.Table, NotNil)
	c.Check(img.Table.Entries, HasLen, 2)
	c.Check(losetup.Calls(), DeepEquals, [][]string{
		{"losetup", "--find", "--show", "--partscan", s.image},
		{"sfdisk", "--json", "/dev/loop3"},
	})
	c.Check(sfdisk.Calls(), Not(HasLen), 0)

	node, err := img.PartitionNode("resin-rootA")
	c.Assert(err, IsNil)
	c.Check(node, Equals, "/dev/loop3p2")

	_, err = img.PartitionNode("missing")
	c.Assert(err, ErrorMatches, `image .* has no partition labeled "missing"`)
}

func (s *loopSuite) TestAttachImageMissing(c *C) {
	_, err := partition.AttachImage(filepath.Join(c.MkDir(), "nope.img"))
	c.Assert(err, ErrorMatches, "cannot use image: .*")
}

func (s *loopSuite) TestAttachImageNoTableDetaches(c *C) {
	losetup := testutil.MockCommand(c, "losetup", "echo /dev/loop3")
	s.AddCleanup(losetup.Restore)
	losetup.Also("sfdisk", "echo 'unrecognized'; exit 1")

	_, err := partition.AttachImage(s.image)
	c.Assert(err, ErrorMatches, "cannot read partition table of /dev/loop3: .*")
	// the loop device was released again
	c.Check(losetup.Calls(), DeepEquals, [][]string{
		{"losetup", "--find", "--show", "--partscan", s.image},
		{"sfdisk", "--json", "/dev/loop3"},
		{"losetup", "--detach", "/dev/loop3"},
	})
}

func (s *loopSuite) TestDetach(c *C) {
	losetup := testutil.MockCommand(c, "losetup", "echo /dev/loop3")
	s.AddCleanup(losetup.Restore)
	losetup.Also("sfdisk", fmt.Sprintf("echo '%s'", mockSfdiskJSON))

	img, err := partition.AttachImage(s.image)
	c.Assert(err, IsNil)

	losetup.ForgetCalls()
	c.Assert(img.Detach(), IsNil)
	c.Check(losetup.Calls(), DeepEquals, [][]string{
		{"losetup", "--detach", "/dev/loop3"},
	})

	// a second Detach is a no-op
	losetup.ForgetCalls()
	c.Assert(img.Detach(), IsNil)
	c.Check(losetup.Calls(), HasLen, 0)
}
