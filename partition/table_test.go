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
	"time"

	. "gopkg.in/check.v1"

	"github.com/themhat/meta-balena/partition"
	"github.com/themhat/meta-balena/quantity"
	"github.com/themhat/meta-balena/testutil"
)

type tableSuite struct {
	testutil.BaseTest
}

var _ = Suite(&tableSuite{})

const mockSfdiskJSON = `{
   "partitiontable": {
      "label": "gpt",
      "id": "9151F25B-CDF0-48F1-9EDE-68CBD616E2CA",
      "device": "/dev/sda",
      "unit": "sectors",
      "firstlba": 34,
      "lastlba": 8388574,
      "partitions": [
         {"node": "/dev/sda1", "start": 8192, "size": 131072, "type": "C12A7328-F81F-11D2-BA4B-00A0C93EC93B", "uuid": "216E34A3-C2B4-4C40-B846-3642E56B2CCA", "name": "resin-boot"},
         {"node": "/dev/sda2", "start": 139264, "size": 614400, "type": "0FC63DAF-8483-4772-8E79-3D69D8477DE4", "uuid": "72F7C57B-A3F8-408A-B9A9-243F72E3AD4A", "name": "resin-rootA"}
      ]
   }
}`

func (s *tableSuite) TestReadTable(c *C) {
	cmd := testutil.MockCommand(c, "sfdisk", fmt.Sprintf("echo '%s'", mockSfdiskJSON))
	s.AddCleanup(cmd.Restore)

	t, err := partition.ReadTable("/dev/sda")
	c.Assert(err, IsNil)
	c.Check(cmd.Calls(), DeepEquals, [][]string{
		{"sfdisk", "--json", "/dev/sda"},
	})
	c.Check(t.Scheme, Equals, "gpt")
	c.Check(t.Device, Equals, "/dev/sda")
	c.Assert(t.Entries, HasLen, 2)
	c.Check(t.Entries[0], DeepEquals, partition.Entry{
		Node:  "/dev/sda1",
		Label: "resin-boot",
		Type:  "C12A7328-F81F-11D2-BA4B-00A0C93EC93B",
		Start: 4 * quantity.OffsetMiB,
		Size:  64 * quantity.SizeMiB,
	})
	c.Check(t.Entries[1].Label, Equals, "resin-rootA")
	c.Check(t.Entries[1].Start, Equals, 68*quantity.OffsetMiB)
	c.Check(t.Entries[1].Size, Equals, 300*quantity.SizeMiB)
}

func (s *tableSuite) TestReadTableError(c *C) {
	cmd := testutil.MockCommand(c, "sfdisk", "echo 'no such device'; exit 1")
	s.AddCleanup(cmd.Restore)

	_, err := partition.ReadTable("/dev/sda")
	c.Assert(err, ErrorMatches, `cannot read partition table of /dev/sda: .*\(no such device\)`)
}

func (s *tableSuite) TestReadTableBadUnit(c *C) {
	cmd := testutil.MockCommand(c, "sfdisk", `echo '{"partitiontable": {"label": "gpt", "unit": "cylinders"}}'`)
	s.AddCleanup(cmd.Restore)

	_, err := partition.ReadTable("/dev/sda")
	c.Assert(err, ErrorMatches, `cannot use partition table of /dev/sda: unknown unit "cylinders"`)
}

func (s *tableSuite) TestTableHelpers(c *C) {
	t := &partition.Table{
		Entries: []partition.Entry{
			{Label: "resin-boot", Start: 4 * quantity.OffsetMiB, Size: 64 * quantity.SizeMiB},
			{Label: "resin-rootA", Start: 68 * quantity.OffsetMiB, Size: 300 * quantity.SizeMiB},
		},
	}
	c.Check(t.ByLabel("resin-rootA").Start, Equals, 68*quantity.OffsetMiB)
	c.Check(t.ByLabel("missing"), IsNil)
	c.Check(t.End(), Equals, 368*quantity.OffsetMiB)
}

func (s *tableSuite) TestApplyVerbatim(c *C) {
	dumpFile := filepath.Join(c.MkDir(), "input")
	cmd := testutil.MockCommand(c, "sfdisk", fmt.Sprintf(`
if [ "$1" = "--dump" ]; then
    echo "label: gpt"
    echo "/dev/loop0p1 : start=8192, size=131072, name=\"resin-boot\""
else
    cat > %q
fi`, dumpFile))
	s.AddCleanup(cmd.Restore)
	partx := cmd.Also("partx", "")

	plan := &partition.Plan{Verbatim: true, Scheme: "gpt"}
	err := plan.Apply("/dev/loop0", "/dev/sda")
	c.Assert(err, IsNil)

	c.Check(cmd.Calls(), DeepEquals, [][]string{
		{"sfdisk", "--dump", "/dev/loop0"},
		{"sfdisk", "--no-reread", "--wipe", "always", "/dev/sda"},
		{"partx", "-u", "/dev/sda"},
	})
	c.Check(partx.Calls(), Not(HasLen), 0)

	// the dump of the reference device was fed to the target run
	written, err := os.ReadFile(dumpFile)
	c.Assert(err, IsNil)
	c.Check(string(written), Matches, `(?s)label: gpt\n.*resin-boot.*`)
}

func (s *tableSuite) TestApplyFreshLayout(c *C) {
	scriptFile := filepath.Join(c.MkDir(), "input")
	cmd := testutil.MockCommand(c, "sfdisk", fmt.Sprintf("cat > %q", scriptFile))
	s.AddCleanup(cmd.Restore)
	cmd.Also("partx", "")

	plan := &partition.Plan{
		Scheme: "gpt",
		Specs: []partition.Spec{
			{Label: "balena-efi", Start: 4 * quantity.OffsetMiB, Size: 64 * quantity.SizeMiB, Type: "C12A7328-F81F-11D2-BA4B-00A0C93EC93B"},
			{Label: "resin-boot", Start: 68 * quantity.OffsetMiB, Size: 64 * quantity.SizeMiB, Type: "0FC63DAF-8483-4772-8E79-3D69D8477DE4", Encrypted: true},
		},
	}
	err := plan.Apply("/dev/loop0", "/dev/sda")
	c.Assert(err, IsNil)

	c.Check(cmd.Calls(), DeepEquals, [][]string{
		{"sfdisk", "--no-reread", "--wipe", "always", "/dev/sda"},
		{"partx", "-u", "/dev/sda"},
	})

	script, err := os.ReadFile(scriptFile)
	c.Assert(err, IsNil)
	// sizes are in 512-byte sectors, the encrypted partition gets
	// 2 MiB extra for the LUKS header
	c.Check(string(script), Equals, `label: gpt

start=        8192, size=      131072, type=C12A7328-F81F-11D2-BA4B-00A0C93EC93B, name="balena-efi"
start=      139264, size=      135168, type=0FC63DAF-8483-4772-8E79-3D69D8477DE4, name="resin-boot"
`)
}

func (s *tableSuite) TestApplyFreshLayoutError(c *C) {
	cmd := testutil.MockCommand(c, "sfdisk", "echo 'device busy'; exit 1")
	s.AddCleanup(cmd.Restore)

	plan := &partition.Plan{
		Scheme: "gpt",
		Specs:  []partition.Spec{{Label: "balena-efi", Start: 4 * quantity.OffsetMiB, Size: 64 * quantity.SizeMiB}},
	}
	err := plan.Apply("/dev/loop0", "/dev/sda")
	c.Assert(err, ErrorMatches, `cannot write partition table to /dev/sda: .*\(device busy\)`)
}

func (s *tableSuite) TestRescan(c *C) {
	partx := testutil.MockCommand(c, "partx", "")
	s.AddCleanup(partx.Restore)
	udevadm := partx.Also("udevadm", "")

	err := partition.Rescan("/dev/sda")
	c.Assert(err, IsNil)
	c.Check(partx.Calls(), DeepEquals, [][]string{
		{"partx", "-u", "/dev/sda"},
		{"udevadm", "trigger", "--settle", "/dev/sda"},
	})
	c.Check(udevadm.Calls(), Not(HasLen), 0)
}

func (s *tableSuite) TestEnsureNodesExist(c *C) {
	udevadm := testutil.MockCommand(c, "udevadm", "")
	s.AddCleanup(udevadm.Restore)

	node := filepath.Join(c.MkDir(), "sda1")
	c.Assert(os.WriteFile(node, nil, 0644), IsNil)

	err := partition.EnsureNodesExist([]string{node})
	c.Assert(err, IsNil)
	c.Check(udevadm.Calls(), DeepEquals, [][]string{
		{"udevadm", "trigger", "--settle", node},
	})
}

func (s *tableSuite) TestEnsureNodesExistTimeout(c *C) {
	udevadm := testutil.MockCommand(c, "udevadm", "")
	s.AddCleanup(udevadm.Restore)
	s.AddCleanup(partition.MockEnsureNodeTimeout(50 * time.Millisecond))

	node := filepath.Join(c.MkDir(), "sda1")
	err := partition.EnsureNodesExist([]string{node})
	c.Assert(err, ErrorMatches, fmt.Sprintf("device %s not available", node))
	c.Check(udevadm.Calls(), HasLen, 0)
}

func (s *tableSuite) TestDeviceNode(c *C) {
	c.Check(partition.DeviceNode("/dev/sda", 1), Equals, "/dev/sda1")
	c.Check(partition.DeviceNode("/dev/mmcblk0", 2), Equals, "/dev/mmcblk0p2")
	c.Check(partition.DeviceNode("/dev/nvme0n1", 3), Equals, "/dev/nvme0n1p3")
	c.Check(partition.DeviceNode("/dev/loop7", 1), Equals, "/dev/loop7p1")
}
