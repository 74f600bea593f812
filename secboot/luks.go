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
	"bytes"
	"fmt"
	"os/exec"

	"github.com/themhat/meta-balena/osutil"
)

// luksDataOffset is the LUKS2 payload offset in 512-byte sectors. The
// partition layout reserves 2 MiB in front of each encrypted
// partition's usable size to compensate for it.
const luksDataOffset = "4096"

func cryptsetupCmd(stdin []byte, args ...string) error {
	cmd := exec.Command("cryptsetup", args...)
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	if output, err := cmd.CombinedOutput(); err != nil {
		return osutil.OutputErr(output, fmt.Errorf("cryptsetup failed: %v", err))
	}
	return nil
}

// FormatLUKS creates a LUKS2 container on the given partition keyed
// with the passphrase.
func FormatLUKS(node string, passphrase []byte) error {
	return cryptsetupCmd(passphrase, "-q", "luksFormat", "--type", "luks2",
		"--key-file", "-", "--offset", luksDataOffset, node)
}

// OpenLUKS opens a LUKS container under /dev/mapper/<name>.
func OpenLUKS(node, name string, passphrase []byte) error {
	return cryptsetupCmd(passphrase, "open", "--key-file", "-", node, name)
}

// CloseLUKS closes a mapping previously set up with OpenLUKS.
func CloseLUKS(name string) error {
	return cryptsetupCmd(nil, "close", name)
}

// MapperNode returns the device node of an open LUKS mapping.
func MapperNode(name string) string {
	return "/dev/mapper/" + name
}

// MakeExt4 creates an ext4 filesystem with the given label on a block
// device or open mapping.
func MakeExt4(node, label string) error {
	output, err := exec.Command("mkfs.ext4", "-F", "-L", label, node).CombinedOutput()
	if err != nil {
		return osutil.OutputErr(output, fmt.Errorf("cannot create ext4 filesystem on %s: %v", node, err))
	}
	return nil
}
