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
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/xerrors"

	"github.com/themhat/meta-balena/logger"
)

const (
	// PassphraseSize is the size of the generated disk passphrase.
	PassphraseSize = 32

	// ArtifactsDir is the directory, relative to the EFI partition
	// root, holding the sealed passphrase and the key handle.
	ArtifactsDir = "balena-luks"

	// SealedPassphraseFile carries the passphrase ciphertext.
	SealedPassphraseFile = "passphrase.enc"

	// KeyHandleFile carries the persistent handle of the sealing key.
	KeyHandleFile = "persistent.handle"
)

// Provisioner drives passphrase sealing and the per-partition LUKS
// setup of an encrypted installation. A single passphrase is shared by
// every encrypted partition.
type Provisioner struct {
	sealer Sealer

	passphrase []byte
	sealed     []byte
	opened     []string
}

// NewProvisioner returns a Provisioner sealing through the given
// device.
func NewProvisioner(sealer Sealer) *Provisioner {
	return &Provisioner{sealer: sealer}
}

// SealPassphrase generates the disk passphrase and runs the sealing
// protocol. The plaintext passphrase stays in memory only, the
// ciphertext is kept for WriteArtifacts.
func (p *Provisioner) SealPassphrase() error {
	passphrase, err := p.sealer.GenerateRandom(PassphraseSize)
	if err != nil {
		return err
	}
	if err := p.sealer.ProvisionSealingKey(); err != nil {
		return err
	}
	sealed, err := p.sealer.Seal(passphrase)
	if err != nil {
		return err
	}
	p.passphrase = passphrase
	p.sealed = sealed
	logger.Debugf("passphrase sealed (%d bytes of ciphertext)", len(sealed))
	return nil
}

// FormatPartition creates a LUKS container on the given partition and
// opens it under the partition label, returning the mapper node the
// content should be written to. The mapping is tracked and closed
// again by CloseAll.
func (p *Provisioner) FormatPartition(node, label string) (mapper string, err error) {
	if p.passphrase == nil {
		return "", fmt.Errorf("internal error: no passphrase has been sealed yet")
	}
	if err := FormatLUKS(node, p.passphrase); err != nil {
		return "", err
	}
	if err := OpenLUKS(node, label, p.passphrase); err != nil {
		return "", err
	}
	p.opened = append(p.opened, label)
	return MapperNode(label), nil
}

// WriteArtifacts stores the sealed passphrase and the persistent key
// handle under dir. These two files are all that is needed to unlock
// the disk on the device the passphrase was sealed on.
func (p *Provisioner) WriteArtifacts(dir string) error {
	if p.sealed == nil {
		return fmt.Errorf("internal error: no passphrase has been sealed yet")
	}
	artifactsDir := filepath.Join(dir, ArtifactsDir)
	if err := os.MkdirAll(artifactsDir, 0700); err != nil {
		return fmt.Errorf("cannot create artifacts directory: %v", err)
	}
	if err := os.WriteFile(filepath.Join(artifactsDir, SealedPassphraseFile), p.sealed, 0600); err != nil {
		return fmt.Errorf("cannot store sealed passphrase: %v", err)
	}
	handle := fmt.Sprintf("%#08x\n", p.sealer.Handle())
	if err := os.WriteFile(filepath.Join(artifactsDir, KeyHandleFile), []byte(handle), 0600); err != nil {
		return fmt.Errorf("cannot store key handle: %v", err)
	}
	return nil
}

// Opened returns the labels of the currently open mappings, in open
// order.
func (p *Provisioner) Opened() []string {
	return append([]string(nil), p.opened...)
}

// CloseAll closes every mapping opened so far, in reverse open order.
// It is safe to call multiple times and on a Provisioner that never
// opened anything. The first error is reported but does not stop the
// remaining mappings from being closed.
func (p *Provisioner) CloseAll() error {
	var firstErr error
	for i := len(p.opened) - 1; i >= 0; i-- {
		if err := CloseLUKS(p.opened[i]); err != nil {
			logger.Noticef("cannot close mapping %q: %v", p.opened[i], err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	p.opened = nil
	return firstErr
}

// UnsealPassphrase recovers the disk passphrase from previously stored
// artifacts, for verification after provisioning.
func UnsealPassphrase(sealer Sealer, dir string) ([]byte, error) {
	sealed, err := os.ReadFile(filepath.Join(dir, ArtifactsDir, SealedPassphraseFile))
	if err != nil {
		return nil, xerrors.Errorf("cannot read sealed passphrase: %w", err)
	}
	return sealer.Unseal(sealed)
}
