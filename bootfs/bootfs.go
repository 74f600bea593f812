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

// Package bootfs assembles the final boot partition content once the
// image is on disk: the EFI/boot split of an encrypted installation,
// the sealing artifacts, bootloader configuration and device identity.
package bootfs

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/xerrors"

	"github.com/themhat/meta-balena/config"
	"github.com/themhat/meta-balena/logger"
	"github.com/themhat/meta-balena/osutil"
)

const (
	// reservedEFIDir is the one EFI partition entry that is not moved
	// into the boot partition by the split, the firmware reads it in
	// place.
	reservedEFIDir = "EFI"

	// identityFile is the device identity file name on the boot
	// partition.
	identityFile = "config.json"

	// signatureSuffix marks the detached signature accompanying an
	// asset.
	signatureSuffix = ".sig"
)

// optionalAssets are copied from the assets directory into the boot
// partition when present. Absence is not an error.
var optionalAssets = []string{
	"splash",
	"system-connections",
	"system-proxy",
}

// Assembler mounts the freshly written partitions and populates the
// final boot tree. Mounts are tracked so UnmountAll can release them
// on any exit path.
type Assembler struct {
	cfg       *config.Config
	encrypted bool

	mounts  []*osutil.MountGuard
	bootDir string
	efiDir  string
}

// NewAssembler returns an Assembler for the given configuration.
func NewAssembler(cfg *config.Config, encrypted bool) *Assembler {
	return &Assembler{cfg: cfg, encrypted: encrypted}
}

// Assemble performs the whole boot partition assembly. bootNode is the
// block device (or open mapping) carrying the boot filesystem, efiNode
// the plaintext EFI partition in encrypted mode or empty otherwise.
// storeArtifacts is invoked with the mounted EFI directory right after
// the split, before any asset lands there; it is ignored when
// efiNode is empty.
func (a *Assembler) Assemble(bootNode, efiNode string, storeArtifacts func(dir string) error) error {
	if err := a.assemble(bootNode, efiNode, storeArtifacts); err != nil {
		a.UnmountAll()
		return err
	}
	return a.UnmountAll()
}

func (a *Assembler) assemble(bootNode, efiNode string, storeArtifacts func(dir string) error) error {
	var err error
	a.bootDir, err = a.mount(bootNode, a.cfg.BootMountTarget)
	if err != nil {
		return err
	}

	if efiNode != "" {
		a.efiDir, err = a.mount(efiNode, a.cfg.EFIMountTarget)
		if err != nil {
			return err
		}
		if err := a.splitEFI(); err != nil {
			return err
		}
		// the sealing artifacts go in before anything else may
		// claim the same directory
		if storeArtifacts != nil {
			if err := storeArtifacts(a.efiDir); err != nil {
				return err
			}
		}
		if err := a.copyFallbackKernel(); err != nil {
			return err
		}
	}

	if err := a.copyOptionalAssets(); err != nil {
		return err
	}
	if err := a.installBootloaderConfig(); err != nil {
		return err
	}
	return a.copyIdentity()
}

func (a *Assembler) mount(node, target string) (string, error) {
	guard, err := osutil.MountWithGuard(node, target)
	if err != nil {
		return "", err
	}
	a.mounts = append(a.mounts, guard)
	return target, nil
}

// splitEFI moves every EFI partition entry except the reserved
// firmware directory into the boot partition and links the boot tree
// back to it, so the two filesystems present one logical boot tree.
func (a *Assembler) splitEFI() error {
	entries, err := os.ReadDir(a.efiDir)
	if err != nil {
		return xerrors.Errorf("cannot read EFI partition: %w", err)
	}
	for _, entry := range entries {
		if entry.Name() == reservedEFIDir {
			continue
		}
		src := filepath.Join(a.efiDir, entry.Name())
		dst := filepath.Join(a.bootDir, entry.Name())
		// a move across filesystems, copy then remove
		if err := osutil.CopyTree(src, dst); err != nil {
			return err
		}
		if err := os.RemoveAll(src); err != nil {
			return fmt.Errorf("cannot remove %s: %v", src, err)
		}
	}

	link := filepath.Join(a.bootDir, reservedEFIDir)
	target := filepath.Join(a.cfg.EFIMountTarget, reservedEFIDir)
	if err := os.Symlink(target, link); err != nil {
		return fmt.Errorf("cannot link boot tree to EFI directory: %v", err)
	}
	return nil
}

func (a *Assembler) copyFallbackKernel() error {
	if a.cfg.FallbackKernel == "" {
		return nil
	}
	src := filepath.Join(a.cfg.AssetsDir, a.cfg.FallbackKernel)
	if !osutil.FileExists(src) {
		logger.Debugf("no fallback kernel at %s", src)
		return nil
	}
	return osutil.CopyFile(src, filepath.Join(a.efiDir, a.cfg.FallbackKernel), osutil.CopyFlagSync)
}

func (a *Assembler) copyOptionalAssets() error {
	for _, name := range optionalAssets {
		src := filepath.Join(a.cfg.AssetsDir, name)
		if !osutil.IsDirectory(src) {
			logger.Debugf("skipping absent asset directory %s", src)
			continue
		}
		if err := osutil.CopyTree(src, filepath.Join(a.bootDir, name)); err != nil {
			return err
		}
	}
	return nil
}

// installBootloaderConfig copies the resolved bootloader configuration
// file to its configured relative path, duplicating it to the legacy
// path when one is configured. A detached signature travels along when
// present.
func (a *Assembler) installBootloaderConfig() error {
	name := a.cfg.BootloaderConfig
	if a.encrypted && a.cfg.EncryptedBootloaderConfig != "" {
		name = a.cfg.EncryptedBootloaderConfig
	}
	if name == "" {
		return nil
	}
	if a.cfg.BootloaderConfigPath == "" {
		return config.NewConfigurationError("bootloader configuration %q has no destination path", name)
	}

	src := filepath.Join(a.cfg.AssetsDir, name)
	paths := []string{a.cfg.BootloaderConfigPath}
	if a.cfg.BootloaderConfigPathLegacy != "" {
		paths = append(paths, a.cfg.BootloaderConfigPathLegacy)
	}
	for _, relPath := range paths {
		dst := filepath.Join(a.bootDir, relPath)
		if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
			return fmt.Errorf("cannot create bootloader configuration directory: %v", err)
		}
		if err := osutil.CopyFile(src, dst, osutil.CopyFlagSync); err != nil {
			return err
		}
		if osutil.FileExists(src + signatureSuffix) {
			if err := osutil.CopyFile(src+signatureSuffix, dst+signatureSuffix, osutil.CopyFlagSync); err != nil {
				return err
			}
		}
	}
	return nil
}

func (a *Assembler) copyIdentity() error {
	if a.cfg.DeviceConfigPath == "" {
		return nil
	}
	return osutil.CopyFile(a.cfg.DeviceConfigPath, filepath.Join(a.bootDir, identityFile), osutil.CopyFlagSync)
}

// UnmountAll releases every mount taken so far, most recent first, so
// the EFI partition is unmounted before the boot partition. It is safe
// to call more than once.
func (a *Assembler) UnmountAll() error {
	var firstErr error
	for i := len(a.mounts) - 1; i >= 0; i-- {
		if err := a.mounts[i].Release(); err != nil {
			logger.Noticef("cannot unmount: %v", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	a.mounts = nil
	return firstErr
}
