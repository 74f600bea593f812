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

// Package provision runs the one-shot provisioning pipeline: device
// selection, partitioning, optional full-disk encryption, image
// transfer, boot assembly and bootloader flashing.
package provision

import (
	"github.com/themhat/meta-balena/bootfs"
	"github.com/themhat/meta-balena/bootloader"
	"github.com/themhat/meta-balena/config"
	"github.com/themhat/meta-balena/logger"
	"github.com/themhat/meta-balena/partition"
	"github.com/themhat/meta-balena/progress"
	"github.com/themhat/meta-balena/secboot"
	"github.com/themhat/meta-balena/transfer"
)

const (
	stateFlashing = "Flashing balenaOS on internal media"
	stateFailed   = "Provisioning failed"
	stateDone     = "Provisioning successful"
)

// hooks for tests
var (
	secureBootEnabled = secboot.SecureBootEnabled

	runningDisk    = partition.RunningDisk
	selectInternal = partition.SelectInternal
	deviceCapacity = partition.Capacity

	connectSealer = func(path string) (secboot.Sealer, error) {
		return secboot.ConnectTPM(path)
	}

	formatPartition = func(p *secboot.Provisioner, node, label string) (string, error) {
		return p.FormatPartition(node, label)
	}
)

// cleanup collects release actions to run, in reverse registration
// order, on every exit path. Errors are logged, not propagated, so a
// failing release never masks the original failure.
type cleanup struct {
	fns []func() error
}

func (c *cleanup) add(f func() error) {
	c.fns = append(c.fns, f)
}

func (c *cleanup) run() {
	for i := len(c.fns) - 1; i >= 0; i-- {
		if err := c.fns[i](); err != nil {
			logger.Noticef("cleanup: %v", err)
		}
	}
	c.fns = nil
}

// Run provisions the device described by cfg. Every acquired resource
// is released before Run returns, success or failure; on failure a
// final progress report is sent best-effort before cleanup.
func Run(cfg *config.Config) (err error) {
	reporter := progress.NewCommandReporter(cfg.ProgressTool)
	cl := &cleanup{}
	defer func() {
		if err != nil {
			reporter.Report(100, stateFailed)
		}
		cl.run()
	}()

	running, derr := runningDisk()
	if derr != nil {
		// an initramfs environment has no disk-backed root
		logger.Debugf("cannot determine running disk: %v", derr)
	}

	target, err := selectInternal(cfg.InternalDevices, running)
	if err != nil {
		return err
	}
	logger.Noticef("provisioning internal device %s", target)

	img, err := partition.AttachImage(cfg.ImagePath)
	if err != nil {
		return err
	}
	cl.add(img.Detach)

	capacity, err := deviceCapacity(target)
	if err != nil {
		return err
	}

	encrypted := secureBootEnabled()
	var provisioner *secboot.Provisioner
	if encrypted {
		logger.Noticef("secure boot is enabled, provisioning with full-disk encryption")
		sealer, err := connectSealer(cfg.TPMDevice)
		if err != nil {
			return err
		}
		cl.add(sealer.Close)
		provisioner = secboot.NewProvisioner(sealer)
		cl.add(provisioner.CloseAll)
		if err := provisioner.SealPassphrase(); err != nil {
			return err
		}
	}

	plan, err := partition.Compute(img.Table, capacity, encrypted)
	if err != nil {
		return err
	}

	if err := plan.Apply(img.Device, target); err != nil {
		return err
	}
	if err := partition.Rescan(target); err != nil {
		return err
	}

	engine := transfer.NewEngine(img.Size, cfg.BlockSize, cfg.PollInterval, reporter)

	var bootNode, efiNode string
	if encrypted {
		bootNode, efiNode, err = transferEncrypted(plan, img, target, engine, provisioner)
	} else {
		bootNode, err = transferPlain(img.Path, target, engine)
	}
	if err != nil {
		return err
	}

	assembler := bootfs.NewAssembler(cfg, encrypted)
	var storeArtifacts func(dir string) error
	if encrypted {
		storeArtifacts = provisioner.WriteArtifacts
	}
	if err := assembler.Assemble(bootNode, efiNode, storeArtifacts); err != nil {
		return err
	}

	if encrypted {
		if err := provisioner.CloseAll(); err != nil {
			return err
		}
	}

	if err := bootloader.FlashStages(cfg.AssetsDir, cfg.Stages); err != nil {
		return err
	}

	reporter.Report(100, stateDone)
	return nil
}

// transferPlain copies the whole reference image onto the raw target
// device and returns the boot partition node.
func transferPlain(imagePath, target string, engine *transfer.Engine) (bootNode string, err error) {
	if err := engine.Copy(imagePath, target, stateFlashing); err != nil {
		return "", err
	}
	// the image brought its own partition table
	if err := partition.Rescan(target); err != nil {
		return "", err
	}
	// the image's boot filesystem keeps its label, locate it rather
	// than trusting the computed node name
	return partition.FindByLabel(partition.BootLabel)
}

// transferEncrypted walks the planned layout: the plaintext EFI
// partition receives the reference boot content, every encrypted
// partition is LUKS-formatted and opened, then filled from the
// matching reference partition. The boot partition only gets a fresh
// filesystem, its content arrives later through the EFI/boot split.
func transferEncrypted(plan *partition.Plan, img *partition.ImageSource, target string, engine *transfer.Engine, provisioner *secboot.Provisioner) (bootNode, efiNode string, err error) {
	var nodes []string
	for i := range plan.Specs {
		nodes = append(nodes, partition.DeviceNode(target, i+1))
	}
	if err := partition.EnsureNodesExist(nodes); err != nil {
		return "", "", err
	}

	for i := range plan.Specs {
		spec := &plan.Specs[i]
		node := nodes[i]

		if !spec.Encrypted {
			// the EFI partition, filled with the reference boot
			// content that the split later pulls apart
			source, err := img.PartitionNode(partition.BootLabel)
			if err != nil {
				return "", "", err
			}
			if err := engine.Copy(source, node, stateFlashing); err != nil {
				return "", "", err
			}
			efiNode = node
			continue
		}

		mapper, err := formatPartition(provisioner, node, spec.Label)
		if err != nil {
			return "", "", err
		}

		if spec.Label == partition.BootLabel {
			if err := secboot.MakeExt4(mapper, spec.Label); err != nil {
				return "", "", err
			}
			bootNode = mapper
			continue
		}

		source, err := img.PartitionNode(spec.Label)
		if err != nil {
			return "", "", err
		}
		if err := engine.Copy(source, mapper, stateFlashing); err != nil {
			return "", "", err
		}
	}

	return bootNode, efiNode, nil
}
