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

// Package config loads and validates the provisioning configuration.
// The configuration is read exactly once at startup from an env-style
// key=value file and passed through the pipeline as an immutable
// record.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mvo5/goconfigparser"

	"github.com/themhat/meta-balena/quantity"
)

// ConfigurationError is returned for a missing or invalid required
// setting or configuration file.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s", e.Reason)
}

// NewConfigurationError returns a ConfigurationError with a formatted
// reason.
func NewConfigurationError(format string, v ...interface{}) *ConfigurationError {
	return &ConfigurationError{Reason: fmt.Sprintf(format, v...)}
}

// BootloaderStage describes one raw bootloader stage written to a
// fixed device offset. A stage with an empty FlashDevice is skipped.
type BootloaderStage struct {
	// FlashDevice is the destination block device.
	FlashDevice string
	// Image is the stage image file name, resolved inside the assets
	// directory.
	Image string
	// BlockSize is the write block size in bytes.
	BlockSize quantity.Size
	// SeekBlocks is the destination offset in units of BlockSize.
	SeekBlocks int
}

// Config is the validated provisioning configuration.
type Config struct {
	// InternalDevices lists acceptable internal target devices, in
	// preference order, as kernel names (e.g. "mmcblk0").
	InternalDevices []string

	// ImagePath is the path of the reference OS image to replicate.
	ImagePath string

	// AssetsDir holds splash assets, bootloader configuration files,
	// network profiles and bootloader stage images.
	AssetsDir string

	// DeviceConfigPath is the device identity file copied into the
	// boot partition at the end of assembly.
	DeviceConfigPath string

	// BootloaderConfig is the bootloader configuration file name used
	// for a plain provisioning run.
	BootloaderConfig string
	// EncryptedBootloaderConfig replaces BootloaderConfig when
	// full-disk encryption is enabled.
	EncryptedBootloaderConfig string
	// BootloaderConfigPath is the destination path of the bootloader
	// configuration, relative to the boot partition root.
	BootloaderConfigPath string
	// BootloaderConfigPathLegacy optionally duplicates the bootloader
	// configuration to an additional relative path.
	BootloaderConfigPathLegacy string

	// FallbackKernel is the fallback kernel image name copied into the
	// EFI partition in encrypted mode. Optional.
	FallbackKernel string

	// BootMountTarget is where the boot partition is mounted during
	// assembly.
	BootMountTarget string

	// EFIMountTarget is where the running system mounts the EFI
	// partition; the boot tree links back into it in encrypted mode.
	EFIMountTarget string

	// TPMDevice optionally pins the TPM transport device node.
	// When empty the transport is autodetected.
	TPMDevice string

	// ProgressTool is the external progress reporting tool. Optional.
	ProgressTool string

	// BlockSize is the transfer copy block size.
	BlockSize quantity.Size
	// PollInterval is the transfer progress sampling interval.
	PollInterval time.Duration

	// Stages holds up to two bootloader stage descriptors.
	Stages []BootloaderStage
}

const (
	defaultBlockSize    = 4 * quantity.SizeMiB
	defaultPollInterval = 3 * time.Second
	defaultBootTarget   = "/mnt/boot"
	defaultEFITarget    = "/mnt/efi"

	maxBootloaderStages = 2
)

// Load reads and validates the configuration file at path.
func Load(path string) (*Config, error) {
	cfg := goconfigparser.New()
	cfg.AllowNoSectionHeader = true
	if err := cfg.ReadFile(path); err != nil {
		return nil, NewConfigurationError("cannot read %s: %v", path, err)
	}

	get := func(key string) string {
		v, err := cfg.Get("", key)
		if err != nil {
			return ""
		}
		return strings.TrimSpace(v)
	}

	conf := &Config{
		InternalDevices:            strings.Fields(get("INTERNAL_DEVICES")),
		ImagePath:                  get("IMAGE_PATH"),
		AssetsDir:                  get("ASSETS_DIR"),
		DeviceConfigPath:           get("DEVICE_CONFIG_PATH"),
		BootloaderConfig:           get("BOOTLOADER_CONFIG"),
		EncryptedBootloaderConfig:  get("BOOTLOADER_CONFIG_ENCRYPTED"),
		BootloaderConfigPath:       get("BOOTLOADER_CONFIG_PATH"),
		BootloaderConfigPathLegacy: get("BOOTLOADER_CONFIG_PATH_LEGACY"),
		FallbackKernel:             get("FALLBACK_KERNEL"),
		BootMountTarget:            get("BOOT_MOUNT_TARGET"),
		EFIMountTarget:             get("EFI_MOUNT_TARGET"),
		TPMDevice:                  get("TPM_DEVICE"),
		ProgressTool:               get("PROGRESS_TOOL"),
		BlockSize:                  defaultBlockSize,
		PollInterval:               defaultPollInterval,
	}

	if v := get("COPY_BLOCK_SIZE"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil || n == 0 {
			return nil, NewConfigurationError("invalid COPY_BLOCK_SIZE %q", v)
		}
		conf.BlockSize = quantity.Size(n)
	}
	if v := get("PROGRESS_POLL_SECONDS"); v != "" {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil || n == 0 {
			return nil, NewConfigurationError("invalid PROGRESS_POLL_SECONDS %q", v)
		}
		conf.PollInterval = time.Duration(n) * time.Second
	}
	if conf.BootMountTarget == "" {
		conf.BootMountTarget = defaultBootTarget
	}
	if conf.EFIMountTarget == "" {
		conf.EFIMountTarget = defaultEFITarget
	}

	for i := 1; i <= maxBootloaderStages; i++ {
		suffix := fmt.Sprintf("_%d", i)
		stage := BootloaderStage{
			FlashDevice: get("BOOTLOADER_FLASH_DEVICE" + suffix),
			Image:       get("BOOTLOADER_IMAGE" + suffix),
		}
		if v := get("BOOTLOADER_BLOCK_SIZE" + suffix); v != "" {
			n, err := strconv.ParseUint(v, 10, 64)
			if err != nil {
				return nil, NewConfigurationError("invalid BOOTLOADER_BLOCK_SIZE%s %q", suffix, v)
			}
			stage.BlockSize = quantity.Size(n)
		}
		if v := get("BOOTLOADER_SKIP_BLOCKS" + suffix); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				return nil, NewConfigurationError("invalid BOOTLOADER_SKIP_BLOCKS%s %q", suffix, v)
			}
			stage.SeekBlocks = n
		}
		conf.Stages = append(conf.Stages, stage)
	}

	if err := conf.validate(); err != nil {
		return nil, err
	}

	return conf, nil
}

func (conf *Config) validate() error {
	if len(conf.InternalDevices) == 0 {
		return NewConfigurationError("no internal devices configured")
	}
	if conf.ImagePath == "" {
		return NewConfigurationError("no reference image configured")
	}
	if conf.BootloaderConfig != "" && conf.BootloaderConfigPath == "" {
		return NewConfigurationError("bootloader configuration %q has no destination path", conf.BootloaderConfig)
	}
	return nil
}
