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

// Package bootloader writes raw bootloader stage images to fixed
// device offsets.
package bootloader

import (
	"fmt"
	"os/exec"
	"path/filepath"

	"github.com/themhat/meta-balena/config"
	"github.com/themhat/meta-balena/logger"
	"github.com/themhat/meta-balena/osutil"
)

// FlashStages writes each configured bootloader stage. A stage without
// a flash device is skipped. The stages are independent: a failing
// stage does not stop the remaining ones, the first error is returned
// after all stages ran.
func FlashStages(assetsDir string, stages []config.BootloaderStage) error {
	var firstErr error
	for i, stage := range stages {
		if stage.FlashDevice == "" {
			logger.Debugf("bootloader stage %d has no flash device, skipping", i+1)
			continue
		}
		if err := flashStage(assetsDir, &stage); err != nil {
			logger.Noticef("bootloader stage %d failed: %v", i+1, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func flashStage(assetsDir string, stage *config.BootloaderStage) error {
	// validated before any byte is written
	if stage.Image == "" || stage.BlockSize == 0 {
		return config.NewConfigurationError("bootloader stage for %s needs both an image and a block size", stage.FlashDevice)
	}

	image := filepath.Join(assetsDir, stage.Image)
	output, err := exec.Command("dd",
		fmt.Sprintf("if=%s", image),
		fmt.Sprintf("of=%s", stage.FlashDevice),
		fmt.Sprintf("bs=%d", stage.BlockSize),
		fmt.Sprintf("seek=%d", stage.SeekBlocks),
		"conv=fsync").CombinedOutput()
	if err != nil {
		return osutil.OutputErr(output, fmt.Errorf("cannot flash %s to %s: %v", image, stage.FlashDevice, err))
	}
	logger.Debugf("flashed %s to %s", image, stage.FlashDevice)
	return nil
}
