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

package main

import (
	"fmt"

	"gopkg.in/yaml.v2"

	"github.com/themhat/meta-balena/config"
	"github.com/themhat/meta-balena/partition"
	"github.com/themhat/meta-balena/secboot"
)

func init() {
	const (
		short = "Show the partition layout that a provisioning run would create"
		long  = `
The plan command computes the target partition layout from the
reference image without writing anything to the device.
`
	)

	if _, err := parser.AddCommand("plan", short, long, &cmdPlan{}); err != nil {
		panic(err)
	}
}

type cmdPlan struct {
	Config  string `long:"config" value-name:"<path>" description:"provisioning configuration file"`
	Device  string `long:"device" value-name:"<node>" description:"plan against this device instead of selecting one"`
	Encrypt bool   `long:"encrypt" description:"plan an encrypted layout regardless of the secure boot state"`
}

func (c *cmdPlan) Execute([]string) error {
	path := c.Config
	if path == "" {
		path = defaultConfigPath
	}
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}

	target := c.Device
	if target == "" {
		running, err := partition.RunningDisk()
		if err != nil {
			return err
		}
		target, err = partition.SelectInternal(cfg.InternalDevices, running)
		if err != nil {
			return err
		}
	}

	img, err := partition.AttachImage(cfg.ImagePath)
	if err != nil {
		return err
	}
	defer img.Detach()

	capacity, err := partition.Capacity(target)
	if err != nil {
		return err
	}

	encrypted := c.Encrypt || secboot.SecureBootEnabled()
	plan, err := partition.Compute(img.Table, capacity, encrypted)
	if err != nil {
		return err
	}

	out, err := yaml.Marshal(struct {
		Device   string          `yaml:"device"`
		Capacity string          `yaml:"capacity"`
		Image    string          `yaml:"image"`
		Plan     *partition.Plan `yaml:"plan"`
	}{
		Device:   target,
		Capacity: capacity.IECString(),
		Image:    cfg.ImagePath,
		Plan:     plan,
	})
	if err != nil {
		return err
	}
	fmt.Fprint(Stdout, string(out))
	return nil
}
