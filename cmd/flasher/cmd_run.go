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
	"github.com/themhat/meta-balena/config"
	"github.com/themhat/meta-balena/provision"
)

func init() {
	const (
		short = "Run the provisioning pipeline"
		long  = ""
	)

	if _, err := parser.AddCommand("run", short, long, &cmdRun{}); err != nil {
		panic(err)
	}
}

type cmdRun struct {
	Config string `long:"config" value-name:"<path>" description:"provisioning configuration file"`
}

func (c *cmdRun) Execute([]string) error {
	path := c.Config
	if path == "" {
		path = defaultConfigPath
	}
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	return provision.Run(cfg)
}
