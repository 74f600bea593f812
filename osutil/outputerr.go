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

package osutil

import (
	"bytes"
	"fmt"
)

// OutputErr formats an error based on output if its length is not zero,
// or returns err otherwise.
func OutputErr(output []byte, err error) error {
	output = bytes.TrimSpace(output)
	if len(output) > 0 {
		if bytes.Contains(output, []byte{'\n'}) {
			err = fmt.Errorf("%v:\n-----\n%s\n-----", err, output)
		} else {
			err = fmt.Errorf("%v: %s", err, output)
		}
	}
	return err
}

// OutputErrCombine formats an error based on output and stderr if
// either is not empty, or returns err otherwise.
func OutputErrCombine(output, stderr []byte, err error) error {
	if len(stderr) == 0 {
		return OutputErr(output, err)
	}
	output = bytes.TrimSpace(output)
	stderr = bytes.TrimSpace(stderr)
	return fmt.Errorf("%v:\n-----\n%s\n%s\n-----", err, output, stderr)
}
