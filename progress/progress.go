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

// Package progress reports provisioning progress to the device
// dashboard sink. The sink is an external tool; reporting is strictly
// best effort and a broken or missing sink never interrupts
// provisioning.
package progress

import (
	"os/exec"
	"strconv"

	"github.com/themhat/meta-balena/logger"
)

// Reporter accepts progress updates as a percentage in the [0,100]
// range plus a short state message.
type Reporter interface {
	Report(percentage int, state string)
}

type nullReporter struct{}

func (nullReporter) Report(int, string) {}

// NullReporter is a Reporter that does nothing.
var NullReporter Reporter = nullReporter{}

// CommandReporter feeds progress updates to an external reporting tool.
type CommandReporter struct {
	tool string
}

// NewCommandReporter returns a Reporter invoking the given tool. An
// empty tool name yields the null reporter.
func NewCommandReporter(tool string) Reporter {
	if tool == "" {
		return NullReporter
	}
	return &CommandReporter{tool: tool}
}

// Report invokes the reporting tool. Failures are logged and otherwise
// ignored.
func (r *CommandReporter) Report(percentage int, state string) {
	if percentage < 0 {
		percentage = 0
	}
	if percentage > 100 {
		percentage = 100
	}
	cmd := exec.Command(r.tool, "--percentage", strconv.Itoa(percentage), "--state", state)
	if output, err := cmd.CombinedOutput(); err != nil {
		logger.Debugf("progress sink unavailable (%d%%, %q): %v (%q)", percentage, state, err, output)
	}
}

// Event is a single recorded progress update.
type Event struct {
	Percentage int
	State      string
}

// RecordingReporter records updates for inspection in tests.
type RecordingReporter struct {
	Events []Event
}

func (r *RecordingReporter) Report(percentage int, state string) {
	r.Events = append(r.Events, Event{Percentage: percentage, State: state})
}
