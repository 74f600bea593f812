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

package partition

import (
	"fmt"

	"github.com/themhat/meta-balena/quantity"
)

const (
	// Alignment is the boundary partitions are aligned to when a new
	// table is laid out.
	Alignment = 4 * quantity.SizeMiB

	// LUKSHeaderSize is the space reserved in front of every encrypted
	// partition for the LUKS2 header.
	LUKSHeaderSize = 2 * quantity.SizeMiB

	// BootLabel is the label of the boot partition in the reference
	// image.
	BootLabel = "resin-boot"

	// EFILabel is the label of the plaintext EFI system partition
	// created when the installation is encrypted.
	EFILabel = "balena-efi"

	// espType is the GPT type GUID of an EFI system partition.
	espType = "C12A7328-F81F-11D2-BA4B-00A0C93EC93B"

	// linuxType is the GPT type GUID for generic Linux data.
	linuxType = "0FC63DAF-8483-4772-8E79-3D69D8477DE4"
)

// coreLabels are the partitions every reference image carries, in
// image order.
var coreLabels = []string{
	"resin-boot",
	"resin-rootA",
	"resin-rootB",
	"resin-state",
	"resin-data",
}

// PlanningError means the planned layout cannot fit the target device.
// It is returned before anything is written to the device.
type PlanningError struct {
	// Needed is the total size the layout requires.
	Needed quantity.Size
	// Capacity is the size of the target device.
	Capacity quantity.Size
}

func (e *PlanningError) Error() string {
	return fmt.Sprintf("planned layout needs %s but device has only %s",
		e.Needed.IECString(), e.Capacity.IECString())
}

// Spec describes a single partition to create on the target device.
type Spec struct {
	// Label is the GPT partition name.
	Label string `yaml:"label"`
	// Start is the byte offset of the partition content. For an
	// encrypted partition this is where the LUKS header starts.
	Start quantity.Offset `yaml:"start"`
	// Size is the usable size, excluding the LUKS header.
	Size quantity.Size `yaml:"size"`
	// Type is the GPT partition type GUID.
	Type string `yaml:"type"`
	// Encrypted partitions get a LUKS2 container.
	Encrypted bool `yaml:"encrypted"`
}

// HeaderSize returns the extra on-disk space reserved in front of the
// partition content.
func (s *Spec) HeaderSize() quantity.Size {
	if s.Encrypted {
		return LUKSHeaderSize
	}
	return 0
}

// End returns the first byte past the partition including its header.
func (s *Spec) End() quantity.Offset {
	return s.Start + quantity.Offset(s.Size+s.HeaderSize())
}

// Plan is the partition layout to apply to the target device.
type Plan struct {
	// Verbatim means the reference table is replicated as-is and
	// Specs are informational only.
	Verbatim bool `yaml:"verbatim"`
	// Scheme is the partition table scheme of the resulting table.
	Scheme string `yaml:"scheme"`
	// Specs lists the partitions in table order.
	Specs []Spec `yaml:"partitions"`
}

// Compute derives the partition layout for a target device of the
// given capacity from the reference image table. Without encryption
// the reference table is replicated verbatim. With encryption a fresh
// GPT layout is produced: a plaintext EFI system partition at the
// geometry of the reference boot partition, followed by one encrypted
// partition per core label, aligned and padded for the LUKS header.
func Compute(ref *Table, capacity quantity.Size, encrypted bool) (*Plan, error) {
	if !encrypted {
		return computeVerbatim(ref, capacity)
	}
	return computeEncrypted(ref, capacity)
}

func computeVerbatim(ref *Table, capacity quantity.Size) (*Plan, error) {
	if needed := quantity.Size(ref.End()); needed > capacity {
		return nil, &PlanningError{Needed: needed, Capacity: capacity}
	}
	p := &Plan{
		Verbatim: true,
		Scheme:   ref.Scheme,
	}
	for i := range ref.Entries {
		e := &ref.Entries[i]
		p.Specs = append(p.Specs, Spec{
			Label: e.Label,
			Start: e.Start,
			Size:  e.Size,
			Type:  e.Type,
		})
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func computeEncrypted(ref *Table, capacity quantity.Size) (*Plan, error) {
	boot := ref.ByLabel(BootLabel)
	if boot == nil {
		return nil, fmt.Errorf("reference image has no %q partition", BootLabel)
	}

	p := &Plan{Scheme: "gpt"}

	// the EFI partition keeps the geometry of the reference boot
	// partition so firmware that hardcodes it keeps working
	p.Specs = append(p.Specs, Spec{
		Label: EFILabel,
		Start: boot.Start,
		Size:  boot.Size,
		Type:  espType,
	})

	cur := boot.End()
	for _, label := range coreLabels {
		e := ref.ByLabel(label)
		if e == nil {
			return nil, fmt.Errorf("reference image has no %q partition", label)
		}
		size := e.Size.AlignUp(Alignment)
		p.Specs = append(p.Specs, Spec{
			Label:     label,
			Start:     cur,
			Size:      size,
			Type:      linuxType,
			Encrypted: true,
		})
		cur += quantity.Offset(size + LUKSHeaderSize)
	}

	if needed := quantity.Size(cur); needed > capacity {
		return nil, &PlanningError{Needed: needed, Capacity: capacity}
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// validate checks that partitions are in strictly increasing order and
// do not overlap.
func (p *Plan) validate() error {
	for i := 1; i < len(p.Specs); i++ {
		prev, cur := &p.Specs[i-1], &p.Specs[i]
		if cur.Start < prev.End() {
			return fmt.Errorf("internal error: partition %q at %d overlaps %q ending at %d",
				cur.Label, cur.Start, prev.Label, prev.End())
		}
	}
	return nil
}

// Index returns the 1-based partition number of the given label in the
// planned table, or 0 if the label is not part of the plan.
func (p *Plan) Index(label string) int {
	for i := range p.Specs {
		if p.Specs[i].Label == label {
			return i + 1
		}
	}
	return 0
}

// NodeFor returns the device node of the partition with the given
// label once the plan has been applied to the given disk device.
func (p *Plan) NodeFor(device, label string) (string, error) {
	idx := p.Index(label)
	if idx == 0 {
		return "", fmt.Errorf("no partition with label %q in the layout", label)
	}
	return DeviceNode(device, idx), nil
}

// Apply writes the planned layout to the target device. This is the
// first destructive step of an installation.
func (p *Plan) Apply(refDevice, target string) error {
	if p.Verbatim {
		return copyTable(refDevice, target)
	}
	return createTable(target, p.Specs)
}
