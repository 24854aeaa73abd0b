// Package partitioner plans a partition table in memory and writes it to a device with parted,
// waiting for the kernel and udev to release the device afterwards.
package partitioner

import (
	"fmt"

	"github.com/kairos-io/kairos-disk/constants"
)

// Partition is a planned partition. Number is assigned by the Planner.
type Partition struct {
	Number   int    `json:"number" yaml:"number"`
	SizeMiB  int    `json:"size_mib" yaml:"size_mib"`
	FSType   string `json:"fs_type,omitempty" yaml:"fs_type,omitempty"`
	BootFlag string `json:"boot_flag,omitempty" yaml:"boot_flag,omitempty"`
	Type     string `json:"type" yaml:"type"`
}

type PartitionOption func(p *Partition)

// WithFSType sets the filesystem hint given to parted, e.g. fat32 or linux-swap
func WithFSType(fs string) PartitionOption {
	return func(p *Partition) { p.FSType = fs }
}

// WithBootFlag sets a flag to turn on once the partition is created
func WithBootFlag(flag string) PartitionOption {
	return func(p *Partition) { p.BootFlag = flag }
}

// WithType sets the partition type, primary by default
func WithType(t string) PartitionOption {
	return func(p *Partition) { p.Type = t }
}

// Planner accumulates partitions for a device. It never touches the device.
type Planner struct {
	device     string
	label      string
	alignment  string
	partitions []Partition
}

type PlannerOption func(p *Planner)

// WithLabel sets the partition table type, msdos by default
func WithLabel(label string) PlannerOption {
	return func(p *Planner) { p.label = label }
}

// WithAlignment sets the parted alignment for new partitions, optimal by default
func WithAlignment(alignment string) PlannerOption {
	return func(p *Planner) { p.alignment = alignment }
}

func NewPlanner(device string, opts ...PlannerOption) *Planner {
	p := &Planner{
		device:    device,
		label:     constants.MSDOS,
		alignment: constants.PartedAlignment,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *Planner) Device() string {
	return p.device
}

func (p *Planner) Label() string {
	return p.label
}

// AddPartition appends a partition of sizeMiB and returns its number, starting at 1.
// Callers must skip optional partitions of size zero instead of adding them.
func (p *Planner) AddPartition(sizeMiB int, opts ...PartitionOption) (int, error) {
	if sizeMiB <= 0 {
		return 0, fmt.Errorf("invalid size %d MiB for partition %d on %s: size must be positive", sizeMiB, len(p.partitions)+1, p.device)
	}
	part := Partition{SizeMiB: sizeMiB, Type: constants.PrimaryPartition}
	for _, o := range opts {
		o(&part)
	}
	switch part.BootFlag {
	case "", constants.BootFlag, constants.BiosGrubFlag, constants.EspFlag:
	default:
		return 0, fmt.Errorf("unsupported flag %q for partition %d on %s", part.BootFlag, len(p.partitions)+1, p.device)
	}
	if part.Type == "" {
		part.Type = constants.PrimaryPartition
	}
	part.Number = len(p.partitions) + 1
	p.partitions = append(p.partitions, part)
	return part.Number, nil
}

// Partitions returns a copy of the planned partitions in insertion order
func (p *Planner) Partitions() []Partition {
	return append([]Partition{}, p.partitions...)
}

// Table returns a snapshot of the current plan. Adding partitions afterwards does not alter it.
func (p *Planner) Table() Table {
	return Table{
		device:     p.device,
		label:      p.label,
		alignment:  p.alignment,
		partitions: p.Partitions(),
	}
}
