// Package inspect reads partition tables straight from a device or image, without parted.
package inspect

import (
	"fmt"

	"github.com/diskfs/go-diskfs"
	"github.com/diskfs/go-diskfs/partition/gpt"
	"github.com/diskfs/go-diskfs/partition/mbr"
	"github.com/kairos-io/kairos-disk/constants"
	"github.com/kairos-io/kairos-disk/partitioner"
	"github.com/kairos-io/kairos-disk/types"
)

// Layout is the partition table found on a device
type Layout struct {
	Device     string      `json:"device" yaml:"device"`
	Label      string      `json:"label" yaml:"label"`
	Partitions []Partition `json:"partitions" yaml:"partitions"`
}

type Partition struct {
	Number   int    `json:"number" yaml:"number"`
	StartMiB int    `json:"start_mib" yaml:"start_mib"`
	SizeMiB  int    `json:"size_mib" yaml:"size_mib"`
	Name     string `json:"name,omitempty" yaml:"name,omitempty"`
	UUID     string `json:"uuid,omitempty" yaml:"uuid,omitempty"`
	Bootable bool   `json:"bootable,omitempty" yaml:"bootable,omitempty"`
}

// ReadLayout opens device read only and returns its partition table. Empty slots are skipped
// but keep their number, so numbers match the kernel ones.
func ReadLayout(device string) (*Layout, error) {
	d, err := diskfs.Open(device, diskfs.WithOpenMode(diskfs.ReadOnly))
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", device, err)
	}
	defer d.Close()

	table, err := d.GetPartitionTable()
	if err != nil {
		return nil, fmt.Errorf("reading partition table of %s: %w", device, err)
	}

	layout := &Layout{Device: device, Label: table.Type()}
	if layout.Label == "mbr" {
		layout.Label = constants.MSDOS
	}
	for i, p := range table.GetPartitions() {
		if p.GetSize() <= 0 {
			continue
		}
		part := Partition{
			Number:   i + 1,
			StartMiB: int(p.GetStart() / constants.MiB),
			SizeMiB:  int(p.GetSize() / constants.MiB),
			UUID:     p.UUID(),
		}
		switch tp := p.(type) {
		case *gpt.Partition:
			part.Name = tp.Name
		case *mbr.Partition:
			part.Bootable = tp.Bootable
		}
		layout.Partitions = append(layout.Partitions, part)
	}
	return layout, nil
}

// Verifier checks a committed table by reading the device directly
type Verifier struct {
	Logger types.KairosLogger
}

var _ partitioner.LayoutVerifier = Verifier{}

func (v Verifier) Verify(t partitioner.Table, _ int) error {
	layout, err := ReadLayout(t.Device())
	if err != nil {
		return err
	}
	if layout.Label != t.Label() {
		return fmt.Errorf("%s has a %s partition table, expected %s", t.Device(), layout.Label, t.Label())
	}
	found := make([]partitioner.PartitionInfo, 0, len(layout.Partitions))
	for _, p := range layout.Partitions {
		found = append(found, partitioner.PartitionInfo{Number: p.Number, StartMiB: p.StartMiB, SizeMiB: p.SizeMiB})
	}
	v.Logger.Debugf("Read %d partitions back from %s", len(found), t.Device())
	return partitioner.CompareLayout(t, found)
}
