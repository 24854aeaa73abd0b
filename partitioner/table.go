package partitioner

import (
	"fmt"
	"strconv"

	"github.com/kairos-io/kairos-disk/constants"
)

// Table is an immutable partition table ready to be committed
type Table struct {
	device     string
	label      string
	alignment  string
	partitions []Partition
}

func (t Table) Device() string {
	return t.device
}

func (t Table) Label() string {
	return t.label
}

func (t Table) Alignment() string {
	return t.alignment
}

func (t Table) Len() int {
	return len(t.partitions)
}

func (t Table) Partitions() []Partition {
	return append([]Partition{}, t.partitions...)
}

// Path returns the device node of the given partition number
func (t Table) Path(number int) string {
	return fmt.Sprintf(constants.PartitionTemplate, t.device, number)
}

// EndMiB returns where the last partition ends when the first one starts at leadInMiB
func (t Table) EndMiB(leadInMiB int) int {
	end := leadInMiB
	for _, p := range t.partitions {
		end += p.SizeMiB
	}
	return end
}

// Operations returns the parted script creating the table: the label first, then each
// partition back to back starting at leadInMiB, each followed by its flag if any.
func (t Table) Operations(leadInMiB int) []string {
	ops := []string{"mklabel", t.label}
	start := leadInMiB
	for _, p := range t.partitions {
		end := start + p.SizeMiB
		ops = append(ops, "mkpart", p.Type, p.FSType, strconv.Itoa(start), strconv.Itoa(end))
		if p.BootFlag != "" {
			ops = append(ops, "set", strconv.Itoa(p.Number), p.BootFlag, "on")
		}
		start = end
	}
	return ops
}
