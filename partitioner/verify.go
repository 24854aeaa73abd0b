package partitioner

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/kairos-io/kairos-disk/types"
)

// ToleranceMiB is how far a partition size on disk may drift from the plan. parted reports
// sizes rounded down and alignment may move the first start.
const ToleranceMiB = 1

// PartedVerifier reads the table back with parted print
type PartedVerifier struct {
	Runner types.Runner
	Logger types.KairosLogger
}

func (v PartedVerifier) Verify(t Table, leadInMiB int) error {
	found, err := ListPartitions(v.Runner, v.Logger, t.Device())
	if err != nil {
		return err
	}
	return CompareLayout(t, found)
}

// CompareLayout reports every planned partition missing from found or with a size
// further than ToleranceMiB from the plan.
func CompareLayout(t Table, found []PartitionInfo) error {
	var result *multierror.Error
	byNumber := map[int]PartitionInfo{}
	for _, p := range found {
		byNumber[p.Number] = p
	}
	for _, planned := range t.Partitions() {
		got, ok := byNumber[planned.Number]
		if !ok {
			result = multierror.Append(result, fmt.Errorf("partition %d not found on %s", planned.Number, t.Device()))
			continue
		}
		diff := got.SizeMiB - planned.SizeMiB
		if diff < -ToleranceMiB || diff > ToleranceMiB {
			result = multierror.Append(result, fmt.Errorf("partition %d on %s is %d MiB, expected %d MiB", planned.Number, t.Device(), got.SizeMiB, planned.SizeMiB))
		}
	}
	if len(found) != t.Len() {
		result = multierror.Append(result, fmt.Errorf("found %d partitions on %s, expected %d", len(found), t.Device(), t.Len()))
	}
	return result.ErrorOrNil()
}
