package partitioner

import (
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/kairos-io/kairos-disk/types"
)

// e.g. 1:1.00MiB:501MiB:500MiB:ext4::boot; or 2:501MiB:1013MiB:512MiB:linux-swap(v1)::; gpt tables also carry a name: 1:1.00MiB:201MiB:200MiB:fat32:primary:boot, esp;
var partedPrintRe = regexp.MustCompile(`^(\d+):([\d\.]+)MiB:([\d\.]+)MiB:([\d\.]+)MiB:([^:]*):[^:;]*:([\w, ]*);?$`)

// PartitionInfo is a partition as reported by parted. Sizes are rounded down to MiB.
type PartitionInfo struct {
	Number     int    `json:"number" yaml:"number"`
	StartMiB   int    `json:"start" yaml:"start"`
	EndMiB     int    `json:"end" yaml:"end"`
	SizeMiB    int    `json:"size" yaml:"size"`
	Filesystem string `json:"filesystem" yaml:"filesystem"`
	Flags      string `json:"flags" yaml:"flags"`
}

// ListPartitions returns the partitions parted finds on device
func ListPartitions(runner types.Runner, logger types.KairosLogger, device string) ([]PartitionInfo, error) {
	out, _, err := runner.Run("parted", []string{"-s", "-m", device, "unit", "MiB", "print"}, types.AsRoot(), types.WithStandardLocale())
	if err != nil {
		return nil, err
	}
	return ParsePartedOutput(logger, device, out), nil
}

// ParsePartedOutput parses the machine readable output of parted print. The unit and disk
// lines are skipped, lines not looking like a partition are logged and ignored.
func ParsePartedOutput(logger types.KairosLogger, device, output string) []PartitionInfo {
	var lines []string
	for _, l := range strings.Split(output, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			lines = append(lines, l)
		}
	}
	if len(lines) <= 2 {
		return []PartitionInfo{}
	}

	result := []PartitionInfo{}
	for _, line := range lines[2:] {
		m := partedPrintRe.FindStringSubmatch(line)
		if m == nil {
			logger.Warnf("Partition information from parted for device %s does not match expected format: %s", device, line)
			continue
		}
		var nums [4]int
		ok := true
		for i := 0; i < 4; i++ {
			f, err := strconv.ParseFloat(m[i+1], 64)
			if err != nil {
				ok = false
				break
			}
			nums[i] = int(math.Floor(f))
		}
		if !ok {
			logger.Warnf("Partition information from parted for device %s does not match expected format: %s", device, line)
			continue
		}
		result = append(result, PartitionInfo{
			Number:     nums[0],
			StartMiB:   nums[1],
			EndMiB:     nums[2],
			SizeMiB:    nums[3],
			Filesystem: m[5],
			Flags:      strings.TrimSpace(m[6]),
		})
	}
	return result
}
