package types

// Disk is a block device found on the system
type Disk struct {
	Name       string        `json:"name" yaml:"name"`
	Path       string        `json:"path" yaml:"path"`
	SizeBytes  uint64        `json:"size_bytes" yaml:"size_bytes"`
	UUID       string        `json:"uuid,omitempty" yaml:"uuid,omitempty"`
	Partitions PartitionList `json:"partitions,omitempty" yaml:"partitions,omitempty"`
}

// SizeMiB returns the disk size rounded down to MiB
func (d Disk) SizeMiB() int {
	return int(d.SizeBytes / (1024 * 1024))
}

// Partition is a partition found on a Disk
type Partition struct {
	Name            string `json:"name" yaml:"name"`
	Path            string `json:"path" yaml:"path"`
	Disk            string `json:"disk" yaml:"disk"`
	SizeMiB         uint   `json:"size_mib" yaml:"size_mib"`
	FS              string `json:"fs,omitempty" yaml:"fs,omitempty"`
	FilesystemLabel string `json:"label,omitempty" yaml:"label,omitempty"`
	UUID            string `json:"uuid,omitempty" yaml:"uuid,omitempty"`
	MountPoint      string `json:"mountpoint,omitempty" yaml:"mountpoint,omitempty"`
}

type PartitionList []*Partition

// Mounted returns the partitions with a mount point
func (pl PartitionList) Mounted() PartitionList {
	out := PartitionList{}
	for _, p := range pl {
		if p.MountPoint != "" {
			out = append(out, p)
		}
	}
	return out
}
