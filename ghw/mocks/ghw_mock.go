package mocks

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/kairos-io/kairos-disk/ghw"
	"github.com/kairos-io/kairos-disk/types"
	"github.com/twpayne/go-vfs/v4/vfst"
)

// GhwMock builds the sysfs, udev database and mount table files describing a set of disks,
// so the scanner can run against a test filesystem. Disk sizes are given in bytes, partition
// sizes in MiB.
type GhwMock struct {
	disks []types.Disk
}

// AddDisk adds a disk to GhwMock
func (g *GhwMock) AddDisk(disk types.Disk) {
	g.disks = append(g.disks, disk)
}

// Paths returns the scanner paths under the given root
func (g *GhwMock) Paths(root string) *ghw.Paths {
	return ghw.NewPaths(root)
}

// Tree returns the files to feed vfst.NewTestFS, rooted at root
func (g *GhwMock) Tree(root string) map[string]interface{} {
	paths := ghw.NewPaths(root)
	tree := map[string]interface{}{}
	var mounts []string

	for indexDisk, disk := range g.disks {
		diskPath := filepath.Join(paths.SysBlock, disk.Name)
		tree[filepath.Join(diskPath, "dev")] = fmt.Sprintf("%d:0\n", indexDisk)
		tree[filepath.Join(diskPath, "size")] = strconv.FormatUint(disk.SizeBytes/512, 10) + "\n"
		tree[filepath.Join(paths.RunUdevData, fmt.Sprintf("b%d:0", indexDisk))] = fmt.Sprintf("E:ID_PART_TABLE_UUID=%s\n", disk.UUID)

		for indexPart, partition := range disk.Partitions {
			partPath := filepath.Join(diskPath, partition.Name)
			devNo := fmt.Sprintf("%d:%d", indexDisk, indexPart+1)
			tree[filepath.Join(partPath, "dev")] = devNo + "\n"
			tree[filepath.Join(partPath, "size")] = strconv.FormatUint(uint64(partition.SizeMiB)*2048, 10) + "\n"

			data := []string{fmt.Sprintf("E:ID_FS_LABEL=%s\n", partition.FilesystemLabel)}
			if partition.FS != "" {
				data = append(data, fmt.Sprintf("E:ID_FS_TYPE=%s\n", partition.FS))
			}
			if partition.UUID != "" {
				data = append(data, fmt.Sprintf("E:ID_PART_ENTRY_UUID=%s\n", partition.UUID))
			}
			tree[filepath.Join(paths.RunUdevData, "b"+devNo)] = strings.Join(data, "")

			if partition.MountPoint != "" {
				fs := partition.FS
				if fs == "" {
					fs = "ext4"
				}
				mp := strings.ReplaceAll(partition.MountPoint, " ", "\\040")
				mounts = append(mounts, fmt.Sprintf("%s %s %s ro,relatime 0 0\n", filepath.Join("/dev", partition.Name), mp, fs))
			}
		}
	}
	tree[paths.ProcMounts] = strings.Join(mounts, "")
	if len(g.disks) == 0 {
		tree[filepath.Clean(paths.SysBlock)] = &vfst.Dir{Perm: 0o755}
	}
	return tree
}
