// Package ghw scans sysfs, the udev database and the mount table for block devices.
package ghw

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/kairos-io/kairos-disk/constants"
	"github.com/kairos-io/kairos-disk/types"
)

const UNKNOWN = "unknown"

// SysRootEnv points the scanner at a different root, used to run against fake trees
const SysRootEnv = constants.EnvPrefix + "_SYSROOT"

type Paths struct {
	SysBlock    string
	RunUdevData string
	ProcMounts  string
}

func NewPaths(withOptionalPrefix string) *Paths {
	p := &Paths{
		SysBlock:    "/sys/block/",
		RunUdevData: "/run/udev/data",
		ProcMounts:  "/proc/mounts",
	}

	prefix := withOptionalPrefix
	// The env var has precedence over anything
	if val, exists := os.LookupEnv(SysRootEnv); exists {
		prefix = val
	}
	if prefix != "" {
		prefix = strings.TrimSuffix(prefix, "/")
		p.SysBlock = prefix + p.SysBlock
		p.RunUdevData = prefix + p.RunUdevData
		p.ProcMounts = prefix + p.ProcMounts
	}
	return p
}

// Scanner reads block device information through fs
type Scanner struct {
	fs     types.KairosFS
	paths  *Paths
	logger types.KairosLogger
}

func NewScanner(fs types.KairosFS, paths *Paths, logger types.KairosLogger) *Scanner {
	if paths == nil {
		paths = NewPaths("")
	}
	return &Scanner{fs: fs, paths: paths, logger: logger}
}

// GetDisks returns every disk with its partitions. Unused loop devices are skipped.
func (s *Scanner) GetDisks() []*types.Disk {
	disks := make([]*types.Disk, 0)
	s.logger.Logger.Debug().Str("path", s.paths.SysBlock).Msg("Scanning for disks")
	entries, err := s.fs.ReadDir(s.paths.SysBlock)
	if err != nil {
		s.logger.Logger.Error().Err(err).Str("path", s.paths.SysBlock).Msg("Failed to list block devices")
		return disks
	}
	mounts := s.mounts()
	for _, entry := range entries {
		name := entry.Name()
		size := s.sizeBytes(name)
		if strings.HasPrefix(name, "loop") && size == 0 {
			continue
		}
		disks = append(disks, s.disk(name, size, mounts))
	}
	return disks
}

// GetDisk returns the disk behind a device path like /dev/sda
func (s *Scanner) GetDisk(device string) (*types.Disk, error) {
	name := filepath.Base(device)
	if _, err := s.fs.Stat(filepath.Join(s.paths.SysBlock, name)); err != nil {
		return nil, fmt.Errorf("disk %s not found in %s: %w", device, s.paths.SysBlock, err)
	}
	return s.disk(name, s.sizeBytes(name), s.mounts()), nil
}

func (s *Scanner) disk(name string, size uint64, mounts map[string]mountEntry) *types.Disk {
	d := &types.Disk{
		Name:      name,
		Path:      filepath.Join("/dev", name),
		SizeBytes: size,
		UUID:      s.udevValue(name, "ID_PART_TABLE_UUID"),
	}
	d.Partitions = s.partitions(name, mounts)
	return d
}

func (s *Scanner) partitions(disk string, mounts map[string]mountEntry) types.PartitionList {
	out := make(types.PartitionList, 0)
	entries, err := s.fs.ReadDir(filepath.Join(s.paths.SysBlock, disk))
	if err != nil {
		s.logger.Logger.Error().Err(err).Str("disk", disk).Msg("Failed to read disk partitions")
		return out
	}
	for _, entry := range entries {
		fname := entry.Name()
		if !strings.HasPrefix(fname, disk) {
			continue
		}
		partPath := filepath.Join(disk, fname)
		devPath := filepath.Join("/dev", fname)
		p := &types.Partition{
			Name:            fname,
			Path:            devPath,
			Disk:            filepath.Join("/dev", disk),
			SizeMiB:         uint(s.sizeBytes(partPath) / uint64(constants.MiB)),
			UUID:            s.udevValue(partPath, "ID_PART_ENTRY_UUID"),
			FilesystemLabel: s.udevValue(partPath, "ID_FS_LABEL"),
		}
		if m, ok := mounts[devPath]; ok {
			p.MountPoint = m.Mountpoint
			p.FS = m.FilesystemType
		} else {
			p.FS = s.udevValue(partPath, "ID_FS_TYPE")
		}
		out = append(out, p)
	}
	return out
}

// sizeBytes reads the size in sectors from sysfs, the sector size there is always 512
func (s *Scanner) sizeBytes(path string) uint64 {
	file := filepath.Join(s.paths.SysBlock, path, "size")
	contents, err := s.fs.ReadFile(file)
	if err != nil {
		s.logger.Logger.Error().Str("path", file).Err(err).Msg("Failed to read size")
		return 0
	}
	size, err := strconv.ParseUint(strings.TrimSpace(string(contents)), 10, 64)
	if err != nil {
		s.logger.Logger.Error().Str("path", file).Err(err).Str("content", string(contents)).Msg("Failed to parse size")
		return 0
	}
	return size * constants.SectorSize
}

func (s *Scanner) udevValue(path, key string) string {
	info, err := s.UdevInfo(path)
	if err != nil {
		return UNKNOWN
	}
	if v, ok := info[key]; ok {
		return v
	}
	return UNKNOWN
}

// UdevInfo returns the udev properties of the device at path, relative to /sys/block
func (s *Scanner) UdevInfo(path string) (map[string]string, error) {
	devNo, err := s.fs.ReadFile(filepath.Join(s.paths.SysBlock, path, "dev"))
	if err != nil {
		s.logger.Logger.Debug().Err(err).Str("path", path).Msg("Failed to read device number")
		return nil, err
	}
	udevBytes, err := s.fs.ReadFile(filepath.Join(s.paths.RunUdevData, "b"+strings.TrimSpace(string(devNo))))
	if err != nil {
		s.logger.Logger.Debug().Err(err).Str("path", path).Msg("Failed to read udev info for device")
		return nil, err
	}
	info := make(map[string]string)
	for _, line := range strings.Split(string(udevBytes), "\n") {
		if strings.HasPrefix(line, "E:") {
			if kv := strings.SplitN(line[2:], "=", 2); len(kv) == 2 {
				info[kv[0]] = kv[1]
			}
		}
	}
	return info, nil
}

type mountEntry struct {
	Partition      string
	Mountpoint     string
	FilesystemType string
}

// mounts indexes the mount table by device. Only the first mount of a device is kept.
func (s *Scanner) mounts() map[string]mountEntry {
	out := map[string]mountEntry{}
	data, err := s.fs.ReadFile(s.paths.ProcMounts)
	if err != nil {
		s.logger.Logger.Debug().Err(err).Str("file", s.paths.ProcMounts).Msg("Failed to read mounts")
		return out
	}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		entry := parseMountEntry(scanner.Text())
		if entry == nil {
			continue
		}
		if _, ok := out[entry.Partition]; !ok {
			out[entry.Partition] = *entry
		}
	}
	return out
}

// mount entries look like this:
// /dev/sda6 / ext4 rw,relatime,errors=remount-ro,data=ordered 0 0
func parseMountEntry(line string) *mountEntry {
	if line == "" || line[0] != '/' {
		return nil
	}
	fields := strings.Fields(line)
	if len(fields) < 4 {
		return nil
	}
	// Spaces, tabs, newlines and backslashes in the mountpoint are octal escaped
	r := strings.NewReplacer("\\011", "\t", "\\012", "\n", "\\040", " ", "\\\\", "\\")
	return &mountEntry{
		Partition:      fields[0],
		Mountpoint:     r.Replace(fields[1]),
		FilesystemType: fields[2],
	}
}
