// Package disk wraps the external tools used to prepare partitions: dd, blockdev, blkid,
// hexdump, qemu-img and mkfs.
package disk

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/avast/retry-go"
	"github.com/google/shlex"
	"github.com/kairos-io/kairos-disk/constants"
	"github.com/kairos-io/kairos-disk/types"
	"github.com/kairos-io/kairos-disk/types/config"
)

// IsBlockDevice reports whether dev is a block device. Stat failures are retried as the node
// may not be there yet, not being able to stat it at all is a deployment failure.
func IsBlockDevice(cfg *config.Config, dev string) (bool, error) {
	attempts := cfg.DiskUtils.BlockDeviceVerifyAttempts
	var info os.FileInfo
	err := retry.Do(
		func() error {
			var err error
			info, err = cfg.Fs.Stat(dev)
			return err
		},
		retry.Attempts(uint(attempts)),
		retry.Delay(0),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		// OnRetry also runs after the last attempt, there is nothing to wait for then
		retry.OnRetry(func(n uint, err error) {
			cfg.Logger.Debugf("Unable to stat device %s. Attempt %d out of %d. Error: %s", dev, n+1, attempts, err)
			if int(n)+1 < attempts {
				cfg.Sleeper.Sleep(constants.BlockDeviceVerifyDelay)
			}
		}),
	)
	if err != nil {
		msg := fmt.Sprintf("Unable to stat device %s after attempting to verify %d times.", dev, attempts)
		cfg.Logger.Error(msg)
		return false, types.WrapDeployError(err, "%s", msg)
	}
	mode := info.Mode()
	return mode&fs.ModeDevice != 0 && mode&fs.ModeCharDevice == 0, nil
}

// DD copies src onto dst with direct io
func DD(cfg *config.Config, src, dst string) error {
	return dd(cfg, src, dst, "bs="+cfg.DiskUtils.DDBlockSize, "oflag=direct")
}

func dd(cfg *config.Config, src, dst string, args ...string) error {
	argv := append([]string{"if=" + src, "of=" + dst}, args...)
	_, _, err := cfg.Runner.Run("dd", argv, types.AsRoot())
	return err
}

// DevBlockSize returns the size of dev in 512 byte sectors
func DevBlockSize(cfg *config.Config, dev string) (int64, error) {
	out, _, err := cfg.Runner.Run("blockdev", []string{"--getsz", dev}, types.AsRoot())
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(strings.TrimSpace(out), 10, 64)
}

// DestroyMetadata zeroes the first and the last 18KiB of dev. That clears MBR and GPT
// tables as well as LVM, MDADM or DMRAID superblocks without wiping the whole disk.
func DestroyMetadata(cfg *config.Config, dev, node string) error {
	cfg.Logger.Debugf("Start destroy disk metadata for node %s.", node)
	count := "count=" + strconv.Itoa(constants.MetadataSectors)
	bs := "bs=" + strconv.Itoa(constants.SectorSize)

	if err := dd(cfg, "/dev/zero", dev, bs, count); err != nil {
		logExecError(cfg, err, fmt.Sprintf("Failed to erase beginning of disk for node %s.", node))
		return err
	}

	size, err := DevBlockSize(cfg, dev)
	if err != nil {
		logExecError(cfg, err, fmt.Sprintf("Failed to get disk block count for node %s.", node))
		return err
	}

	seek := size - constants.MetadataSectors
	if seek < 0 {
		seek = 0
	}
	if err = dd(cfg, "/dev/zero", dev, bs, count, "seek="+strconv.FormatInt(seek, 10)); err != nil {
		logExecError(cfg, err, fmt.Sprintf("Failed to erase the end of the disk on node %s.", node))
		return err
	}
	cfg.Logger.Infof("Disk metadata on %s successfully destroyed for node %s", dev, node)
	return nil
}

func logExecError(cfg *config.Config, err error, msg string) {
	ev := cfg.Logger.Logger.Error().Err(err)
	var execErr *types.ExecError
	if errors.As(err, &execErr) {
		ev = ev.Str("command", execErr.Cmd).Str("stderr", execErr.Stderr)
	}
	ev.Msg(msg)
}

// BlockUUID returns the filesystem UUID of dev
func BlockUUID(cfg *config.Config, dev string) (string, error) {
	out, _, err := cfg.Runner.Run("blkid", []string{"-s", "UUID", "-o", "value", dev}, types.AsRoot(), types.WithExitCodes(0))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// DiskIdentifier returns the MBR disk signature of dev, e.g. 0x0004b2f1, as used by
// chainloaders to find the disk among others.
func DiskIdentifier(cfg *config.Config, dev string) (string, error) {
	out, _, err := cfg.Runner.Run("hexdump", []string{"-s", "440", "-n", "4", "-e", `"0x%08x"`, dev},
		types.AsRoot(), types.WithExitCodes(0), types.WithAttempts(5, true))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// ImageInfo is what qemu-img knows about an image
type ImageInfo struct {
	Filename    string `json:"filename,omitempty"`
	Format      string `json:"format,omitempty"`
	VirtualSize int64  `json:"virtual-size,omitempty"`
	ActualSize  int64  `json:"actual-size,omitempty"`
}

// GetImageInfo inspects the image at path. A missing file gives an empty ImageInfo.
func GetImageInfo(cfg *config.Config, path string) (ImageInfo, error) {
	info := ImageInfo{}
	if _, err := cfg.Fs.Stat(path); err != nil {
		return info, nil
	}
	out, _, err := cfg.Runner.Run("qemu-img", []string{"info", "--output=json", path}, types.WithStandardLocale())
	if err != nil {
		return info, err
	}
	if err = json.Unmarshal([]byte(out), &info); err != nil {
		return info, fmt.Errorf("parsing qemu-img info output for %s: %w", path, err)
	}
	return info, nil
}

// ConvertImage converts src into dst with the given format
func ConvertImage(cfg *config.Config, src, dst, format string, asRoot bool) error {
	var opts []types.RunOption
	if asRoot {
		opts = append(opts, types.AsRoot())
	}
	_, _, err := cfg.Runner.Run("qemu-img", []string{"convert", "-O", format, src, dst}, opts...)
	return err
}

// PopulateImage writes the image at src onto dst, converting it to raw on the fly if needed
func PopulateImage(cfg *config.Config, src, dst string) error {
	info, err := GetImageInfo(cfg, src)
	if err != nil {
		return err
	}
	if info.Format == constants.RawFormat {
		return DD(cfg, src, dst)
	}
	return ConvertImage(cfg, src, dst, constants.RawFormat, true)
}

// ImageMiB returns the size of the image in MiB, rounded up. The virtual size is the size
// of the disk the image expands to, otherwise it is the size of the file.
func ImageMiB(cfg *config.Config, path string, virtual bool) (int, error) {
	var size int64
	if virtual {
		info, err := GetImageInfo(cfg, path)
		if err != nil {
			return 0, err
		}
		size = info.VirtualSize
	} else {
		st, err := cfg.Fs.Stat(path)
		if err != nil {
			return 0, err
		}
		size = st.Size()
	}
	return int((size + constants.MiB - 1) / constants.MiB), nil
}

// Mkfs creates a filesystem of type fsType on dev. swap creates a swap area.
func Mkfs(cfg *config.Config, fsType, dev, label string) error {
	var cmd string
	var args []string
	if fsType == constants.SwapFS {
		cmd = "mkswap"
	} else {
		cmd = "mkfs"
		args = []string{"-t", fsType}
	}
	if fsType == "ext3" || fsType == constants.DefaultEphemeralFormat {
		args = append(args, "-F")
	}
	if label != "" {
		if fsType == constants.VfatFS || fsType == "msdos" {
			args = append(args, "-n", label)
		} else {
			args = append(args, "-L", label)
		}
	}
	if extra := cfg.DiskUtils.MkfsOptions[fsType]; extra != "" {
		opts, err := shlex.Split(extra)
		if err != nil {
			return fmt.Errorf("parsing mkfs options for %s: %w", fsType, err)
		}
		args = append(args, opts...)
	}
	args = append(args, dev)

	_, stderr, err := cfg.Runner.Run(cmd, args, types.AsRoot(), types.WithStandardLocale())
	if err != nil {
		cfg.Logger.Logger.Error().Err(err).Str("fs", fsType).Str("device", dev).Str("stderr", stderr).Msg("Failed to create a filesystem")
		return fmt.Errorf("creating %s filesystem on %s: %w", fsType, dev, err)
	}
	return nil
}
