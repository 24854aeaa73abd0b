// Package constants This file contains all the constants that can be reused across the project
package constants

import "time"

const (
	MiB      = int64(1024 * 1024)
	GiB      = 1024 * MiB
	FilePerm = 0644
	// SectorSize is the logical sector size assumed by the metadata wipe and sysfs sizes
	SectorSize = 512
)

// Defaults for the disk helpers
const (
	EfiSystemPartitionSize    = 200
	DDBlockSize               = "1M"
	BlockDeviceVerifyAttempts = 3
	BlockDeviceVerifyDelay    = time.Second
	// MetadataSectors is the amount of sectors zeroed at each end of the disk (18KiB)
	MetadataSectors = 36
)

// Defaults for the partitioner
const (
	CheckDeviceInterval   = time.Second
	CheckDeviceMaxRetries = 20
	PartedAlignment       = "optimal"
	// LeadInMiB leaves room for the partition table itself before the first partition
	LeadInMiB = 1

	VerifyWithParted = "parted"
	VerifyWithDiskfs = "diskfs"
)

const (
	MSDOS = "msdos"
	GPT   = "gpt"

	BIOS = "bios"
	UEFI = "uefi"

	LocalBoot = "local"
	NetBoot   = "netboot"

	PrimaryPartition = "primary"

	BootFlag     = "boot"
	BiosGrubFlag = "bios_grub"
	// EspFlag marks the EFI system partition on gpt tables
	EspFlag = "esp"

	Fat32FS     = "fat32"
	LinuxSwapFS = "linux-swap"

	EfiPartLabel       = "efi-part"
	SwapPartLabel      = "swap1"
	EphemeralPartLabel = "ephemeral0"

	RawFormat = "raw"

	VfatFS                 = "vfat"
	SwapFS                 = "swap"
	DefaultEphemeralFormat = "ext4"

	// PartitionTemplate builds the node of a partition out of the base device and its number
	PartitionTemplate = "%s-part%d"
)

// Keys of the provisioning result
const (
	RootUUID               = "root uuid"
	EfiSystemPartitionUUID = "efi system partition uuid"
	SwapUUID               = "swap uuid"
	EphemeralUUID          = "ephemeral uuid"
	ConfigDriveUUID        = "configdrive uuid"
)

const (
	LogName           = "kairos-disk"
	EnvPrefix         = "KAIROS_DISK"
	DefaultLogLevel   = "info"
	ConfigDrivePrefix = "configdrive"
)
