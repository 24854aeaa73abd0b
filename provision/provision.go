// Package provision lays out a disk for a node: it partitions the device, writes the config
// drive and the OS image, formats the auxiliary partitions and reports their UUIDs.
package provision

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/kairos-io/kairos-disk/configdrive"
	"github.com/kairos-io/kairos-disk/constants"
	"github.com/kairos-io/kairos-disk/disk"
	"github.com/kairos-io/kairos-disk/ghw"
	"github.com/kairos-io/kairos-disk/inspect"
	"github.com/kairos-io/kairos-disk/metrics"
	"github.com/kairos-io/kairos-disk/partitioner"
	"github.com/kairos-io/kairos-disk/types"
	"github.com/kairos-io/kairos-disk/types/config"
)

// PartitionParams are the inputs of MakePartitions
type PartitionParams struct {
	Device         string
	RootMiB        int
	SwapMiB        int
	EphemeralMiB   int
	ConfigDriveMiB int
	Node           string
	// Commit writes the table, otherwise only the resulting paths are computed
	Commit     bool
	BootOption string
	BootMode   string
}

type Provisioner struct {
	cfg         *config.Config
	scanner     *ghw.Scanner
	verifier    partitioner.LayoutVerifier
	verifierSet bool
}

type Option func(p *Provisioner)

// WithScanner sets the block device scanner used by the capacity check
func WithScanner(s *ghw.Scanner) Option {
	return func(p *Provisioner) { p.scanner = s }
}

// WithVerifier replaces the configured layout verifier, nil disables verification
func WithVerifier(v partitioner.LayoutVerifier) Option {
	return func(p *Provisioner) {
		p.verifier = v
		p.verifierSet = true
	}
}

// NewProvisioner completes the config, building any collaborator that was not injected
func NewProvisioner(cfg *config.Config, opts ...Option) (*Provisioner, error) {
	if err := cfg.Complete(); err != nil {
		return nil, err
	}
	p := &Provisioner{cfg: cfg}
	for _, o := range opts {
		o(p)
	}
	if p.scanner == nil {
		p.scanner = ghw.NewScanner(cfg.Fs, nil, cfg.Logger)
	}
	if !p.verifierSet && cfg.DiskPartitioner.VerifyLayout {
		switch cfg.DiskPartitioner.VerifyWith {
		case constants.VerifyWithDiskfs:
			p.verifier = inspect.Verifier{Logger: cfg.Logger}
		default:
			p.verifier = partitioner.PartedVerifier{Runner: cfg.Runner, Logger: cfg.Logger}
		}
	}
	return p, nil
}

// MakePartitions plans the table for the given sizes and commits it if asked to. It returns
// the device node of every partition created, by role.
//
// The EFI system partition, for uefi local boot only, goes first on a gpt table. Then come
// ephemeral, swap and config drive when requested. Root is always the last one so it can be
// grown to the end of the disk later on.
func (p *Provisioner) MakePartitions(params PartitionParams) (map[types.Role]string, error) {
	defer metrics.StartTimer(p.cfg.Metrics, "disk_utils.make_partitions")()
	log := p.cfg.Logger
	log.Debugf("Starting to partition the disk device: %s for node %s", params.Device, params.Node)

	parts := map[types.Role]string{}
	var planner *partitioner.Planner
	add := func(role types.Role, size int, opts ...partitioner.PartitionOption) error {
		log.Debugf("Add %s partition (%d MiB) to device: %s for node %s", role, size, params.Device, params.Node)
		n, err := planner.AddPartition(size, opts...)
		if err != nil {
			return err
		}
		parts[role] = fmt.Sprintf(constants.PartitionTemplate, params.Device, n)
		return nil
	}

	var err error
	if params.BootMode == constants.UEFI && params.BootOption == constants.LocalBoot {
		planner = partitioner.NewPlanner(params.Device, partitioner.WithLabel(constants.GPT), partitioner.WithAlignment(p.cfg.DiskPartitioner.Alignment))
		err = add(types.RoleEFI, p.cfg.DiskUtils.EfiSystemPartitionSize, partitioner.WithFSType(constants.Fat32FS), partitioner.WithBootFlag(constants.EspFlag))
	} else {
		planner = partitioner.NewPlanner(params.Device, partitioner.WithAlignment(p.cfg.DiskPartitioner.Alignment))
	}
	if err == nil && params.EphemeralMiB > 0 {
		err = add(types.RoleEphemeral, params.EphemeralMiB)
	}
	if err == nil && params.SwapMiB > 0 {
		err = add(types.RoleSwap, params.SwapMiB, partitioner.WithFSType(constants.LinuxSwapFS))
	}
	if err == nil && params.ConfigDriveMiB > 0 {
		err = add(types.RoleConfigDrive, params.ConfigDriveMiB)
	}
	if err == nil {
		var rootOpts []partitioner.PartitionOption
		if params.BootOption == constants.LocalBoot && params.BootMode == constants.BIOS {
			rootOpts = append(rootOpts, partitioner.WithBootFlag(constants.BootFlag))
		}
		err = add(types.RoleRoot, params.RootMiB, rootOpts...)
	}
	if err != nil {
		return nil, types.WrapDeployError(err, "Failed to plan partitions on device %s for node %s", params.Device, params.Node)
	}

	if params.Commit {
		committer := partitioner.NewCommitter(p.cfg, partitioner.WithVerifier(p.verifier))
		if err = committer.Commit(planner.Table()); err != nil {
			return nil, err
		}
	}
	return parts, nil
}

// WorkOnDisk provisions the device described by req and returns the UUIDs of the created
// partitions. Every failure is a DeployError and aborts the remaining steps.
func (p *Provisioner) WorkOnDisk(ctx context.Context, req Request) (UUIDMap, error) {
	defer metrics.StartTimer(p.cfg.Metrics, "disk_utils.work_on_disk")()
	uuids, err := p.workOnDisk(ctx, req)
	if err != nil {
		p.cfg.Metrics.SendCounter("disk_utils.work_on_disk.failures", 1, 1)
	}
	return uuids, err
}

func (p *Provisioner) workOnDisk(ctx context.Context, req Request) (UUIDMap, error) {
	log := p.cfg.Logger
	req.SetDefaults(p.cfg.NodeID)
	if err := req.Validate(); err != nil {
		return nil, types.WrapDeployError(err, "Invalid provisioning request for node %s", req.Node)
	}

	// Preserving the ephemeral data means keeping the current table as it is
	commit := !req.PreserveEphemeral
	if commit {
		if err := p.preflight(req); err != nil {
			return nil, err
		}
		if err := disk.DestroyMetadata(p.cfg, req.Device, req.Node); err != nil {
			return nil, types.WrapDeployError(err, "Failed to destroy the disk metadata of %s for node %s", req.Device, req.Node)
		}
	}

	parts, err := p.partitionDisk(ctx, req, commit)
	if err != nil {
		return nil, err
	}
	root := parts[types.RoleRoot]

	if err = disk.PopulateImage(p.cfg, req.ImagePath, root); err != nil {
		return nil, types.WrapDeployError(err, "Failed to write image %s to %s for node %s", req.ImagePath, root, req.Node)
	}
	log.Infof("Image for %s successfully populated", req.Node)

	if swap, ok := parts[types.RoleSwap]; ok {
		if err = disk.Mkfs(p.cfg, constants.SwapFS, swap, constants.SwapPartLabel); err != nil {
			return nil, types.WrapDeployError(err, "Failed to format swap partition %s for node %s", swap, req.Node)
		}
		log.Infof("Swap partition %s successfully formatted for node %s", swap, req.Node)
	}

	if ephemeral, ok := parts[types.RoleEphemeral]; ok && !req.PreserveEphemeral {
		if err = disk.Mkfs(p.cfg, req.EphemeralFormat, ephemeral, constants.EphemeralPartLabel); err != nil {
			return nil, types.WrapDeployError(err, "Failed to format ephemeral partition %s for node %s", ephemeral, req.Node)
		}
		log.Infof("Ephemeral partition %s successfully formatted for node %s", ephemeral, req.Node)
	}

	uuids := newUUIDMap()
	for _, role := range types.AllRoles {
		dev, ok := parts[role]
		if !ok {
			continue
		}
		id, err := disk.BlockUUID(p.cfg, dev)
		if err != nil {
			log.Logger.Error().Err(err).Str("device", dev).Str("node", req.Node).Msgf("Failed to detect %s", role.UUIDKey())
			return nil, types.WrapDeployError(err, "Failed to detect %s of %s for node %s", role.UUIDKey(), dev, req.Node)
		}
		uuids[role.UUIDKey()] = &id
	}
	return uuids, nil
}

// partitionDisk lays out the table and fills the small partitions. The local config drive
// image is removed before returning, whatever the outcome.
func (p *Provisioner) partitionDisk(ctx context.Context, req Request, commit bool) (map[types.Role]string, error) {
	log := p.cfg.Logger
	var cd *configdrive.ConfigDrive
	defer func() { cd.Cleanup() }()

	cdMiB := 0
	if req.ConfigDrive != "" {
		var err error
		cd, err = configdrive.Get(ctx, p.cfg, req.ConfigDrive, req.Node)
		if err != nil {
			return nil, err
		}
		cdMiB = cd.SizeMiB
	}

	parts, err := p.MakePartitions(PartitionParams{
		Device:         req.Device,
		RootMiB:        req.RootMiB,
		SwapMiB:        req.SwapMiB,
		EphemeralMiB:   req.EphemeralMiB,
		ConfigDriveMiB: cdMiB,
		Node:           req.Node,
		Commit:         commit,
		BootOption:     req.BootOption,
		BootMode:       req.BootMode,
	})
	if err != nil {
		return nil, err
	}
	log.Infof("Successfully completed the disk device %s partitioning for node %s", req.Device, req.Node)

	root := parts[types.RoleRoot]
	ok, err := disk.IsBlockDevice(p.cfg, root)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, types.NewDeployError("Root device '%s' not found", root)
	}
	for _, role := range []types.Role{types.RoleSwap, types.RoleEphemeral, types.RoleConfigDrive, types.RoleEFI} {
		dev, requested := parts[role]
		if !requested {
			continue
		}
		log.Debugf("Checking for %s device (%s) on node %s.", role, dev, req.Node)
		ok, err = disk.IsBlockDevice(p.cfg, dev)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, types.NewDeployError("'%s' device '%s' not found", role, dev)
		}
	}

	if efi, ok := parts[types.RoleEFI]; ok {
		if err = disk.Mkfs(p.cfg, constants.VfatFS, efi, constants.EfiPartLabel); err != nil {
			return nil, types.WrapDeployError(err, "Failed to format the EFI system partition %s for node %s", efi, req.Node)
		}
	}

	if dev, ok := parts[types.RoleConfigDrive]; ok {
		if err = disk.DD(p.cfg, cd.Path, dev); err != nil {
			return nil, types.WrapDeployError(err, "Failed to copy the config drive onto %s for node %s", dev, req.Node)
		}
		log.Infof("Configdrive for node %s successfully copied onto partition %s", req.Node, dev)
	}
	return parts, nil
}

// preflight refuses devices in use and, when sysfs knows the disk, requests that can not fit
// on it. It runs before anything is written.
func (p *Provisioner) preflight(req Request) error {
	target := p.resolveDevice(req.Device)
	if err := p.checkNotMounted(req.Device, target); err != nil {
		return err
	}

	d, err := p.scanner.GetDisk(target)
	if err != nil {
		p.cfg.Logger.Debugf("Skipping capacity check for %s: %s", req.Device, err)
		return nil
	}
	if d.SizeBytes == 0 {
		return nil
	}
	needed := p.cfg.LeadIn() + req.RootMiB + req.SwapMiB + req.EphemeralMiB
	if req.UEFILocal() {
		needed += p.cfg.DiskUtils.EfiSystemPartitionSize
	}
	p.cfg.Metrics.SendGauge("disk_utils.requested_mib", float64(needed))
	if needed > d.SizeMiB() {
		return types.NewDeployError("Requested partitions need %d MiB but device %s only has %d MiB for node %s", needed, req.Device, d.SizeMiB(), req.Node)
	}
	return nil
}

// checkNotMounted refuses device when it, or a partition of it, is mounted. target is the
// device with its symlinks resolved, e.g. /dev/sdb for /dev/disk/by-path/ip-...-lun-1.
func (p *Provisioner) checkNotMounted(device, target string) error {
	mounts, err := p.cfg.Mounter.List()
	if err != nil {
		p.cfg.Logger.Warnf("Could not list mount points: %s", err)
		return nil
	}
	for _, mp := range mounts {
		for _, d := range []string{device, target} {
			if mp.Device == d || isPartitionOf(mp.Device, d) {
				return types.NewDeployError("Device %s is in use, %s is mounted at %s", device, mp.Device, mp.Path)
			}
		}
	}
	return nil
}

// resolveDevice follows the symlinks of device within the configured filesystem. The device
// is returned as given when it can not be resolved.
func (p *Provisioner) resolveDevice(device string) string {
	raw, err := p.cfg.Fs.RawPath(device)
	if err != nil {
		return device
	}
	resolved, err := filepath.EvalSymlinks(raw)
	if err != nil {
		return device
	}
	root, err := p.cfg.Fs.RawPath("/")
	if err != nil {
		return device
	}
	if root, err = filepath.EvalSymlinks(root); err != nil {
		return device
	}
	rel, err := filepath.Rel(root, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, "../") {
		return device
	}
	target := "/" + filepath.ToSlash(rel)
	if target != device {
		p.cfg.Logger.Debugf("Device %s resolves to %s", device, target)
	}
	return target
}

// isPartitionOf matches /dev/sda1, /dev/nvme0n1p1 and /dev/disk-part1 style names, but not
// /dev/sdaa1 for /dev/sda.
func isPartitionOf(part, device string) bool {
	rest, ok := strings.CutPrefix(part, device)
	if !ok || rest == "" {
		return false
	}
	rest = strings.TrimPrefix(rest, "-part")
	rest = strings.TrimPrefix(rest, "p")
	if rest == "" {
		return false
	}
	for _, c := range rest {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
