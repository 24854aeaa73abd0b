package provision

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/kairos-io/kairos-disk/constants"
)

// Request describes a single provisioning of a device. It is also the format of the request
// files taken by the provision command.
type Request struct {
	Device            string `yaml:"device" json:"device" required:"true" description:"Block device to provision, e.g. /dev/sda"`
	RootMiB           int    `yaml:"root_mib" json:"root_mib" required:"true" minimum:"1" description:"Size of the root partition in MiB"`
	SwapMiB           int    `yaml:"swap_mib,omitempty" json:"swap_mib,omitempty" minimum:"0" description:"Size of the swap partition in MiB, 0 skips it"`
	EphemeralMiB      int    `yaml:"ephemeral_mib,omitempty" json:"ephemeral_mib,omitempty" minimum:"0" description:"Size of the ephemeral partition in MiB, 0 skips it"`
	EphemeralFormat   string `yaml:"ephemeral_format,omitempty" json:"ephemeral_format,omitempty" description:"Filesystem created on the ephemeral partition"`
	ImagePath         string `yaml:"image_path" json:"image_path" required:"true" description:"OS image written to the root partition, raw or any format qemu-img reads"`
	PreserveEphemeral bool   `yaml:"preserve_ephemeral,omitempty" json:"preserve_ephemeral,omitempty" description:"Keep the current table and the ephemeral data"`
	ConfigDrive       string `yaml:"configdrive,omitempty" json:"configdrive,omitempty" description:"Base64 encoded gzipped config drive image or an http(s) URL serving it"`
	BootOption        string `yaml:"boot_option,omitempty" json:"boot_option,omitempty" enum:"local,netboot" description:"Whether the machine boots from this disk"`
	BootMode          string `yaml:"boot_mode,omitempty" json:"boot_mode,omitempty" enum:"bios,uefi" description:"Firmware boot mode"`
	Node              string `yaml:"node,omitempty" json:"node,omitempty" description:"Node identifier used in logs and errors"`
}

// SetDefaults fills the optional fields. node is used when the request names none.
func (r *Request) SetDefaults(node string) {
	if r.BootOption == "" {
		r.BootOption = constants.NetBoot
	}
	if r.BootMode == "" {
		r.BootMode = constants.BIOS
	}
	if r.EphemeralMiB > 0 && r.EphemeralFormat == "" {
		r.EphemeralFormat = constants.DefaultEphemeralFormat
	}
	if r.Node == "" {
		r.Node = node
	}
}

// Validate reports every problem of the request at once
func (r Request) Validate() error {
	var result *multierror.Error
	if r.Device == "" {
		result = multierror.Append(result, fmt.Errorf("device is required"))
	}
	if r.RootMiB <= 0 {
		result = multierror.Append(result, fmt.Errorf("root_mib must be positive, got %d", r.RootMiB))
	}
	if r.SwapMiB < 0 {
		result = multierror.Append(result, fmt.Errorf("swap_mib can not be negative, got %d", r.SwapMiB))
	}
	if r.EphemeralMiB < 0 {
		result = multierror.Append(result, fmt.Errorf("ephemeral_mib can not be negative, got %d", r.EphemeralMiB))
	}
	if r.EphemeralMiB > 0 && r.EphemeralFormat == "" && !r.PreserveEphemeral {
		result = multierror.Append(result, fmt.Errorf("ephemeral_format is required with an ephemeral partition"))
	}
	if r.ImagePath == "" {
		result = multierror.Append(result, fmt.Errorf("image_path is required"))
	}
	switch r.BootOption {
	case constants.LocalBoot, constants.NetBoot:
	default:
		result = multierror.Append(result, fmt.Errorf("boot_option must be %s or %s, got %q", constants.LocalBoot, constants.NetBoot, r.BootOption))
	}
	switch r.BootMode {
	case constants.BIOS, constants.UEFI:
	default:
		result = multierror.Append(result, fmt.Errorf("boot_mode must be %s or %s, got %q", constants.BIOS, constants.UEFI, r.BootMode))
	}
	return result.ErrorOrNil()
}

// UEFILocal reports whether the disk gets a gpt table with an EFI system partition
func (r Request) UEFILocal() bool {
	return r.BootMode == constants.UEFI && r.BootOption == constants.LocalBoot
}
