package types

import "github.com/kairos-io/kairos-disk/constants"

// Role is the logical purpose of a partition created by the provisioner
type Role string

const (
	RoleRoot        Role = "root"
	RoleSwap        Role = "swap"
	RoleEphemeral   Role = "ephemeral"
	RoleConfigDrive Role = "configdrive"
	RoleEFI         Role = "efi system partition"
)

// UUIDKey is the key under which the role filesystem UUID is reported
func (r Role) UUIDKey() string {
	switch r {
	case RoleRoot:
		return constants.RootUUID
	case RoleEFI:
		return constants.EfiSystemPartitionUUID
	case RoleSwap:
		return constants.SwapUUID
	case RoleEphemeral:
		return constants.EphemeralUUID
	case RoleConfigDrive:
		return constants.ConfigDriveUUID
	}
	return string(r) + " uuid"
}

// AllRoles lists the roles in the order their UUIDs are resolved
var AllRoles = []Role{RoleRoot, RoleEFI, RoleSwap, RoleEphemeral, RoleConfigDrive}
