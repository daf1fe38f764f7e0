package hci

import "fmt"

type OwnAddressType uint8

const (
	OwnAddressTypePublic OwnAddressType = 0x00
	OwnAddressTypeRandom OwnAddressType = 0x01
)

type PeerAddressType uint8

const (
	PeerAddressTypePublic PeerAddressType = 0x00
	PeerAddressTypeRandom PeerAddressType = 0x01
)

// BDAddr is a device address in the controller's little endian order.
type BDAddr [6]byte

// String formats the address most significant octet first.
func (a BDAddr) String() string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", a[5], a[4], a[3], a[2], a[1], a[0])
}

type Role uint8

const (
	RoleCentral    Role = 0
	RolePeripheral Role = 1
)

func (r Role) String() string {
	if r == RolePeripheral {
		return "peripheral"
	}
	return "central"
}

// CommandError is returned when the controller completes a command with a
// non-zero status.
type CommandError struct {
	Opcode Opcode
	Status Status
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("hci: command 0x%04x failed with status 0x%02x", uint16(e.Opcode), uint8(e.Status))
}
