package transport

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// Values written to the State characteristic.
const (
	StateStart byte = 0x01
	StateEnd   byte = 0x02
)

// Profile names the characteristics of an mdoc GATT service.
type Profile struct {
	State          uuid.UUID
	ClientToServer uuid.UUID
	ServerToClient uuid.UUID
	// Ident is uuid.Nil when the profile has no ident characteristic.
	Ident uuid.UUID
	L2CAP uuid.UUID
}

var (
	// MdocPeripheralServer is used when the holder is the GATT server.
	MdocPeripheralServer = Profile{
		State:          uuid.MustParse("00000001-a123-48ce-896b-4c76973373e6"),
		ClientToServer: uuid.MustParse("00000002-a123-48ce-896b-4c76973373e6"),
		ServerToClient: uuid.MustParse("00000003-a123-48ce-896b-4c76973373e6"),
		L2CAP:          uuid.MustParse("0000000a-a123-48ce-896b-4c76973373e6"),
	}
	// ReaderPeripheralServer is used when the reader is the GATT server.
	ReaderPeripheralServer = Profile{
		State:          uuid.MustParse("00000005-a123-48ce-896b-4c76973373e6"),
		ClientToServer: uuid.MustParse("00000006-a123-48ce-896b-4c76973373e6"),
		ServerToClient: uuid.MustParse("00000007-a123-48ce-896b-4c76973373e6"),
		Ident:          uuid.MustParse("00000008-a123-48ce-896b-4c76973373e6"),
		L2CAP:          uuid.MustParse("0000000b-a123-48ce-896b-4c76973373e6"),
	}
)

// Required lists the characteristics a central must find.
func (p Profile) Required() []uuid.UUID {
	return []uuid.UUID{p.State, p.ClientToServer, p.ServerToClient}
}

// EncodePSM is the value of the L2CAP PSM characteristic.
func EncodePSM(psm uint16) []byte {
	return binary.LittleEndian.AppendUint16(nil, psm)
}

// DecodePSM accepts a little endian uint16 or a big endian uint32, which is how
// some wallets publish the PSM.
func DecodePSM(b []byte) (uint16, error) {
	switch len(b) {
	case 2:
		return binary.LittleEndian.Uint16(b), nil
	case 4:
		v := binary.BigEndian.Uint32(b)
		if v > 0xFFFF {
			return 0, fmt.Errorf("psm %d out of range", v)
		}
		return uint16(v), nil
	}
	return 0, fmt.Errorf("psm value has %d bytes", len(b))
}
