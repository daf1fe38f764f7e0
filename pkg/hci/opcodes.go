package hci

// Vol 4, Part E, Section 5.4 of the Bluetooth Core Specification.
type PacketType uint8

const (
	PacketTypeCommand PacketType = 0x01
	PacketTypeACLData PacketType = 0x02
	PacketTypeEvent   PacketType = 0x04
)

type Opcode uint16

const (
	OpcodeDisconnect                 Opcode = 0x0406
	OpcodeSetEventMask               Opcode = 0x0C01
	OpcodeReset                      Opcode = 0x0C03
	OpcodeReadBDAddr                 Opcode = 0x1009
	OpcodeLESetEventMask             Opcode = 0x2001
	OpcodeLEReadBufferSize           Opcode = 0x2002
	OpcodeLESetAdvertisingParameters Opcode = 0x2006
	OpcodeLESetAdvertisingData       Opcode = 0x2008
	OpcodeLESetScanResponseData      Opcode = 0x2009
	OpcodeLESetAdvertisingEnable     Opcode = 0x200A
)

type EventCode uint8

const (
	EventCodeDisconnectionComplete    EventCode = 0x05
	EventCodeCommandComplete          EventCode = 0x0E
	EventCodeCommandStatus            EventCode = 0x0F
	EventCodeHardwareError            EventCode = 0x10
	EventCodeNumberOfCompletedPackets EventCode = 0x13
	EventCodeLEMeta                   EventCode = 0x3E
)

type LEMetaSubeventCode uint8

const (
	LEMetaSubeventCodeConnectionComplete         LEMetaSubeventCode = 0x01
	LEMetaSubeventCodeConnectionUpdate           LEMetaSubeventCode = 0x03
	LEMetaSubeventCodeEnhancedConnectionComplete LEMetaSubeventCode = 0x0A
)

// Status is an HCI error code, Vol 1, Part F.
type Status uint8

const (
	StatusSuccess                     Status = 0x00
	StatusUnknownConnectionID         Status = 0x02
	StatusConnectionTimeout           Status = 0x08
	StatusRemoteUserTerminated        Status = 0x13
	StatusLocalHostTerminated         Status = 0x16
	StatusConnectionFailedToEstablish Status = 0x3E
)
