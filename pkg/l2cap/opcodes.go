package l2cap

// Signalling command codes used on the LE signalling channel, Vol 3, Part A,
// Section 4.
type Opcode uint8

const (
	OpcodeCommandRejectResponse             Opcode = 0x01
	OpcodeDisconnectionRequest              Opcode = 0x06
	OpcodeDisconnectionResponse             Opcode = 0x07
	OpcodeConnectionParameterUpdateRequest  Opcode = 0x12
	OpcodeConnectionParameterUpdateResponse Opcode = 0x13
	OpcodeLECreditBasedConnectionRequest    Opcode = 0x14
	OpcodeLECreditBasedConnectionResponse   Opcode = 0x15
	OpcodeFlowControlCreditIND              Opcode = 0x16
)

// Section 2.1
type ChannelID uint16

const (
	ChannelIDAttributeProtocol       ChannelID = 0x0004
	ChannelIDSignallingLEU           ChannelID = 0x0005
	ChannelIDSecurityManagerProtocol ChannelID = 0x0006

	// LE dynamically allocated channels.
	ChannelIDDynamicFirst ChannelID = 0x0040
	ChannelIDDynamicLast  ChannelID = 0x007F
)
