package att

type Opcode uint8

// Vol 3, Part F, Section 3.4.8 of the Bluetooth Core Specification
const (
	OpcodeErrorResponse           Opcode = 0x01
	OpcodeExchangeMTURequest      Opcode = 0x02
	OpcodeExchangeMTUResponse     Opcode = 0x03
	OpcodeFindInformationRequest  Opcode = 0x04
	OpcodeFindInformationResponse Opcode = 0x05
	OpcodeFindByTypeValueRequest  Opcode = 0x06
	OpcodeFindByTypeValueResponse Opcode = 0x07
	OpcodeReadByTypeRequest       Opcode = 0x08
	OpcodeReadByTypeResponse      Opcode = 0x09
	OpcodeReadRequest             Opcode = 0x0A
	OpcodeReadResponse            Opcode = 0x0B
	OpcodeReadBlobRequest         Opcode = 0x0C
	OpcodeReadBlobResponse        Opcode = 0x0D
	OpcodeReadByGroupTypeRequest  Opcode = 0x10
	OpcodeReadByGroupTypeResponse Opcode = 0x11
	OpcodeWriteRequest            Opcode = 0x12
	OpcodeWriteResponse           Opcode = 0x13
	OpcodeWriteCommand            Opcode = 0x52
	OpcodeHandleValueNotification Opcode = 0x1B
	OpcodeHandleValueConfirmation Opcode = 0x1E
	opcodeCommandFlag             Opcode = 0x40
)

// ErrorCode is carried in an Error Response, Section 3.4.1.1.
type ErrorCode uint8

const (
	ErrorCodeInvalidHandle               ErrorCode = 0x01
	ErrorCodeReadNotPermitted            ErrorCode = 0x02
	ErrorCodeWriteNotPermitted           ErrorCode = 0x03
	ErrorCodeInvalidPDU                  ErrorCode = 0x04
	ErrorCodeRequestNotSupported         ErrorCode = 0x06
	ErrorCodeInvalidOffset               ErrorCode = 0x07
	ErrorCodeAttributeNotFound           ErrorCode = 0x0A
	ErrorCodeInvalidAttributeValueLength ErrorCode = 0x0D
	ErrorCodeUnsupportedGroupType        ErrorCode = 0x10
)

// DefaultMTU is the ATT_MTU before any exchange.
const DefaultMTU = 23
