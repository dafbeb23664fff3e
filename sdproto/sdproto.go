// package sdproto implements the SD physical layer command protocol definitions
// shared by the host driver, the simulator and the bus analyzer.
package sdproto

import "strconv"

// Command is a standard SD command index. Values are part of the wire protocol.
type Command uint8

const (
	GO_IDLE_STATE        Command = 0
	ALL_SEND_CID         Command = 2
	SEND_RELATIVE_ADDR   Command = 3
	SELECT_CARD          Command = 7
	SEND_IF_COND         Command = 8
	SEND_CSD             Command = 9
	SEND_CID             Command = 10
	SEND_STATUS          Command = 13
	READ_BLOCK           Command = 17
	READ_MULTIPLE_BLOCK  Command = 18
	SET_BLOCK_COUNT      Command = 23
	WRITE_BLOCK          Command = 24
	WRITE_MULTIPLE_BLOCK Command = 25
	ERASE_WR_BLK_START   Command = 32
	ERASE_WR_BLK_END     Command = 33
	ERASE                Command = 38
	APP_COMMAND          Command = 55
)

func (c Command) String() (s string) {
	switch c {
	case GO_IDLE_STATE:
		s = "GO_IDLE_STATE"
	case ALL_SEND_CID:
		s = "ALL_SEND_CID"
	case SEND_RELATIVE_ADDR:
		s = "SEND_RELATIVE_ADDR"
	case SELECT_CARD:
		s = "SELECT_CARD"
	case SEND_IF_COND:
		s = "SEND_IF_COND"
	case SEND_CSD:
		s = "SEND_CSD"
	case SEND_CID:
		s = "SEND_CID"
	case SEND_STATUS:
		s = "SEND_STATUS"
	case READ_BLOCK:
		s = "READ_BLOCK"
	case READ_MULTIPLE_BLOCK:
		s = "READ_MULTIPLE_BLOCK"
	case SET_BLOCK_COUNT:
		s = "SET_BLOCK_COUNT"
	case WRITE_BLOCK:
		s = "WRITE_BLOCK"
	case WRITE_MULTIPLE_BLOCK:
		s = "WRITE_MULTIPLE_BLOCK"
	case ERASE_WR_BLK_START:
		s = "ERASE_WR_BLK_START"
	case ERASE_WR_BLK_END:
		s = "ERASE_WR_BLK_END"
	case ERASE:
		s = "ERASE"
	case APP_COMMAND:
		s = "APP_COMMAND"
	default:
		s = "CMD" + strconv.Itoa(int(c))
	}
	return s
}

// AppCommand is an application specific command index. It must be preceded
// by APP_COMMAND on the bus.
type AppCommand uint8

const (
	SET_BUS_WIDTH          AppCommand = 6
	SD_STATUS              AppCommand = 13
	SET_WR_BLK_ERASE_COUNT AppCommand = 23
	SD_SEND_OP_COND        AppCommand = 41
)

func (c AppCommand) String() (s string) {
	switch c {
	case SET_BUS_WIDTH:
		s = "SET_BUS_WIDTH"
	case SD_STATUS:
		s = "SD_STATUS"
	case SET_WR_BLK_ERASE_COUNT:
		s = "SET_WR_BLK_ERASE_COUNT"
	case SD_SEND_OP_COND:
		s = "SD_SEND_OP_COND"
	default:
		s = "ACMD" + strconv.Itoa(int(c))
	}
	return s
}

// ResponseKind is the length of the response a command expects.
type ResponseKind uint8

const (
	ResponseNone ResponseKind = iota
	// 48 bit response: R1, R1b, R3, R6, R7.
	ResponseShort
	// 136 bit response: R2 (CID or CSD).
	ResponseLong
)

// Response returns the response kind a standard command expects.
func (c Command) Response() ResponseKind {
	switch c {
	case GO_IDLE_STATE:
		return ResponseNone
	case ALL_SEND_CID, SEND_CSD, SEND_CID:
		return ResponseLong
	}
	return ResponseShort
}

// Interface condition (CMD8) argument fields.
const (
	// IfCondPattern is the voltage window 2.7-3.6V (0x1) and check pattern 0xaa.
	IfCondPattern = 0x0000_01aa
)

// Operating conditions register (OCR) bits, as sent by ACMD41 and returned in R3.
const (
	// OCR_VDD_32_33 selects the 3.2-3.3V window.
	OCR_VDD_32_33 = 1 << 20
	// OCR_CCS is card capacity status in the response, host capacity support in the argument.
	OCR_CCS = 1 << 30
	// OCR_BUSY is set by the card when power up has finished.
	OCR_BUSY = 1 << 31
)

// OpCondArg returns the ACMD41 argument. hcs advertises high capacity support.
func OpCondArg(hcs bool) uint32 {
	return OCR_VDD_32_33 | b2u32(hcs)<<30
}

// RCAArg returns the argument of addressed commands for a relative card address.
func RCAArg(rca uint16) uint32 {
	return uint32(rca) << 16
}

// SET_BUS_WIDTH arguments.
const (
	BusWidthArg1 = 0
	BusWidthArg4 = 2
)

func b2u32(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}
