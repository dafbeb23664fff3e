package sdcard

import (
	"strconv"
)

// CardState is the position of the card in the SD access state graph as
// reported in the card status word.
type CardState uint8

const (
	CardIdle CardState = iota
	CardReady
	CardIdent
	CardStandby
	CardTransmit
	CardData
	CardReceive
	CardProgram
	CardDisabled
	CardReserved
)

func (s CardState) String() (str string) {
	switch s {
	case CardIdle:
		str = "idle"
	case CardReady:
		str = "ready"
	case CardIdent:
		str = "ident"
	case CardStandby:
		str = "stby"
	case CardTransmit:
		str = "tran"
	case CardData:
		str = "data"
	case CardReceive:
		str = "rcv"
	case CardProgram:
		str = "prg"
	case CardDisabled:
		str = "dis"
	default:
		str = "reserved"
	}
	return str
}

// CardStatus is the 32 bit card status word returned in R1 responses and by SEND_STATUS.
type CardStatus uint32

const (
	statusErrorMask    = 0xfff9_8004
	statusAppCmd       = 1 << 5
	statusReadyForData = 1 << 8
	statusStatePos     = 9
)

// AnyError reports whether any of the card's error bits are set.
func (s CardStatus) AnyError() bool { return s&statusErrorMask != 0 }

// ReadyForData reports whether the card's buffer is free for a new data transfer.
func (s CardStatus) ReadyForData() bool { return s&statusReadyForData != 0 }

// AppCmd reports whether the card expects the next command to be an application command.
func (s CardStatus) AppCmd() bool { return s&statusAppCmd != 0 }

// State returns the card state. Encodings 9 to 15 decode as CardReserved.
func (s CardStatus) State() CardState {
	state := uint8(s>>statusStatePos) & 0xf
	if state > uint8(CardDisabled) {
		return CardReserved
	}
	return CardState(state)
}

func (s CardStatus) String() string {
	buf := make([]byte, 0, 48)
	buf = append(buf, "state="...)
	buf = append(buf, s.State().String()...)
	if s.ReadyForData() {
		buf = append(buf, " rdy"...)
	}
	if s.AppCmd() {
		buf = append(buf, " app"...)
	}
	if s.AnyError() {
		buf = append(buf, " err=0x"...)
		buf = strconv.AppendUint(buf, uint64(s&statusErrorMask), 16)
	}
	return string(buf)
}

// SDStatusSize is the length of the SD status register in bytes.
const SDStatusSize = 64

// SDStatus is the 512 bit SD status register returned by the SD_STATUS
// application command. Byte 0 holds bits [511:504].
type SDStatus [SDStatusSize]byte

// DataBusWidth returns the bus width currently in use by the card.
func (s SDStatus) DataBusWidth() (BusWidth, error) {
	switch s[0x00] >> 6 {
	case 0:
		return BusWidth1, nil
	case 2:
		return BusWidth4, nil
	}
	return 0, ErrInvalidValue
}

// SecuredMode reports whether the card is in secured mode of operation.
func (s SDStatus) SecuredMode() bool { return s[0x00]&(1<<5) != 0 }

// CardType returns the SD_CARD_TYPE field. Zero is a regular read/write card.
func (s SDStatus) CardType() uint16 {
	return uint16(s[0x02])<<8 | uint16(s[0x03])
}

// SpeedClass returns the speed class of the card in MB/s.
func (s SDStatus) SpeedClass() (uint8, error) {
	switch s[0x08] {
	case 0:
		return 0, nil
	case 1:
		return 2, nil
	case 2:
		return 4, nil
	case 3:
		return 6, nil
	case 4:
		return 10, nil
	}
	return 0, ErrInvalidValue
}

// AUSize returns the size of an allocation unit in bytes.
func (s SDStatus) AUSize() (uint32, error) {
	return AUSizeFromCode(s[0x0a] >> 4)
}

// EraseSize returns the number of allocation units erased at a time.
func (s SDStatus) EraseSize() uint16 {
	return uint16(s[0x0b])<<8 | uint16(s[0x0c])
}

// EraseTimeout returns the number of seconds it takes to erase a single erase area.
func (s SDStatus) EraseTimeout() uint8 { return s[0x0d] >> 2 }

// EraseOffset returns the ERASE_OFFSET field in seconds.
func (s SDStatus) EraseOffset() uint8 { return s[0x0d] & 0b11 }

// DiscardSupport reports whether the card supports discard.
func (s SDStatus) DiscardSupport() bool { return s[0x18]&(1<<1) != 0 }

// FULESupport reports whether the card supports Full User area Logical Erase,
// in which case erasing the whole card takes at most a second.
func (s SDStatus) FULESupport() bool { return s[0x18]&1 != 0 }

// AUSizeFromCode decodes the 4 bit AU_SIZE field into bytes.
func AUSizeFromCode(code uint8) (uint32, error) {
	const (
		kB = 1024
		MB = 1024 * kB
	)
	var size uint32
	switch code {
	case 0x1:
		size = 16 * kB
	case 0x2:
		size = 32 * kB
	case 0x3:
		size = 64 * kB
	case 0x4:
		size = 128 * kB
	case 0x5:
		size = 256 * kB
	case 0x6:
		size = 512 * kB
	case 0x7:
		size = 1 * MB
	case 0x8:
		size = 2 * MB
	case 0x9:
		size = 4 * MB
	case 0xa:
		size = 8 * MB
	case 0xb:
		size = 12 * MB
	case 0xc:
		size = 16 * MB
	case 0xd:
		size = 24 * MB
	case 0xe:
		size = 32 * MB
	case 0xf:
		size = 64 * MB
	default:
		return 0, ErrInvalidValue
	}
	return size, nil
}

func (s SDStatus) String() string {
	buf := make([]byte, 0, 160)
	buf = append(buf, "SDStatus(au_size="...)
	if au, err := s.AUSize(); err != nil {
		buf = append(buf, err.Error()...)
	} else {
		buf = strconv.AppendUint(buf, uint64(au), 10)
	}
	buf = append(buf, " data_bus_width="...)
	if bw, err := s.DataBusWidth(); err != nil {
		buf = append(buf, err.Error()...)
	} else {
		buf = append(buf, bw.String()...)
	}
	buf = append(buf, " discard_support="...)
	buf = strconv.AppendBool(buf, s.DiscardSupport())
	buf = append(buf, " erase_size="...)
	buf = strconv.AppendUint(buf, uint64(s.EraseSize()), 10)
	buf = append(buf, " erase_timeout="...)
	buf = strconv.AppendUint(buf, uint64(s.EraseTimeout()), 10)
	buf = append(buf, "s fule_support="...)
	buf = strconv.AppendBool(buf, s.FULESupport())
	buf = append(buf, " sd_card_type="...)
	buf = strconv.AppendUint(buf, uint64(s.CardType()), 10)
	buf = append(buf, ')')
	return string(buf)
}
