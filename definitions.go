package sdcard

import (
	"errors"
	"log/slog"
	"unsafe"
)

// BlockSize is the size of a card block in bytes.
const BlockSize = 512

// Block is one card block. It is stored as words so it is always 4-byte aligned
// as required by the DMA engine.
type Block [BlockSize / 4]uint32

// Bytes returns the block contents as a byte slice sharing memory with b.
func (b *Block) Bytes() []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(b)), BlockSize)
}

// BlockIndex is a card relative block address. Addressing is linear for all
// card capacity classes.
type BlockIndex = uint32

// BlockCount is a number of blocks.
type BlockCount = uint32

// Registers is exclusive access to a memory mapped peripheral register block.
// Offsets are relative to the peripheral base address.
type Registers interface {
	Get(offset uint32) uint32
	Set(offset uint32, value uint32)
}

// DMA is exclusive access to the DMA controller serving the SD host FIFO.
type DMA interface {
	Registers
	// Address returns the bus address at which the DMA engine reaches buf[0].
	Address(buf []byte) uint32
}

// CardVersion is the card generation and capacity class found during initialization.
type CardVersion uint8

const (
	// Version 1.x standard capacity card.
	V1SC CardVersion = iota
	// Version 2.0+ standard capacity card.
	V2SC
	// Version 2.0+ high or extended capacity card (SDHC/SDXC).
	V2HC
)

func (v CardVersion) String() (s string) {
	switch v {
	case V1SC:
		s = "v1-sc"
	case V2SC:
		s = "v2-sc"
	case V2HC:
		s = "v2-hc"
	default:
		s = "unknown"
	}
	return s
}

// BusWidth is the number of data lines used for transfers.
type BusWidth uint8

const (
	BusWidth1 BusWidth = iota
	BusWidth4
)

func (b BusWidth) String() string {
	if b == BusWidth4 {
		return "4bit"
	}
	return "1bit"
}

// State is the driver session state.
type State uint8

const (
	StateUninitialized State = iota
	// StateInit1 waits for a version 1 card to leave the busy state.
	StateInit1
	// StateInit1V2 waits for a version 2 card to leave the busy state.
	StateInit1V2
	StateReady
	StateReading
	StateWriting
	StateErasing
)

func (s State) String() (str string) {
	switch s {
	case StateUninitialized:
		str = "uninitialized"
	case StateInit1:
		str = "init1"
	case StateInit1V2:
		str = "init1-v2"
	case StateReady:
		str = "ready"
	case StateReading:
		str = "reading"
	case StateWriting:
		str = "writing"
	case StateErasing:
		str = "erasing"
	default:
		str = "unknown"
	}
	return str
}

type outputPin func(bool)

type Config struct {
	// BusWidth is the data bus width negotiated with the card.
	BusWidth BusWidth
	// ClockDivider divides the controller clock. Zero or one bypasses the divider.
	ClockDivider uint8
	// DataTimeout is the number of card clock cycles to wait for a data phase.
	DataTimeout uint32
	Logger      *slog.Logger
	// CommandStrobe, if set, is driven true for the duration of each command
	// exchange. Wire it to a spare pin to use as the enable channel of a bus capture.
	CommandStrobe outputPin
}

func DefaultConfig() Config {
	return Config{
		BusWidth:     BusWidth1,
		ClockDivider: 4,
		DataTimeout:  0x100_0000,
	}
}

func (cfg *Config) validate() error {
	if cfg.BusWidth != BusWidth1 && cfg.BusWidth != BusWidth4 {
		return errors.New("sdcard: invalid bus width")
	}
	if cfg.DataTimeout == 0 {
		return errors.New("sdcard: zero data timeout")
	}
	return nil
}
