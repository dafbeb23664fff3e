package sdcard

// CSDVersion is the card specific data register layout.
type CSDVersion uint8

const (
	// CSDv1 is the standard capacity layout.
	CSDv1 CSDVersion = iota
	// CSDv2 is the high and extended capacity layout.
	CSDv2
)

// CSD is the raw card specific data register. Words[0] holds bits [127:96].
// The layout is chosen from the capacity class reported during initialization.
type CSD struct {
	Version CSDVersion
	Words   [4]uint32
}

// Structure returns the CSD_STRUCTURE field as reported by the card.
func (c CSD) Structure() uint8 { return uint8(c.Words[0] >> 30) }

// ReadBlockLen returns log2 of the maximum read block length, READ_BL_LEN.
func (c CSD) ReadBlockLen() uint8 { return uint8(c.Words[1]>>16) & 0xf }

// TransferSpeed returns the raw TRAN_SPEED field.
func (c CSD) TransferSpeed() uint8 { return uint8(c.Words[0]) }

// Capacity returns the card capacity in blocks.
func (c CSD) Capacity() BlockCount {
	if c.Version == CSDv2 {
		// C_SIZE is bits [69:48].
		csize := (c.Words[1]&0x3f)<<16 | c.Words[2]>>16
		return (csize + 1) << 10
	}
	// C_SIZE is bits [73:62], C_SIZE_MULT is bits [49:47].
	csize := (c.Words[1]&0x3ff)<<2 | c.Words[2]>>30
	mult := (c.Words[2] >> 15) & 0b111
	return (csize + 1) << (mult + 2)
}
