// package regs defines the register map of the STM32L4 SDMMC host controller
// and of the DMA channel serving its FIFO. Offsets are relative to the
// peripheral base address.
package regs

// Peripheral base addresses on STM32L4x6.
const (
	SDMMC1_BASE = 0x4001_2800
	DMA2_BASE   = 0x4002_0400
	// FIFO_ADDRESS is the bus address of the SDMMC data FIFO.
	FIFO_ADDRESS = SDMMC1_BASE + FIFO
)

// SDMMC register offsets.
const (
	POWER   = 0x00 // power control
	CLKCR   = 0x04 // clock control
	ARG     = 0x08 // command argument
	CMD     = 0x0c // command
	RESPCMD = 0x10 // command index of last response (R)
	RESP1   = 0x14 // response bits [127:96] or short response (R)
	RESP2   = 0x18 // response bits [95:64] (R)
	RESP3   = 0x1c // response bits [63:32] (R)
	RESP4   = 0x20 // response bits [31:1] (R)
	DTIMER  = 0x24 // data timeout in card bus clock periods
	DLEN    = 0x28 // data length in bytes
	DCTRL   = 0x2c // data control
	DCOUNT  = 0x30 // data counter (R)
	STA     = 0x34 // status (R)
	ICR     = 0x38 // interrupt clear (W)
	MASK    = 0x3c // interrupt mask
	FIFOCNT = 0x48 // words remaining in FIFO (R)
	FIFO    = 0x80 // data FIFO
)

// POWER bits.
const (
	PWRCTRL_OFF = 0b00
	PWRCTRL_ON  = 0b11
)

// CLKCR bits.
const (
	CLKCR_CLKDIV_MASK = 0xff
	CLKCR_CLKEN       = 1 << 8
	CLKCR_PWRSAV      = 1 << 9
	CLKCR_BYPASS      = 1 << 10
	CLKCR_WIDBUS_POS  = 11
	CLKCR_WIDBUS_MASK = 0b11 << CLKCR_WIDBUS_POS
	CLKCR_WIDBUS_1    = 0b00 << CLKCR_WIDBUS_POS
	CLKCR_WIDBUS_4    = 0b01 << CLKCR_WIDBUS_POS
	CLKCR_NEGEDGE     = 1 << 13
	CLKCR_HWFC_EN     = 1 << 14

	// CLKDIV_INIT keeps the card clock under 400kHz during identification.
	CLKDIV_INIT = 0x7e
)

// CMD bits.
const (
	CMD_INDEX_MASK     = 0x3f
	CMD_WAITRESP_POS   = 6
	CMD_WAITRESP_NONE  = 0b00 << CMD_WAITRESP_POS
	CMD_WAITRESP_SHORT = 0b01 << CMD_WAITRESP_POS
	CMD_WAITRESP_LONG  = 0b11 << CMD_WAITRESP_POS
	CMD_WAITRESP_MASK  = 0b11 << CMD_WAITRESP_POS
	CMD_WAITINT        = 1 << 8
	CMD_WAITPEND       = 1 << 9
	CMD_CPSMEN         = 1 << 10
)

// DCTRL bits.
const (
	DCTRL_DTEN = 1 << 0
	// DCTRL_DTDIR set selects card to controller direction.
	DCTRL_DTDIR           = 1 << 1
	DCTRL_DTMODE          = 1 << 2
	DCTRL_DMAEN           = 1 << 3
	DCTRL_DBLOCKSIZE_POS  = 4
	DCTRL_DBLOCKSIZE_MASK = 0xf << DCTRL_DBLOCKSIZE_POS
)

// STA bits.
const (
	STA_CCRCFAIL = 1 << 0
	STA_DCRCFAIL = 1 << 1
	STA_CTIMEOUT = 1 << 2
	STA_DTIMEOUT = 1 << 3
	STA_TXUNDERR = 1 << 4
	STA_RXOVERR  = 1 << 5
	STA_CMDREND  = 1 << 6
	STA_CMDSENT  = 1 << 7
	STA_DATAEND  = 1 << 8
	STA_DBCKEND  = 1 << 10
	STA_CMDACT   = 1 << 11
	STA_TXACT    = 1 << 12
	STA_RXACT    = 1 << 13

	// STA_STATIC_MASK are the flags cleared by writing them to ICR.
	STA_STATIC_MASK = 0x0000_05ff
	// STA_CMD_MASK are the static flags set by the command path state machine.
	STA_CMD_MASK = STA_CCRCFAIL | STA_CTIMEOUT | STA_CMDREND | STA_CMDSENT
	// STA_DATA_MASK are the static flags set by the data path state machine.
	STA_DATA_MASK = STA_STATIC_MASK &^ STA_CMD_MASK
)

// DMA register offsets. Channel registers are repeated every 20 bytes
// starting at channel 1.
const (
	DMA_ISR   = 0x00
	DMA_IFCR  = 0x04
	DMA_CSELR = 0xa8

	dmaChannelStride = 0x14
	dmaCCR1          = 0x08
	dmaCNDTR1        = 0x0c
	dmaCPAR1         = 0x10
	dmaCMAR1         = 0x14
)

// SDMMC1 is served by DMA2 channel 4 (or 5) with request line 7.
const (
	DMA_SDMMC_CHANNEL = 4
	DMA_SDMMC_REQUEST = 0x7
)

// DMA_CCR returns the configuration register offset of a channel numbered from 1.
func DMA_CCR(ch int) uint32 { return dmaCCR1 + uint32(ch-1)*dmaChannelStride }

// DMA_CNDTR returns the transfer count register offset of a channel numbered from 1.
func DMA_CNDTR(ch int) uint32 { return dmaCNDTR1 + uint32(ch-1)*dmaChannelStride }

// DMA_CPAR returns the peripheral address register offset of a channel numbered from 1.
func DMA_CPAR(ch int) uint32 { return dmaCPAR1 + uint32(ch-1)*dmaChannelStride }

// DMA_CMAR returns the memory address register offset of a channel numbered from 1.
func DMA_CMAR(ch int) uint32 { return dmaCMAR1 + uint32(ch-1)*dmaChannelStride }

// DMA_CGIF returns the IFCR bit clearing all flags of a channel numbered from 1.
func DMA_CGIF(ch int) uint32 { return 1 << (4 * uint32(ch-1)) }

// DMA_CSELR_SHIFT returns the position of a channel's request selection field.
func DMA_CSELR_SHIFT(ch int) uint32 { return 4 * uint32(ch-1) }

// DMA CCR bits.
const (
	DMA_CCR_EN   = 1 << 0
	DMA_CCR_TCIE = 1 << 1
	DMA_CCR_HTIE = 1 << 2
	DMA_CCR_TEIE = 1 << 3
	// DMA_CCR_DIR set reads from memory and writes to the peripheral.
	DMA_CCR_DIR      = 1 << 4
	DMA_CCR_CIRC     = 1 << 5
	DMA_CCR_PINC     = 1 << 6
	DMA_CCR_MINC     = 1 << 7
	DMA_CCR_PSIZE_32 = 0b10 << 8
	DMA_CCR_MSIZE_32 = 0b10 << 10
	DMA_CCR_PL_MASK  = 0b11 << 12
	DMA_CCR_MEM2MEM  = 1 << 14
)
