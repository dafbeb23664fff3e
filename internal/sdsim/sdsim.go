// package sdsim simulates an STM32L4 SDMMC host controller, the DMA channel
// serving its FIFO and an SD card attached to it. Register handles returned by
// a Host can be passed to the sdcard driver in place of the memory mapped
// peripherals so the driver can be exercised off target.
package sdsim

import (
	"log/slog"

	"github.com/soypat/sdcard/regs"
)

// Config describes the simulated card.
type Config struct {
	// V1 models a version 1.x card which does not answer SEND_IF_COND.
	V1 bool
	// HighCapacity models an SDHC/SDXC card. Ignored for V1 cards.
	HighCapacity bool
	// Blocks is the card capacity in blocks. High capacity cards must have a
	// multiple of 1024 blocks.
	Blocks uint32
	CID    [4]uint32
	// RCA is the relative address published by the card. Zero selects a default.
	RCA uint16
	// IfCondEcho, when non-zero, replaces the SEND_IF_COND echo.
	IfCondEcho uint32
	// OpCondPolls is the number of SD_SEND_OP_COND exchanges answered busy.
	OpCondPolls int
	// DataPolls is the number of status reads during which a data phase stays active.
	DataPolls int
	// ErasePolls is the number of SEND_STATUS queries answered busy after ERASE.
	ErasePolls int
	SDStatus   [64]byte
	Logger     *slog.Logger
}

// Exchange is a command received by the card.
type Exchange struct {
	App   bool
	Index uint8
	Arg   uint32
}

// Host is a simulated controller, DMA channel and card.
type Host struct {
	cfg    Config
	sdmmc  [0x84 / 4]uint32
	dma    [0xac / 4]uint32
	sta    uint32
	cmdact bool
	data   *dataPhase
	armed  bool
	hold   bool
	card   card
	log    []Exchange
	// bus address map of buffers lent to the DMA engine.
	mem      map[uint32][]byte
	addrs    map[*byte]uint32
	nextAddr uint32
	cmdFault map[Exchange]fault
	// dataFault replaces the flags of the next finished data phase.
	dataFault uint32
}

// New returns a powered off controller with a card inserted.
func New(cfg Config) *Host {
	if cfg.RCA == 0 {
		cfg.RCA = 0xb368
	}
	if cfg.V1 {
		cfg.HighCapacity = false
	}
	h := &Host{
		cfg:      cfg,
		mem:      make(map[uint32][]byte),
		addrs:    make(map[*byte]uint32),
		nextAddr: 0x2000_0000,
		cmdFault: make(map[Exchange]fault),
	}
	h.card.init(&h.cfg)
	return h
}

// Controller returns the SDMMC register handle.
func (h *Host) Controller() *Controller { return &Controller{h: h} }

// DMA returns the DMA controller register handle.
func (h *Host) DMA() *DMA { return &DMA{h: h} }

// Log returns the commands received by the card since the last ClearLog.
func (h *Host) Log() []Exchange { return append([]Exchange(nil), h.log...) }

func (h *Host) ClearLog() { h.log = h.log[:0] }

// Hold keeps the current and following data phases active while hold is true.
func (h *Host) Hold(hold bool) { h.hold = hold }

// FailCommand makes the next n exchanges of a command end with flag, one of
// regs.STA_CCRCFAIL or regs.STA_CTIMEOUT. A CRC failure still executes the command.
func (h *Host) FailCommand(app bool, index uint8, flag uint32, n int) {
	h.cmdFault[Exchange{App: app, Index: index}] = fault{flag: flag, n: n}
}

type fault struct {
	flag uint32
	n    int
}

// FailData makes the next data phase end with flag instead of a successful
// block end. No data is moved.
func (h *Host) FailData(flag uint32) { h.dataFault = flag }

// Block returns a copy of a stored block. Never written blocks read as zeros.
func (h *Host) Block(index uint32) (b [512]byte) {
	if blk := h.card.storage[index]; blk != nil {
		b = *blk
	}
	return b
}

// SetBlock stores data at a block index.
func (h *Host) SetBlock(index uint32, data []byte) {
	blk := h.card.block(index)
	copy(blk[:], data)
}

// Powered reports whether the controller power is on.
func (h *Host) Powered() bool { return h.sdmmc[regs.POWER/4] == regs.PWRCTRL_ON }

// DMAEnabled reports whether the SDMMC DMA channel is enabled.
func (h *Host) DMAEnabled() bool {
	return h.dmaReg(regs.DMA_CCR(regs.DMA_SDMMC_CHANNEL))&regs.DMA_CCR_EN != 0
}

// BusWidth returns the width last selected by SET_BUS_WIDTH, 1 or 4.
func (h *Host) BusWidth() int {
	if h.card.busWidth == 2 {
		return 4
	}
	return 1
}

// Reg returns the raw value of an SDMMC register.
func (h *Host) Reg(offset uint32) uint32 { return h.sdmmc[offset/4] }

func (h *Host) dmaReg(offset uint32) uint32 { return h.dma[offset/4] }

// Controller implements the SDMMC register handle.
type Controller struct{ h *Host }

func (c *Controller) Get(offset uint32) uint32 {
	h := c.h
	if offset == regs.STA {
		return h.status()
	}
	return h.sdmmc[offset/4]
}

func (c *Controller) Set(offset, value uint32) {
	h := c.h
	switch offset {
	case regs.STA, regs.RESPCMD, regs.RESP1, regs.RESP2, regs.RESP3, regs.RESP4:
		return // Read only.
	case regs.ICR:
		h.sta &^= value & regs.STA_STATIC_MASK
		return
	}
	h.sdmmc[offset/4] = value
	switch offset {
	case regs.POWER:
		if value != regs.PWRCTRL_ON {
			h.powerOff()
		}
	case regs.CMD:
		if value&regs.CMD_CPSMEN != 0 {
			h.execute(uint8(value&regs.CMD_INDEX_MASK), value&regs.CMD_WAITRESP_MASK, h.sdmmc[regs.ARG/4])
		}
	case regs.DCTRL:
		h.armed = value&regs.DCTRL_DTEN != 0
		if !h.armed && h.data != nil {
			h.data = nil
			h.card.dataDone()
		}
		h.startData()
	}
}

// DMA implements the DMA register handle with a fake bus address space.
type DMA struct{ h *Host }

func (d *DMA) Get(offset uint32) uint32 { return d.h.dma[offset/4] }

func (d *DMA) Set(offset, value uint32) {
	h := d.h
	switch offset {
	case regs.DMA_ISR:
		return
	case regs.DMA_IFCR:
		h.dma[regs.DMA_ISR/4] &^= value
		return
	}
	h.dma[offset/4] = value
}

// Address maps buf into the simulated bus address space.
func (d *DMA) Address(buf []byte) uint32 {
	h := d.h
	if len(buf) == 0 {
		return 0
	}
	if addr, ok := h.addrs[&buf[0]]; ok {
		h.mem[addr] = buf
		return addr
	}
	addr := h.nextAddr
	h.nextAddr += 0x4_0000
	h.addrs[&buf[0]] = addr
	h.mem[addr] = buf
	return addr
}

func (h *Host) status() uint32 {
	sta := h.sta
	if h.cmdact {
		h.cmdact = false
		sta |= regs.STA_CMDACT
		if h.data != nil {
			sta |= h.data.activeFlag()
		}
		return sta
	}
	if h.data != nil && h.data.started {
		if h.hold || h.data.polls > 0 {
			if !h.hold {
				h.data.polls--
			}
			return sta | h.data.activeFlag()
		}
		h.finishData()
		sta = h.sta
	}
	return sta
}

func (h *Host) powerOff() {
	h.sta = 0
	h.cmdact = false
	h.data = nil
	h.armed = false
	h.card.powerOff()
}

func (h *Host) execute(index uint8, waitresp uint32, arg uint32) {
	h.cmdact = true
	h.sta &^= regs.STA_CMD_MASK
	if !h.Powered() || h.sdmmc[regs.CLKCR/4]&regs.CLKCR_CLKEN == 0 {
		h.sta |= regs.STA_CTIMEOUT
		return
	}
	app := h.card.appCmd
	h.card.appCmd = false
	ex := Exchange{App: app, Index: index, Arg: arg}
	h.log = append(h.log, ex)
	if h.cfg.Logger != nil {
		h.cfg.Logger.Debug("sdsim:cmd", slog.Bool("app", app), slog.Int("index", int(index)), slog.Uint64("arg", uint64(arg)))
	}

	key := Exchange{App: app, Index: index}
	var failflag uint32
	if f := h.cmdFault[key]; f.n > 0 {
		f.n--
		h.cmdFault[key] = f
		failflag = f.flag
	}
	if failflag == regs.STA_CTIMEOUT {
		h.sta |= regs.STA_CTIMEOUT
		return
	}
	r := h.card.command(app, index, arg)
	switch {
	case r.kind == respNone && waitresp == regs.CMD_WAITRESP_NONE:
		h.sta |= regs.STA_CMDSENT
		return
	case r.kind == respNone:
		h.sta |= regs.STA_CTIMEOUT
		return
	case r.kind == respLong:
		h.sdmmc[regs.RESPCMD/4] = 0x3f
		h.sdmmc[regs.RESP1/4] = r.words[0]
		h.sdmmc[regs.RESP2/4] = r.words[1]
		h.sdmmc[regs.RESP3/4] = r.words[2]
		h.sdmmc[regs.RESP4/4] = r.words[3] &^ 1
	default:
		h.sdmmc[regs.RESPCMD/4] = uint32(r.index)
		h.sdmmc[regs.RESP1/4] = r.words[0]
	}
	switch {
	case failflag != 0:
		h.sta |= failflag
	case r.kind == respShort && r.index == 0x3f:
		h.sta |= regs.STA_CCRCFAIL // R3 carries no valid CRC.
	default:
		h.sta |= regs.STA_CMDREND
	}
	if r.data != nil {
		h.data = r.data
		h.startData()
	}
}

// dataPhase is a pending block transfer between card and controller.
type dataPhase struct {
	read  bool
	start uint32 // first block index
	// n is the number of bytes to move. buf is the card side source of reads
	// not backed by block storage.
	n       int
	buf     []byte
	polls   int
	started bool
}

func (d *dataPhase) activeFlag() uint32 {
	if !d.started {
		return 0
	}
	if d.read {
		return regs.STA_RXACT
	}
	return regs.STA_TXACT
}

func (h *Host) startData() {
	d := h.data
	if d == nil || d.started || !h.armed {
		return
	}
	dctrl := h.sdmmc[regs.DCTRL/4]
	if (dctrl&regs.DCTRL_DTDIR != 0) != d.read {
		return
	}
	d.started = true
	d.polls = h.cfg.DataPolls
}

func (h *Host) finishData() {
	d := h.data
	h.data = nil
	if !d.started {
		return
	}
	h.armed = false
	h.sdmmc[regs.DCTRL/4] &^= regs.DCTRL_DTEN
	h.card.dataDone()
	if h.dataFault != 0 {
		h.sta |= h.dataFault
		h.dataFault = 0
		return
	}
	if int(h.sdmmc[regs.DLEN/4]) != d.n {
		h.sta |= regs.STA_DCRCFAIL
		return
	}
	mem, ok := h.dmaBuffer(!d.read, d.n)
	if !ok || h.sdmmc[regs.DCTRL/4]&regs.DCTRL_DMAEN == 0 {
		if d.read {
			h.sta |= regs.STA_RXOVERR
		} else {
			h.sta |= regs.STA_TXUNDERR
		}
		return
	}
	if d.read {
		if d.buf != nil {
			copy(mem, d.buf)
		} else {
			for i := 0; i < d.n/512; i++ {
				blk := h.Block(d.start + uint32(i))
				copy(mem[i*512:], blk[:])
			}
		}
	} else {
		for i := 0; i < d.n/512; i++ {
			copy(h.card.block(d.start + uint32(i))[:], mem[i*512:])
		}
	}
	const ch = regs.DMA_SDMMC_CHANNEL
	h.dma[regs.DMA_CNDTR(ch)/4] = 0
	h.dma[regs.DMA_ISR/4] |= 0b11 << (4*(ch-1) + 1) // TCIF, HTIF
	h.dma[regs.DMA_ISR/4] |= 1 << (4 * (ch - 1))    // GIF
	h.sta |= regs.STA_DATAEND | regs.STA_DBCKEND
}

// dmaBuffer returns the memory the SDMMC DMA channel is configured to move
// n bytes to or from. ok is false if the channel would not serve the transfer.
func (h *Host) dmaBuffer(toCard bool, n int) (mem []byte, ok bool) {
	const ch = regs.DMA_SDMMC_CHANNEL
	ccr := h.dmaReg(regs.DMA_CCR(ch))
	sel := (h.dmaReg(regs.DMA_CSELR) >> regs.DMA_CSELR_SHIFT(ch)) & 0xf
	switch {
	case ccr&regs.DMA_CCR_EN == 0,
		sel != regs.DMA_SDMMC_REQUEST,
		(ccr&regs.DMA_CCR_DIR != 0) != toCard,
		h.dmaReg(regs.DMA_CPAR(ch)) != regs.FIFO_ADDRESS,
		int(h.dmaReg(regs.DMA_CNDTR(ch)))*4 < n:
		return nil, false
	}
	mem = h.mem[h.dmaReg(regs.DMA_CMAR(ch))]
	if len(mem) < n {
		return nil, false
	}
	return mem[:n], true
}
