package sdsim

import (
	"github.com/soypat/sdcard/sdproto"
)

// cardState is the SD access state of the simulated card.
type cardState uint8

const (
	stIdle cardState = iota
	stReady
	stIdent
	stStby
	stTran
	stData
	stRcv
	stPrg
	stDis
)

// Card status bits.
const (
	statusOutOfRange    = 1 << 31
	statusAddressError  = 1 << 30
	statusEraseSeqError = 1 << 28
	statusReadyForData  = 1 << 8
	statusAppCmd        = 1 << 5
)

// ocrVoltages is the 2.7-3.6V window reported in the OCR.
const ocrVoltages = 0x00ff_8000

type respKind uint8

const (
	respNone respKind = iota
	respShort
	respLong
)

type response struct {
	kind  respKind
	index uint8
	words [4]uint32
	data  *dataPhase
}

type card struct {
	cfg        *Config
	state      cardState
	rca        uint16
	appCmd     bool
	opPolls    int
	busWidth   uint32
	blockCount uint32
	eraseStart uint32
	eraseEnd   uint32
	erasePolls int
	csd        [4]uint32
	storage    map[uint32]*[512]byte
}

func (c *card) init(cfg *Config) {
	c.cfg = cfg
	c.storage = make(map[uint32]*[512]byte)
	c.csd = encodeCSD(cfg.HighCapacity, cfg.Blocks)
	c.powerOff()
}

func (c *card) powerOff() {
	c.state = stIdle
	c.rca = 0
	c.appCmd = false
	c.busWidth = 0
	c.blockCount = 0
	c.erasePolls = 0
	c.opPolls = c.cfg.OpCondPolls
}

func (c *card) block(index uint32) *[512]byte {
	blk := c.storage[index]
	if blk == nil {
		blk = new([512]byte)
		c.storage[index] = blk
	}
	return blk
}

func (c *card) status(extra uint32) uint32 {
	s := uint32(c.state)<<9 | extra
	if c.state != stPrg {
		s |= statusReadyForData
	}
	return s
}

func (c *card) r1(index uint8, extra uint32) response {
	return response{kind: respShort, index: index, words: [4]uint32{c.status(extra)}}
}

func (c *card) addressed(arg uint32) bool { return uint16(arg>>16) == c.rca }

// blockAddr converts a data command argument into a block index.
func (c *card) blockAddr(arg uint32) (uint32, bool) {
	if c.cfg.HighCapacity {
		return arg, true
	}
	if arg%512 != 0 {
		return 0, false
	}
	return arg / 512, true
}

func (c *card) command(app bool, index uint8, arg uint32) response {
	if app {
		return c.appCommand(index, arg)
	}
	switch sdproto.Command(index) {
	case sdproto.GO_IDLE_STATE:
		c.powerOff()
		return response{}

	case sdproto.SEND_IF_COND:
		if c.cfg.V1 || c.state != stIdle || arg&0xf00 != 0x100 {
			return response{}
		}
		echo := arg & 0xfff
		if c.cfg.IfCondEcho != 0 {
			echo = c.cfg.IfCondEcho
		}
		return response{kind: respShort, index: index, words: [4]uint32{echo}}

	case sdproto.APP_COMMAND:
		if c.state != stIdle && !c.addressed(arg) {
			return response{}
		}
		c.appCmd = true
		return c.r1(index, statusAppCmd)

	case sdproto.ALL_SEND_CID:
		if c.state != stReady {
			return response{}
		}
		c.state = stIdent
		return response{kind: respLong, words: c.cfg.CID}

	case sdproto.SEND_RELATIVE_ADDR:
		if c.state != stIdent && c.state != stStby {
			return response{}
		}
		c.state = stStby
		c.rca = c.cfg.RCA
		return response{kind: respShort, index: index, words: [4]uint32{uint32(c.rca)<<16 | c.status(0)&0xffff}}

	case sdproto.SEND_CSD, sdproto.SEND_CID:
		if c.state != stStby || !c.addressed(arg) {
			return response{}
		}
		if index == uint8(sdproto.SEND_CID) {
			return response{kind: respLong, words: c.cfg.CID}
		}
		return response{kind: respLong, words: c.csd}

	case sdproto.SELECT_CARD:
		if c.state != stStby || !c.addressed(arg) {
			return response{}
		}
		r := c.r1(index, 0)
		c.state = stTran
		return r

	case sdproto.SEND_STATUS:
		if c.state < stStby || !c.addressed(arg) {
			return response{}
		}
		if c.state == stPrg {
			if c.erasePolls > 0 {
				c.erasePolls--
				return c.r1(index, 0)
			}
			c.doErase()
			c.state = stTran
		}
		return c.r1(index, 0)

	case sdproto.SET_BLOCK_COUNT:
		if c.state != stTran {
			return response{}
		}
		c.blockCount = arg & 0xffff
		return c.r1(index, 0)

	case sdproto.READ_BLOCK, sdproto.READ_MULTIPLE_BLOCK,
		sdproto.WRITE_BLOCK, sdproto.WRITE_MULTIPLE_BLOCK:
		if c.state != stTran {
			return response{}
		}
		n := uint32(1)
		if index == uint8(sdproto.READ_MULTIPLE_BLOCK) || index == uint8(sdproto.WRITE_MULTIPLE_BLOCK) {
			n = max(c.blockCount, 1)
		}
		c.blockCount = 0
		start, ok := c.blockAddr(arg)
		if !ok {
			return c.r1(index, statusAddressError)
		}
		if uint64(start)+uint64(n) > uint64(c.cfg.Blocks) {
			return c.r1(index, statusOutOfRange)
		}
		r := c.r1(index, 0)
		read := index == uint8(sdproto.READ_BLOCK) || index == uint8(sdproto.READ_MULTIPLE_BLOCK)
		if read {
			c.state = stData
		} else {
			c.state = stRcv
		}
		r.data = &dataPhase{read: read, start: start, n: int(n) * 512}
		return r

	case sdproto.ERASE_WR_BLK_START, sdproto.ERASE_WR_BLK_END:
		if c.state != stTran {
			return response{}
		}
		blk, ok := c.blockAddr(arg)
		if !ok {
			return c.r1(index, statusAddressError)
		}
		if index == uint8(sdproto.ERASE_WR_BLK_START) {
			c.eraseStart = blk
		} else {
			c.eraseEnd = blk
		}
		return c.r1(index, 0)

	case sdproto.ERASE:
		if c.state != stTran {
			return response{}
		}
		if c.eraseEnd < c.eraseStart || c.eraseEnd >= c.cfg.Blocks {
			return c.r1(index, statusEraseSeqError)
		}
		r := c.r1(index, 0)
		c.erasePolls = c.cfg.ErasePolls
		c.state = stPrg
		return r
	}
	return response{}
}

func (c *card) appCommand(index uint8, arg uint32) response {
	switch sdproto.AppCommand(index) {
	case sdproto.SD_SEND_OP_COND:
		if c.state != stIdle {
			return response{}
		}
		ocr := uint32(ocrVoltages)
		if c.opPolls > 0 {
			c.opPolls--
		} else {
			ocr |= sdproto.OCR_BUSY
			if c.cfg.HighCapacity && arg&sdproto.OCR_CCS != 0 {
				ocr |= sdproto.OCR_CCS
			}
			c.state = stReady
		}
		return response{kind: respShort, index: 0x3f, words: [4]uint32{ocr}}

	case sdproto.SET_BUS_WIDTH:
		if c.state != stTran {
			return response{}
		}
		c.busWidth = arg & 0b11
		return c.r1(index, statusAppCmd)

	case sdproto.SD_STATUS:
		if c.state != stTran {
			return response{}
		}
		r := c.r1(index, statusAppCmd)
		c.state = stData
		r.data = &dataPhase{read: true, n: len(c.cfg.SDStatus), buf: c.cfg.SDStatus[:]}
		return r

	case sdproto.SET_WR_BLK_ERASE_COUNT:
		if c.state != stTran {
			return response{}
		}
		return c.r1(index, statusAppCmd)
	}
	return response{}
}

func (c *card) dataDone() {
	if c.state == stData || c.state == stRcv {
		c.state = stTran
	}
}

func (c *card) doErase() {
	for i := range c.storage {
		if i >= c.eraseStart && i <= c.eraseEnd {
			delete(c.storage, i)
		}
	}
}

// encodeCSD builds a CSD register describing a card of the given capacity.
func encodeCSD(highCapacity bool, blocks uint32) (csd [4]uint32) {
	const readBlLen = 9
	if highCapacity {
		if blocks%1024 != 0 || blocks == 0 {
			panic("sdsim: high capacity block count must be a non-zero multiple of 1024")
		}
		csize := blocks/1024 - 1
		csd[0] = 0x400e_0032
		csd[1] = 0x5b5<<20 | readBlLen<<16 | (csize>>16)&0x3f
		csd[2] = (csize&0xffff)<<16 | 0x7f80
		csd[3] = 0x0a40_0000
		return csd
	}
	for mult := uint32(0); mult < 8; mult++ {
		shift := mult + 2
		if blocks%(1<<shift) != 0 || blocks>>shift == 0 || blocks>>shift > 4096 {
			continue
		}
		csize := blocks>>shift - 1
		csd[0] = 0x0026_0032
		csd[1] = 0x5f5<<20 | readBlLen<<16 | 0x8000 | (csize>>2)&0x3ff
		csd[2] = (csize&0b11)<<30 | mult<<15
		csd[3] = 0
		return csd
	}
	panic("sdsim: standard capacity block count not representable")
}
