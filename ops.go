package sdcard

import (
	"log/slog"
	"unsafe"

	"github.com/soypat/sdcard/regs"
	"github.com/soypat/sdcard/sdproto"
)

// ReadBlock starts reading the block at index into b. The caller must not
// access b until Result returns something other than ErrWouldBlock.
func (d *Device) ReadBlock(b *Block, index BlockIndex) error {
	d.lock()
	defer d.unlock()
	if err := d.checkReady(); err != nil {
		return err
	}
	d.applyBusConfig()
	return d.startRead(b.Bytes(), uint8(sdproto.READ_BLOCK), sdproto.READ_BLOCK.String(), d.cardAddress(index))
}

// WriteBlock starts writing b to the block at index. The caller must not
// modify b until Result returns something other than ErrWouldBlock.
func (d *Device) WriteBlock(b *Block, index BlockIndex) error {
	return d.WriteBlocks(unsafe.Slice(b, 1), index)
}

// WriteBlocks starts writing consecutive blocks beginning at index. The number
// of blocks must be a power of two. The caller must not modify blocks until
// Result returns something other than ErrWouldBlock.
func (d *Device) WriteBlocks(blocks []Block, index BlockIndex) error {
	d.lock()
	defer d.unlock()
	if err := d.checkReady(); err != nil {
		return err
	}
	if len(blocks) == 0 {
		return ErrNoOperation
	}
	buf := blocksAsBytes(blocks)
	checkTransfer(buf)
	d.applyBusConfig()
	cmd := sdproto.WRITE_BLOCK
	if len(blocks) > 1 {
		cmd = sdproto.WRITE_MULTIPLE_BLOCK
		_, err := d.cmdShort(sdproto.SET_BLOCK_COUNT, uint32(len(blocks)))
		if err != nil {
			return err
		}
	}
	d.sdmmc.Set(regs.DLEN, uint32(len(buf)))
	d.beginTransfer(buf, toCard)
	_, err := d.cmdShort(cmd, d.cardAddress(index))
	if err != nil {
		d.abortTransfer()
		return err
	}
	d.sdmmc.Set(regs.DCTRL, regs.DCTRL_DTEN|regs.DCTRL_DMAEN|log2(uint32(BlockSize))<<regs.DCTRL_DBLOCKSIZE_POS)
	d.state = StateWriting
	return nil
}

// Erase starts erasing the blocks from start to end inclusive.
func (d *Device) Erase(start, end BlockIndex) error {
	d.lock()
	defer d.unlock()
	return d.erase(start, end)
}

// EraseCard starts erasing every block of the card.
func (d *Device) EraseCard() error {
	d.lock()
	defer d.unlock()
	if err := d.checkReady(); err != nil {
		return err
	}
	return d.erase(0, d.csd.Capacity()-1)
}

func (d *Device) erase(start, end BlockIndex) error {
	if err := d.checkReady(); err != nil {
		return err
	}
	d.applyBusConfig()
	_, err := d.cmdShort(sdproto.ERASE_WR_BLK_START, d.cardAddress(start))
	if err != nil {
		return err
	}
	_, err = d.cmdShort(sdproto.ERASE_WR_BLK_END, d.cardAddress(end))
	if err != nil {
		return err
	}
	_, err = d.cmdShort(sdproto.ERASE, 0)
	if err != nil {
		return err
	}
	d.state = StateErasing
	return nil
}

// ReadSDStatus reads the SD status register. It waits for the 64 byte data
// phase to complete.
func (d *Device) ReadSDStatus() (SDStatus, error) {
	d.lock()
	defer d.unlock()
	var status SDStatus
	if err := d.checkReady(); err != nil {
		return status, err
	}
	d.applyBusConfig()
	_, err := d.cmdShort(sdproto.APP_COMMAND, sdproto.RCAArg(d.rca))
	if err != nil {
		return status, err
	}
	buf := u32AsU8(d.statusBuf[:])
	acmd := sdproto.SD_STATUS
	err = d.startRead(buf, uint8(acmd), acmd.String(), 0)
	if err != nil {
		return status, err
	}
	for {
		err = d.result()
		if err != ErrWouldBlock {
			break
		}
	}
	if err != nil {
		return status, err
	}
	copy(status[:], buf)
	return status, nil
}

// Result reports the outcome of the outstanding read, write or erase. It
// returns ErrWouldBlock while the operation is in progress. Once it returns
// anything else the operation is complete and its buffer is released.
func (d *Device) Result() error {
	d.lock()
	defer d.unlock()
	return d.result()
}

func (d *Device) result() error {
	switch d.state {
	case StateUninitialized, StateInit1, StateInit1V2:
		return ErrUninitialized
	case StateReady:
		return ErrNoOperation
	case StateErasing:
		return d.eraseResult()
	}
	active := uint32(regs.STA_RXACT)
	if d.state == StateWriting {
		active = regs.STA_TXACT
	}
	sta := d.sdmmc.Get(regs.STA)
	if sta&active != 0 {
		return ErrWouldBlock
	}
	d.endTransfer()
	d.sdmmc.Set(regs.ICR, regs.STA_STATIC_MASK)
	d.state = StateReady
	var err error
	switch {
	case sta&regs.STA_DCRCFAIL != 0:
		err = ErrCRCFail
	case sta&regs.STA_DTIMEOUT != 0:
		err = ErrTimeout
	case sta&regs.STA_RXOVERR != 0:
		err = ErrReceiveOverrun
	case sta&regs.STA_TXUNDERR != 0:
		err = ErrSendUnderrun
	case sta&(regs.STA_DATAEND|regs.STA_DBCKEND) != regs.STA_DATAEND|regs.STA_DBCKEND:
		err = ErrUnknownResult
	}
	if err != nil {
		d.debug("transfer failed", slog.String("err", err.Error()), slog.Uint64("sta", uint64(sta)))
	}
	return err
}

// eraseResult polls the card until it leaves the programming state. A failed
// status query ends the erase with that error.
func (d *Device) eraseResult() error {
	status, err := d.cardStatus()
	if err != nil {
		d.state = StateReady
		return err
	}
	if !status.ReadyForData() {
		return ErrWouldBlock
	}
	d.state = StateReady
	if status.AnyError() {
		d.warn("erase: card reported error", slog.String("status", status.String()))
	}
	return nil
}

// startRead arms a card to memory transfer into buf, then issues the command
// that starts the card's data phase.
func (d *Device) startRead(buf []byte, index uint8, name string, arg uint32) error {
	checkTransfer(buf)
	d.sdmmc.Set(regs.DLEN, uint32(len(buf)))
	d.beginTransfer(buf, toMemory)
	blocksize := log2(uint32(len(buf)))
	if blocksize > 9 {
		blocksize = 9
	}
	d.sdmmc.Set(regs.DCTRL, regs.DCTRL_DTEN|regs.DCTRL_DTDIR|regs.DCTRL_DMAEN|blocksize<<regs.DCTRL_DBLOCKSIZE_POS)
	_, err := d.short(index, name, arg)
	if err != nil {
		d.abortTransfer()
		return err
	}
	d.state = StateReading
	return nil
}

// abortTransfer undoes a transfer whose command was not accepted by the card.
func (d *Device) abortTransfer() {
	d.sdmmc.Set(regs.DCTRL, 0)
	d.endTransfer()
	d.sdmmc.Set(regs.ICR, regs.STA_DATA_MASK)
}

// cardAddress converts a block index into a data command argument. Standard
// capacity cards are byte addressed.
func (d *Device) cardAddress(index BlockIndex) uint32 {
	if d.version == V2HC {
		return index
	}
	return index * BlockSize
}
