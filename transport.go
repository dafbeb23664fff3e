package sdcard

import (
	"log/slog"

	"github.com/soypat/sdcard/regs"
	"github.com/soypat/sdcard/sdproto"
)

// settleReads is the number of status reads issued after a long response
// before its response registers are read.
const settleReads = 64

// pollCommand checks the command path state machine for completion of the
// last issued command. Completion flags are cleared once the command is done.
func (d *Device) pollCommand(resp sdproto.ResponseKind) error {
	sta := d.sdmmc.Get(regs.STA)
	if sta&regs.STA_CMDACT != 0 {
		return ErrWouldBlock
	}
	d.sdmmc.Set(regs.ICR, regs.STA_CMD_MASK)
	d.strobe(false)
	switch {
	case sta&regs.STA_CCRCFAIL != 0:
		return ErrCRCFail
	case sta&regs.STA_CTIMEOUT != 0:
		return ErrTimeout
	case resp == sdproto.ResponseNone && sta&regs.STA_CMDSENT != 0:
		return nil
	case resp != sdproto.ResponseNone && sta&regs.STA_CMDREND != 0:
		return nil
	}
	return ErrUnknownResult
}

// exchange sends a command and waits for the controller to finish the
// command phase. The wait is bounded by the controller's response timeout.
func (d *Device) exchange(index uint8, name string, arg uint32, resp sdproto.ResponseKind) error {
	if d._traceenabled {
		d.trace("cmd", slog.String("cmd", name), slog.Uint64("arg", uint64(arg)))
	}
	var waitresp uint32
	switch resp {
	case sdproto.ResponseShort:
		waitresp = regs.CMD_WAITRESP_SHORT
	case sdproto.ResponseLong:
		waitresp = regs.CMD_WAITRESP_LONG
	}
	d.strobe(true)
	d.sdmmc.Set(regs.ARG, arg)
	d.sdmmc.Set(regs.CMD, uint32(index)&regs.CMD_INDEX_MASK|waitresp|regs.CMD_CPSMEN)
	for {
		err := d.pollCommand(resp)
		if err != ErrWouldBlock {
			if err != nil {
				d.debug("cmd failed", slog.String("cmd", name), slog.String("err", err.Error()))
			}
			return err
		}
	}
}

func (d *Device) cmdNone(cmd sdproto.Command, arg uint32) error {
	return d.exchange(uint8(cmd), cmd.String(), arg, sdproto.ResponseNone)
}

// cmdShort sends a command expecting a 48 bit response and returns its payload.
// Error bits of R1 card status responses are logged.
func (d *Device) cmdShort(cmd sdproto.Command, arg uint32) (uint32, error) {
	r, err := d.short(uint8(cmd), cmd.String(), arg)
	if err == nil && cmd != sdproto.SEND_IF_COND && cmd != sdproto.SEND_RELATIVE_ADDR && CardStatus(r).AnyError() {
		d.debug("card status error", slog.String("cmd", cmd.String()), slog.String("status", CardStatus(r).String()))
	}
	return r, err
}

func (d *Device) short(index uint8, name string, arg uint32) (uint32, error) {
	err := d.exchange(index, name, arg, sdproto.ResponseShort)
	if err != nil {
		return 0, err
	}
	respcmd := d.sdmmc.Get(regs.RESPCMD) & regs.CMD_INDEX_MASK
	if respcmd != uint32(index) {
		d.debug("unexpected response", slog.String("cmd", name), slog.Uint64("respcmd", uint64(respcmd)))
		return 0, ErrUnexpectedResponse
	}
	return d.sdmmc.Get(regs.RESP1), nil
}

// cmdLong sends a command expecting a 136 bit response and returns bits [127:0].
func (d *Device) cmdLong(cmd sdproto.Command, arg uint32) (resp [4]uint32, err error) {
	err = d.exchange(uint8(cmd), cmd.String(), arg, sdproto.ResponseLong)
	if err != nil {
		return resp, err
	}
	d.settle()
	resp[0] = d.sdmmc.Get(regs.RESP1)
	resp[1] = d.sdmmc.Get(regs.RESP2)
	resp[2] = d.sdmmc.Get(regs.RESP3)
	resp[3] = d.sdmmc.Get(regs.RESP4)
	return resp, nil
}

// appShort sends APP_COMMAND addressed to the current card followed by acmd.
func (d *Device) appShort(acmd sdproto.AppCommand, arg uint32) (uint32, error) {
	_, err := d.cmdShort(sdproto.APP_COMMAND, sdproto.RCAArg(d.rca))
	if err != nil {
		return 0, err
	}
	return d.short(uint8(acmd), acmd.String(), arg)
}

// opCond sends SD_SEND_OP_COND and returns the card's OCR.
func (d *Device) opCond(hcs bool) (ocr uint32, err error) {
	_, err = d.cmdShort(sdproto.APP_COMMAND, 0)
	if err != nil {
		return 0, err
	}
	acmd := sdproto.SD_SEND_OP_COND
	err = d.exchange(uint8(acmd), acmd.String(), sdproto.OpCondArg(hcs), sdproto.ResponseShort)
	if err == ErrCRCFail {
		err = nil // R3 has no CRC, the controller flags every one.
	}
	if err != nil {
		return 0, err
	}
	return d.sdmmc.Get(regs.RESP1), nil
}

// cardStatus queries the card status with SEND_STATUS.
func (d *Device) cardStatus() (CardStatus, error) {
	raw, err := d.cmdShort(sdproto.SEND_STATUS, sdproto.RCAArg(d.rca))
	return CardStatus(raw), err
}

func (d *Device) settle() {
	for i := 0; i < settleReads; i++ {
		d.sdmmc.Get(regs.STA)
	}
}

func (d *Device) strobe(b bool) {
	if d.cfg.CommandStrobe != nil {
		d.cfg.CommandStrobe(b)
	}
}
