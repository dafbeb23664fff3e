package sdcard

import (
	"log/slog"
	"time"

	"github.com/soypat/sdcard/regs"
	"github.com/soypat/sdcard/sdproto"
)

// InitCard brings the card from power up to the transfer state. It returns
// ErrWouldBlock while the card is still powering up and must be called again
// until it returns nil or a failure. A failure leaves the session uninitialized.
// Calling InitCard on an initialized session starts over from power up.
func (d *Device) InitCard() error {
	d.lock()
	defer d.unlock()
	if d.busy() {
		return ErrBusy
	}
	err := d.initCard()
	if err != nil && err != ErrWouldBlock {
		d.logerr("InitCard:failed", slog.String("err", err.Error()))
		d.clearSession()
	}
	return err
}

func (d *Device) initCard() error {
	switch d.state {
	case StateUninitialized, StateReady:
		d.info("InitCard:start")
		d.clearSession()
		d.initStart = time.Now()
		d.powerUp()
		err := d.cmdNone(sdproto.GO_IDLE_STATE, 0)
		if err != nil {
			return err
		}
		v2, err := d.checkInterface()
		if err != nil {
			return err
		}
		d.state = StateInit1
		if v2 {
			d.state = StateInit1V2
		}
		d.debug("InitCard:interface", slog.Bool("v2", v2))
	}

	v2 := d.state == StateInit1V2
	ocr, err := d.opCond(v2)
	if err == ErrTimeout && !v2 {
		return ErrNoCard
	} else if err != nil {
		return err
	}
	if ocr&sdproto.OCR_BUSY == 0 {
		return ErrWouldBlock
	}
	switch {
	case !v2:
		d.version = V1SC
	case ocr&sdproto.OCR_CCS == 0:
		d.version = V2SC
	default:
		d.version = V2HC
	}

	cid, err := d.cmdLong(sdproto.ALL_SEND_CID, 0)
	if err != nil {
		return err
	}
	d.cid = CID{Words: cid}

	r6, err := d.cmdShort(sdproto.SEND_RELATIVE_ADDR, 0)
	if err != nil {
		return err
	}
	d.rca = uint16(r6 >> 16)

	csd, err := d.cmdLong(sdproto.SEND_CSD, sdproto.RCAArg(d.rca))
	if err != nil {
		return err
	}
	d.csd = CSD{Version: CSDv1, Words: csd}
	if d.version == V2HC {
		d.csd.Version = CSDv2
	}

	_, err = d.cmdShort(sdproto.SELECT_CARD, sdproto.RCAArg(d.rca))
	if err != nil {
		return err
	}
	buswidth := uint32(sdproto.BusWidthArg1)
	if d.cfg.BusWidth == BusWidth4 {
		buswidth = sdproto.BusWidthArg4
	}
	_, err = d.appShort(sdproto.SET_BUS_WIDTH, buswidth)
	if err != nil {
		return err
	}
	d.applyBusConfig()
	d.state = StateReady
	d.info("InitCard:done",
		slog.String("version", d.version.String()),
		slog.Uint64("rca", uint64(d.rca)),
		slog.Uint64("blocks", uint64(d.csd.Capacity())),
		slog.Duration("duration", time.Since(d.initStart)),
	)
	return nil
}

// powerUp turns on the controller with the identification clock and routes
// its DMA request line.
func (d *Device) powerUp() {
	const clkcr = regs.CLKDIV_INIT | regs.CLKCR_PWRSAV
	d.sdmmc.Set(regs.CLKCR, clkcr)
	d.sdmmc.Set(regs.POWER, regs.PWRCTRL_ON)
	d.sdmmc.Set(regs.CLKCR, clkcr|regs.CLKCR_CLKEN)
	d.sdmmc.Set(regs.DTIMER, d.cfg.DataTimeout)
	d.sdmmc.Set(regs.ICR, regs.STA_STATIC_MASK)
	d.selectDMARequest()
}

// checkInterface sends SEND_IF_COND. Version 1 cards do not respond to it.
func (d *Device) checkInterface() (v2 bool, err error) {
	echo, err := d.cmdShort(sdproto.SEND_IF_COND, sdproto.IfCondPattern)
	switch {
	case err == ErrTimeout:
		return false, nil
	case err != nil:
		return false, err
	case echo&0xfff != sdproto.IfCondPattern:
		d.warn("InitCard:voltage rejected", slog.Uint64("echo", uint64(echo)))
		return false, ErrOperatingConditionsNotSupported
	}
	return true, nil
}

// applyBusConfig sets the data bus width and transfer clock. It is applied
// before every operation.
func (d *Device) applyBusConfig() {
	clkcr := uint32(regs.CLKCR_CLKEN | regs.CLKCR_PWRSAV)
	if d.cfg.BusWidth == BusWidth4 {
		clkcr |= regs.CLKCR_WIDBUS_4
	}
	if d.cfg.ClockDivider < 2 {
		clkcr |= regs.CLKCR_BYPASS
	} else {
		clkcr |= uint32(d.cfg.ClockDivider-2) & regs.CLKCR_CLKDIV_MASK
	}
	d.sdmmc.Set(regs.CLKCR, clkcr)
	d.sdmmc.Set(regs.DTIMER, d.cfg.DataTimeout)
}
