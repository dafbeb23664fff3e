package sdcard

import (
	"context"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/soypat/sdcard/regs"
)

// Device is an SD card session on an SDMMC host controller. It owns the
// controller and DMA register handles for its whole lifetime.
//
// Operations that take card dependent time do not block: they start the
// hardware action and return. Completion is observed by calling Result until
// it returns something other than ErrWouldBlock. Buffers passed to ReadBlock
// and WriteBlocks are accessed by the DMA engine until then and must not be
// used by the caller in the meantime.
type Device struct {
	mu      sync.Mutex
	sdmmc   Registers
	dma     DMA
	cfg     Config
	state   State
	version CardVersion
	rca     uint16
	cid     CID
	csd     CSD
	// inflight is the buffer lent to the DMA engine by the outstanding operation.
	inflight []byte
	// statusBuf is the DMA target of SD_STATUS reads. Word typed for alignment.
	statusBuf [SDStatusSize / 4]uint32
	// initStart is the time the last card bring-up started.
	initStart     time.Time
	logger        *slog.Logger
	_traceenabled bool
}

// New returns an uninitialized session over the SDMMC controller and DMA
// controller register blocks. No hardware access is performed.
func New(sdmmc Registers, dma DMA, cfg Config) (*Device, error) {
	if sdmmc == nil || dma == nil {
		panic("sdcard: nil register handle")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	d := &Device{
		sdmmc: sdmmc,
		dma:   dma,
		cfg:   cfg,
	}
	d.setLogger(cfg.Logger)
	return d, nil
}

// State returns the session state.
func (d *Device) State() State {
	d.lock()
	defer d.unlock()
	return d.state
}

// CardVersion returns the card version found during initialization.
func (d *Device) CardVersion() (CardVersion, error) {
	d.lock()
	defer d.unlock()
	if !d.initialized() {
		return 0, ErrUninitialized
	}
	return d.version, nil
}

// CardID returns the card identification register read during initialization.
func (d *Device) CardID() (CID, error) {
	d.lock()
	defer d.unlock()
	if !d.initialized() {
		return CID{}, ErrUninitialized
	}
	return d.cid, nil
}

// CSD returns the card specific data register read during initialization.
func (d *Device) CSD() (CSD, error) {
	d.lock()
	defer d.unlock()
	if !d.initialized() {
		return CSD{}, ErrUninitialized
	}
	return d.csd, nil
}

// CardSize returns the card capacity in blocks.
func (d *Device) CardSize() (BlockCount, error) {
	d.lock()
	defer d.unlock()
	if !d.initialized() {
		return 0, ErrUninitialized
	}
	return d.csd.Capacity(), nil
}

// CardStatus queries the card status. It may be called while an erase is
// outstanding, but not during a data transfer.
func (d *Device) CardStatus() (CardStatus, error) {
	d.lock()
	defer d.unlock()
	switch d.state {
	case StateReady, StateErasing:
		return d.cardStatus()
	case StateReading, StateWriting:
		return 0, ErrBusy
	}
	return 0, ErrUninitialized
}

// Wait polls Result until the outstanding operation completes or ctx is done.
// If ctx is done first the operation remains outstanding and its buffer is
// still owned by the device.
func (d *Device) Wait(ctx context.Context) error {
	for {
		err := d.Result()
		if err != ErrWouldBlock {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		runtime.Gosched()
	}
}

// Reset powers off the controller, stops the DMA channel and returns the
// session to the uninitialized state. InitCard must be called again before use.
// Any outstanding transfer is abandoned, its buffer may have been partially
// read or written.
func (d *Device) Reset() {
	d.lock()
	d.reset()
	d.unlock()
}

func (d *Device) reset() {
	d.debug("reset", slog.String("state", d.state.String()))
	const ch = regs.DMA_SDMMC_CHANNEL
	d.dma.Set(regs.DMA_CCR(ch), 0)
	d.dma.Set(regs.DMA_IFCR, regs.DMA_CGIF(ch))
	d.sdmmc.Set(regs.DCTRL, 0)
	d.sdmmc.Set(regs.CLKCR, 0)
	d.sdmmc.Set(regs.POWER, regs.PWRCTRL_OFF)
	d.sdmmc.Set(regs.ICR, regs.STA_STATIC_MASK)
	d.clearSession()
}

func (d *Device) clearSession() {
	d.state = StateUninitialized
	d.version = 0
	d.rca = 0
	d.cid = CID{}
	d.csd = CSD{}
	d.inflight = nil
}

// Release returns the register handles owned by the session. It fails with
// ErrBusy while an operation is outstanding. The Device must not be used after
// a successful Release.
func (d *Device) Release() (Registers, DMA, error) {
	d.lock()
	defer d.unlock()
	if d.busy() {
		return nil, nil, ErrBusy
	}
	sdmmc, dma := d.sdmmc, d.dma
	d.sdmmc, d.dma = nil, nil
	d.clearSession()
	return sdmmc, dma, nil
}

func (d *Device) initialized() bool {
	return d.state >= StateReady
}

func (d *Device) busy() bool {
	return d.state == StateReading || d.state == StateWriting || d.state == StateErasing
}

// checkReady returns nil if a new operation may be started.
func (d *Device) checkReady() error {
	switch {
	case d.state == StateReady:
		return nil
	case d.busy():
		return ErrBusy
	}
	return ErrUninitialized
}

func (d *Device) lock() {
	d.mu.Lock()
	if d.sdmmc == nil {
		d.mu.Unlock()
		panic("sdcard: use of released device")
	}
}

func (d *Device) unlock() {
	d.mu.Unlock()
}
