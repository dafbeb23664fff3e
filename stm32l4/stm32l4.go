//go:build tinygo && stm32l4

// package stm32l4 provides memory mapped register handles for the SDMMC1
// host controller and the DMA2 controller of STM32L4 microcontrollers.
package stm32l4

import (
	"runtime/volatile"
	"unsafe"

	"github.com/soypat/sdcard/regs"
)

const (
	rccBase    = 0x4002_1000
	rccAHB1ENR = rccBase + 0x48
	rccAHB2ENR = rccBase + 0x4c
	rccAPB2ENR = rccBase + 0x60

	rccAHB1ENR_DMA2EN   = 1 << 1
	rccAHB2ENR_GPIOCEN  = 1 << 2
	rccAHB2ENR_GPIODEN  = 1 << 3
	rccAPB2ENR_SDMMC1EN = 1 << 10
)

// GPIO registers and settings for the SDMMC pins.
const (
	gpioCBase = 0x4800_0800
	gpioDBase = 0x4800_0c00

	gpioMODER   = 0x00
	gpioOSPEEDR = 0x08
	gpioPUPDR   = 0x0c
	gpioAFRL    = 0x20
	gpioAFRH    = 0x24

	gpioModeAlternate = 0b10
	gpioSpeedVeryHigh = 0b11
	gpioPullUp        = 0b01
	afSDMMC           = 12
)

// Peripheral is a memory mapped register block.
type Peripheral struct {
	base uintptr
}

func (p Peripheral) reg(offset uint32) *volatile.Register32 {
	return (*volatile.Register32)(unsafe.Pointer(p.base + uintptr(offset)))
}

func (p Peripheral) Get(offset uint32) uint32 { return p.reg(offset).Get() }

func (p Peripheral) Set(offset, value uint32) { p.reg(offset).Set(value) }

// DMA is the DMA2 register block. Memory is identity mapped on the bus.
type DMA struct {
	Peripheral
}

// Address returns the bus address of buf[0].
func (d DMA) Address(buf []byte) uint32 {
	return uint32(uintptr(unsafe.Pointer(unsafe.SliceData(buf))))
}

// SDMMC1 returns the SDMMC1 controller and DMA2 handles after enabling their
// clocks and routing PC8-PC12 and PD2 to the controller. The 48MHz kernel
// clock source must have been configured by the runtime.
func SDMMC1() (Peripheral, DMA) {
	setBits(rccAHB1ENR, rccAHB1ENR_DMA2EN)
	setBits(rccAHB2ENR, rccAHB2ENR_GPIOCEN|rccAHB2ENR_GPIODEN)
	setBits(rccAPB2ENR, rccAPB2ENR_SDMMC1EN)
	for pin := 8; pin <= 12; pin++ {
		configureAF(gpioCBase, pin, pin != 12) // CK (PC12) is not pulled up.
	}
	configureAF(gpioDBase, 2, true) // CMD.
	return Peripheral{base: regs.SDMMC1_BASE}, DMA{Peripheral{base: regs.DMA2_BASE}}
}

func configureAF(port uintptr, pin int, pullup bool) {
	p := Peripheral{base: port}
	shift2 := uint32(pin) * 2
	modify(p.reg(gpioMODER), 0b11<<shift2, gpioModeAlternate<<shift2)
	modify(p.reg(gpioOSPEEDR), 0b11<<shift2, gpioSpeedVeryHigh<<shift2)
	pupd := uint32(0)
	if pullup {
		pupd = gpioPullUp
	}
	modify(p.reg(gpioPUPDR), 0b11<<shift2, pupd<<shift2)
	afr := uint32(gpioAFRL)
	if pin >= 8 {
		afr = gpioAFRH
	}
	shift4 := uint32(pin%8) * 4
	modify(p.reg(afr), 0xf<<shift4, afSDMMC<<shift4)
}

func setBits(addr uintptr, bits uint32) {
	(*volatile.Register32)(unsafe.Pointer(addr)).SetBits(bits)
}

func modify(reg *volatile.Register32, mask, value uint32) {
	reg.Set(reg.Get()&^mask | value)
}
