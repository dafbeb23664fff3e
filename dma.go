package sdcard

import (
	"log/slog"
	"unsafe"

	"github.com/soypat/sdcard/regs"
	"golang.org/x/exp/constraints"
)

// maxTransfer is the largest DMA transfer in bytes. CNDTR counts 32 bit words in 16 bits.
const maxTransfer = 0xffff * 4

type transferDir uint8

const (
	toMemory transferDir = iota
	toCard
)

// checkTransfer panics if buf cannot be moved by a single DMA transfer.
func checkTransfer(buf []byte) {
	n := uint32(len(buf))
	if n == 0 || !ispow2(n) || !isaligned(n, 4) || n > maxTransfer {
		panic("sdcard: bad DMA transfer length")
	}
}

// beginTransfer arms the SDMMC DMA channel to move buf between memory and the
// controller FIFO. The device keeps a reference to buf until endTransfer.
func (d *Device) beginTransfer(buf []byte, dir transferDir) {
	checkTransfer(buf)
	addr := d.dma.Address(buf)
	if !isaligned(addr, 4) {
		panic("sdcard: unaligned DMA buffer")
	}
	const ch = regs.DMA_SDMMC_CHANNEL
	ccr := uint32(regs.DMA_CCR_MINC | regs.DMA_CCR_PSIZE_32 | regs.DMA_CCR_MSIZE_32)
	if dir == toCard {
		ccr |= regs.DMA_CCR_DIR
	}
	if d._traceenabled {
		d.trace("dma:begin", slog.Uint64("addr", uint64(addr)), slog.Int("len", len(buf)), slog.Bool("tocard", dir == toCard))
	}
	d.dma.Set(regs.DMA_CCR(ch), 0) // Channel must be disabled to be configured.
	d.dma.Set(regs.DMA_IFCR, regs.DMA_CGIF(ch))
	d.dma.Set(regs.DMA_CMAR(ch), addr)
	d.dma.Set(regs.DMA_CPAR(ch), regs.FIFO_ADDRESS)
	d.dma.Set(regs.DMA_CNDTR(ch), uint32(len(buf))/4)
	d.dma.Set(regs.DMA_CCR(ch), ccr)
	d.dma.Set(regs.DMA_CCR(ch), ccr|regs.DMA_CCR_EN)
	d.inflight = buf
}

// endTransfer disables the DMA channel and drops the reference to the transfer buffer.
func (d *Device) endTransfer() {
	const ch = regs.DMA_SDMMC_CHANNEL
	ccr := d.dma.Get(regs.DMA_CCR(ch))
	d.dma.Set(regs.DMA_CCR(ch), ccr&^regs.DMA_CCR_EN)
	d.inflight = nil
}

// selectDMARequest routes the SDMMC request line to its DMA channel.
func (d *Device) selectDMARequest() {
	const ch = regs.DMA_SDMMC_CHANNEL
	shift := regs.DMA_CSELR_SHIFT(ch)
	cselr := d.dma.Get(regs.DMA_CSELR)
	cselr = cselr&^(0xf<<shift) | regs.DMA_SDMMC_REQUEST<<shift
	d.dma.Set(regs.DMA_CSELR, cselr)
}

func blocksAsBytes(blocks []Block) []byte {
	if len(blocks) == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(&blocks[0])), len(blocks)*BlockSize)
}

func u32AsU8(buf []uint32) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(&buf[0])), len(buf)*4)
}

// ispow2 reports whether val is a power of two.
func ispow2[T constraints.Unsigned](val T) bool {
	return val != 0 && val&(val-1) == 0
}

// isaligned checks if `val` is wholly divisible by `align`. `align` must be a power of 2.
func isaligned[T constraints.Unsigned](val, align T) bool {
	return val&(align-1) == 0
}

// log2 returns the base 2 logarithm of a power of two.
func log2[T constraints.Unsigned](val T) (n uint32) {
	for val > 1 {
		val >>= 1
		n++
	}
	return n
}
