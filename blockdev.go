package sdcard

import (
	"context"
	"errors"
	"time"
)

var (
	errBadBlockBuffer = errors.New("sdcard: buffer length not multiple of block size")
	errOutOfRange     = errors.New("sdcard: block range out of bounds")
)

// BlockDevice adapts an initialized Device to a blocking block device
// interface, as used by filesystem implementations. Each call completes its
// transfer before returning. Data is copied through a bounce block owned by
// the BlockDevice so caller buffers need no alignment.
type BlockDevice struct {
	dev *Device
	// Timeout bounds each block transfer. Zero waits indefinitely. On timeout
	// the device is reset and must be initialized again.
	Timeout time.Duration
	bounce  Block
}

// NewBlockDevice returns a blocking block device backed by dev.
func NewBlockDevice(dev *Device) *BlockDevice {
	return &BlockDevice{dev: dev}
}

// ReadBlocks reads len(dst)/BlockSize consecutive blocks starting at startBlock into dst.
func (bd *BlockDevice) ReadBlocks(dst []byte, startBlock int64) error {
	nblocks, err := bd.checkBuffer(len(dst), startBlock)
	if err != nil {
		return err
	}
	for i := int64(0); i < nblocks; i++ {
		err = bd.dev.ReadBlock(&bd.bounce, BlockIndex(startBlock+i))
		if err == nil {
			err = bd.wait()
		}
		if err != nil {
			return err
		}
		copy(dst[i*BlockSize:], bd.bounce.Bytes())
	}
	return nil
}

// WriteBlocks writes data to consecutive blocks starting at startBlock.
func (bd *BlockDevice) WriteBlocks(data []byte, startBlock int64) error {
	nblocks, err := bd.checkBuffer(len(data), startBlock)
	if err != nil {
		return err
	}
	for i := int64(0); i < nblocks; i++ {
		copy(bd.bounce.Bytes(), data[i*BlockSize:])
		err = bd.dev.WriteBlock(&bd.bounce, BlockIndex(startBlock+i))
		if err == nil {
			err = bd.wait()
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// EraseSectors erases numBlocks blocks starting at startBlock.
func (bd *BlockDevice) EraseSectors(startBlock, numBlocks int64) error {
	if numBlocks <= 0 {
		return nil
	}
	err := bd.checkRange(startBlock, numBlocks)
	if err != nil {
		return err
	}
	err = bd.dev.Erase(BlockIndex(startBlock), BlockIndex(startBlock+numBlocks-1))
	if err != nil {
		return err
	}
	return bd.wait()
}

// Size returns the card size in bytes, or zero if the device is uninitialized.
func (bd *BlockDevice) Size() int64 {
	n, err := bd.dev.CardSize()
	if err != nil {
		return 0
	}
	return int64(n) * BlockSize
}

// BlockSize returns the size of a block in bytes.
func (bd *BlockDevice) BlockSize() int { return BlockSize }

// Mode returns 0 for no connection/prohibited access, 1 for read-only, 3 for read-write.
func (bd *BlockDevice) Mode() uint8 {
	if _, err := bd.dev.CardSize(); err != nil {
		return 0
	}
	return 3
}

func (bd *BlockDevice) checkBuffer(length int, startBlock int64) (nblocks int64, err error) {
	if length%BlockSize != 0 {
		return 0, errBadBlockBuffer
	}
	nblocks = int64(length / BlockSize)
	return nblocks, bd.checkRange(startBlock, nblocks)
}

// checkRange checks blocks [startBlock, startBlock+nblocks) lie on the card.
// Block counts are compared directly so huge ranges cannot wrap.
func (bd *BlockDevice) checkRange(startBlock, nblocks int64) error {
	size, err := bd.dev.CardSize()
	if err != nil {
		return err
	}
	if startBlock < 0 || startBlock > int64(size) || nblocks > int64(size)-startBlock {
		return errOutOfRange
	}
	return nil
}

func (bd *BlockDevice) wait() error {
	ctx := context.Background()
	if bd.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, bd.Timeout)
		defer cancel()
	}
	err := bd.dev.Wait(ctx)
	if err != nil && ctx.Err() != nil && err == ctx.Err() {
		bd.dev.Reset()
	}
	return err
}
