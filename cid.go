package sdcard

import (
	"strconv"
)

// CID is the raw card identification register. Words[0] holds bits [127:96].
type CID struct {
	Words [4]uint32
}

// ManufacturerID returns the MID field.
func (c CID) ManufacturerID() uint8 { return uint8(c.Words[0] >> 24) }

// OEMID returns the two character OID field, stored big endian.
func (c CID) OEMID() uint16 { return uint16(c.Words[0] >> 8) }

// ProductName returns the 5 character PNM field.
func (c CID) ProductName() (pnm [5]byte) {
	pnm[0] = byte(c.Words[0])
	pnm[1] = byte(c.Words[1] >> 24)
	pnm[2] = byte(c.Words[1] >> 16)
	pnm[3] = byte(c.Words[1] >> 8)
	pnm[4] = byte(c.Words[1])
	return pnm
}

// ProductRevision returns the PRV field, major revision in the upper nibble.
func (c CID) ProductRevision() uint8 { return uint8(c.Words[2] >> 24) }

// SerialNumber returns the PSN field.
func (c CID) SerialNumber() uint32 {
	return (c.Words[2]&0xff_ffff)<<8 | c.Words[3]>>24
}

// ManufacturingYear returns the MDT year.
func (c CID) ManufacturingYear() uint16 { return uint16((c.Words[3]>>12)&0xff) + 2000 }

// ManufacturingMonth returns the MDT month, 1 to 12 on well formed cards.
func (c CID) ManufacturingMonth() uint8 { return uint8(c.Words[3]>>8) & 0xf }

func (c CID) String() string {
	pnm := c.ProductName()
	oid := c.OEMID()
	prv := c.ProductRevision()
	buf := make([]byte, 0, 80)
	buf = append(buf, "mid="...)
	buf = strconv.AppendUint(buf, uint64(c.ManufacturerID()), 10)
	buf = append(buf, " oid="...)
	buf = append(buf, byte(oid>>8), byte(oid))
	buf = append(buf, " pnm="...)
	buf = append(buf, pnm[:]...)
	buf = append(buf, " prv="...)
	buf = strconv.AppendUint(buf, uint64(prv>>4), 10)
	buf = append(buf, '.')
	buf = strconv.AppendUint(buf, uint64(prv&0xf), 10)
	buf = append(buf, " psn="...)
	buf = strconv.AppendUint(buf, uint64(c.SerialNumber()), 10)
	buf = append(buf, " mdt="...)
	buf = strconv.AppendUint(buf, uint64(c.ManufacturingYear()), 10)
	buf = append(buf, '-')
	buf = strconv.AppendUint(buf, uint64(c.ManufacturingMonth()), 10)
	return string(buf)
}
