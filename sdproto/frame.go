package sdproto

import (
	"encoding/binary"
	"strconv"
)

const (
	// ShortFrameBits is the length of a command or 48 bit response frame.
	ShortFrameBits = 48
	// LongFrameBits is the length of an R2 response frame.
	LongFrameBits = 136
	// noIndex is the command index field of R2 and R3 responses.
	noIndex = 0x3f
)

// CRC7 computes the 7 bit CRC (x^7 + x^3 + 1) used to protect command and
// response frames.
func CRC7(data []byte) (crc uint8) {
	for _, b := range data {
		for i := 7; i >= 0; i-- {
			bit := (b>>i)&1 ^ (crc>>6)&1
			crc = (crc << 1) & 0x7f
			if bit != 0 {
				crc ^= 0x09
			}
		}
	}
	return crc
}

// AppendCommandFrame appends the 6 byte host frame of a command to dst.
func AppendCommandFrame(dst []byte, index uint8, arg uint32) []byte {
	var frame [6]byte
	frame[0] = 0x40 | index&noIndex
	binary.BigEndian.PutUint32(frame[1:5], arg)
	frame[5] = CRC7(frame[:5])<<1 | 1
	return append(dst, frame[:]...)
}

// AppendShortResponseFrame appends a 48 bit card response. R3 responses
// (index 0x3f) carry all ones in the CRC field.
func AppendShortResponseFrame(dst []byte, index uint8, arg uint32) []byte {
	var frame [6]byte
	frame[0] = index & noIndex
	binary.BigEndian.PutUint32(frame[1:5], arg)
	if frame[0] == noIndex {
		frame[5] = 0xff
	} else {
		frame[5] = CRC7(frame[:5])<<1 | 1
	}
	return append(dst, frame[:]...)
}

// AppendLongResponseFrame appends a 136 bit R2 response carrying a CID or CSD.
// Bit 0 of words[3] is replaced by the frame end bit.
func AppendLongResponseFrame(dst []byte, words [4]uint32) []byte {
	var frame [17]byte
	frame[0] = noIndex
	for i, w := range words {
		binary.BigEndian.PutUint32(frame[1+4*i:], w)
	}
	frame[16] |= 1
	return append(dst, frame[:]...)
}

// Frame is a single transaction on the CMD line.
type Frame struct {
	// Start is the offset of the start bit in the parsed stream.
	Start int
	// Host is the transmission bit. Set on frames driven by the host.
	Host bool
	// Long is set on 136 bit R2 responses.
	Long  bool
	Index uint8
	// Arg is the command argument or the 32 bit response payload.
	Arg uint32
	// Payload holds R2 bits [127:1]. Bit 0 of Payload[3] is always zero.
	Payload [4]uint32
	CRC     uint8
}

// HasCRC reports whether the frame carries a meaningful CRC. R3 responses do not.
func (f Frame) HasCRC() bool {
	return f.Host || f.Long || f.Index != noIndex
}

// CRCValid reports whether the frame CRC matches its content. Frames without
// a meaningful CRC are always valid.
func (f Frame) CRCValid() bool {
	if !f.HasCRC() {
		return true
	}
	if f.Long {
		var buf [16]byte
		for i, w := range f.Payload {
			binary.BigEndian.PutUint32(buf[4*i:], w)
		}
		return CRC7(buf[:15]) == f.CRC
	}
	var buf [5]byte
	buf[0] = uint8(b2u32(f.Host))<<6 | f.Index
	binary.BigEndian.PutUint32(buf[1:], f.Arg)
	return CRC7(buf[:]) == f.CRC
}

func (f Frame) String() string {
	var s string
	switch {
	case f.Host:
		s = "CMD" + strconv.Itoa(int(f.Index)) + " arg=" + hex32(f.Arg)
	case f.Long:
		s = "R2 " + hex32(f.Payload[0]) + hex32(f.Payload[1])[2:] + hex32(f.Payload[2])[2:] + hex32(f.Payload[3])[2:]
	case f.Index == noIndex:
		s = "R3 ocr=" + hex32(f.Arg)
	default:
		s = "R" + strconv.Itoa(int(f.Index)) + " arg=" + hex32(f.Arg)
	}
	if !f.HasCRC() {
		return s + " crc=n/a"
	} else if f.CRCValid() {
		return s + " crc=ok"
	}
	return s + " crc=bad"
}

// ParseFrames scans a CMD line bit stream packed most significant bit first
// and returns the complete frames found in it. A card frame following a host
// ALL_SEND_CID, SEND_CSD or SEND_CID frame is parsed as a 136 bit response.
// consumed is the number of bits up to the end of the last complete frame.
func ParseFrames(stream []byte) (frames []Frame, consumed int) {
	nbits := len(stream) * 8
	expectLong := false
	for i := 0; i < nbits; {
		if bitAt(stream, i) {
			i++ // Idle line is high.
			continue
		}
		if i+2 > nbits {
			break
		}
		f := Frame{Start: i, Host: bitAt(stream, i+1)}
		length := ShortFrameBits
		if !f.Host && expectLong {
			length = LongFrameBits
			f.Long = true
		}
		if i+length > nbits {
			break
		}
		f.Index = uint8(bitsAt(stream, i+2, 6))
		if f.Long {
			for w := range f.Payload {
				f.Payload[w] = uint32(bitsAt(stream, i+8+32*w, 32))
			}
			f.Payload[3] &^= 1 // End bit.
			f.CRC = uint8(f.Payload[3]>>1) & 0x7f
		} else {
			f.Arg = uint32(bitsAt(stream, i+8, 32))
			f.CRC = uint8(bitsAt(stream, i+40, 7))
		}
		if f.Host {
			resp := Command(f.Index).Response()
			expectLong = resp == ResponseLong
		} else {
			expectLong = false
		}
		frames = append(frames, f)
		i += length
		consumed = i
	}
	return frames, consumed
}

func bitAt(stream []byte, off int) bool {
	return stream[off/8]&(0x80>>(off%8)) != 0
}

func bitsAt(stream []byte, off, n int) (v uint64) {
	for i := 0; i < n; i++ {
		v <<= 1
		if bitAt(stream, off+i) {
			v |= 1
		}
	}
	return v
}

func hex32(v uint32) string {
	const hextable = "0123456789abcdef"
	var buf [10]byte
	buf[0], buf[1] = '0', 'x'
	for i := 0; i < 8; i++ {
		buf[9-i] = hextable[v&0xf]
		v >>= 4
	}
	return string(buf[:])
}
