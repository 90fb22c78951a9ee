package mp4io

import (
	"github.com/tyrese/avmux/utils/bits/pio"
)

// VideoSampleDesc is a visual sample entry (avc1, hvc1) followed by its
// decoder configuration box (avcC, hvcC).
type VideoSampleDesc struct {
	Format         Tag
	DataRefIdx     uint16
	Width          uint16
	Height         uint16
	CompressorName string
	Conf           RawBox
}

func (self VideoSampleDesc) Tag() Tag { return self.Format }

func (self VideoSampleDesc) Children() []Box { return []Box{self.Conf} }

func (self VideoSampleDesc) Len() int { return 8 + 78 + self.Conf.Len() }

func (self VideoSampleDesc) Marshal(b []byte) (n int) {
	n = 8
	copy(b[n:n+6], make([]byte, 6))
	pio.PutU16BE(b[n+6:], self.DataRefIdx)
	n += 8
	copy(b[n:n+16], make([]byte, 16)) // pre_defined, reserved
	n += 16
	pio.PutU16BE(b[n:], self.Width)
	pio.PutU16BE(b[n+2:], self.Height)
	n += 4
	PutFixed32(b[n:], 72)
	PutFixed32(b[n+4:], 72)
	pio.PutU32BE(b[n+8:], 0)
	pio.PutU16BE(b[n+12:], 1) // frame_count
	n += 14
	name := b[n : n+32]
	copy(name, make([]byte, 32))
	name[0] = byte(copy(name[1:31], self.CompressorName))
	n += 32
	pio.PutU16BE(b[n:], 0x0018)
	pio.PutI16BE(b[n+2:], -1)
	n += 4
	n += self.Conf.Marshal(b[n:])
	putHeader(b, self.Format, n)
	return
}

type MP4ADesc struct {
	DataRefIdx       uint16
	NumberOfChannels uint16
	SampleSize       uint16
	SampleRate       uint32
	Conf             *ElemStreamDesc
}

func (self MP4ADesc) Tag() Tag { return MP4A }

func (self MP4ADesc) Children() []Box { return []Box{self.Conf} }

func (self MP4ADesc) Len() int { return 8 + 28 + self.Conf.Len() }

func (self MP4ADesc) Marshal(b []byte) (n int) {
	n = 8
	copy(b[n:n+6], make([]byte, 6))
	pio.PutU16BE(b[n+6:], self.DataRefIdx)
	n += 8
	copy(b[n:n+8], make([]byte, 8))
	n += 8
	pio.PutU16BE(b[n:], self.NumberOfChannels)
	pio.PutU16BE(b[n+2:], self.SampleSize)
	pio.PutU32BE(b[n+4:], 0)
	n += 8
	// 16.16 fixed point, rates above 65535 do not fit
	rate := self.SampleRate
	if rate > 0xffff {
		rate = 0
	}
	pio.PutU32BE(b[n:], rate<<16)
	n += 4
	n += self.Conf.Marshal(b[n:])
	putHeader(b, MP4A, n)
	return
}

const (
	MP4ESDescrTag          = 3
	MP4DecConfigDescrTag   = 4
	MP4DecSpecificDescrTag = 5
	MP4SLConfigDescrTag    = 6
)

// ElemStreamDesc is esds carrying an AudioSpecificConfig.
type ElemStreamDesc struct {
	DecConfig  []byte
	TrackId    uint16
	MaxBitrate uint32
	AvgBitrate uint32
}

func (self ElemStreamDesc) Tag() Tag { return ESDS }

// descriptor lengths use the 4-byte expandable form
const descHdrLen = 5

func putDescHdr(b []byte, tag uint8, length int) int {
	b[0] = tag
	for i := 3; i > 0; i-- {
		b[4-i] = uint8(length>>uint(7*i))&0x7f | 0x80
	}
	b[4] = uint8(length & 0x7f)
	return descHdrLen
}

func (self ElemStreamDesc) decSpecificLen() int { return descHdrLen + len(self.DecConfig) }

func (self ElemStreamDesc) decConfigLen() int { return descHdrLen + 13 + self.decSpecificLen() }

func (self ElemStreamDesc) esLen() int {
	return descHdrLen + 3 + self.decConfigLen() + descHdrLen + 1
}

func (self ElemStreamDesc) Len() int { return 8 + 4 + self.esLen() }

func (self ElemStreamDesc) Marshal(b []byte) (n int) {
	n = 8
	n += putFullHeader(b[n:], 0, 0)

	n += putDescHdr(b[n:], MP4ESDescrTag, self.esLen()-descHdrLen)
	pio.PutU16BE(b[n:], self.TrackId)
	b[n+2] = 0 // flags
	n += 3

	n += putDescHdr(b[n:], MP4DecConfigDescrTag, self.decConfigLen()-descHdrLen)
	b[n] = 0x40   // objectTypeIndication: MPEG-4 audio
	b[n+1] = 0x15 // streamType audio, upstream 0, reserved 1
	pio.PutU24BE(b[n+2:], 0)
	pio.PutU32BE(b[n+5:], self.MaxBitrate)
	pio.PutU32BE(b[n+9:], self.AvgBitrate)
	n += 13

	n += putDescHdr(b[n:], MP4DecSpecificDescrTag, len(self.DecConfig))
	n += copy(b[n:], self.DecConfig)

	n += putDescHdr(b[n:], MP4SLConfigDescrTag, 1)
	b[n] = 0x02
	n++

	putHeader(b, ESDS, n)
	return
}
