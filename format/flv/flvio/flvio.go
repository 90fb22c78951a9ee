// Package flvio serializes FLV file headers, audio/video/script tags and
// AMF0 values.
package flvio

import (
	"time"

	"github.com/pkg/errors"
	"github.com/tyrese/avmux/utils/bits/pio"
)

func TsToTime(ts int32) time.Duration {
	return time.Millisecond * time.Duration(ts)
}

func TimeToTs(tm time.Duration) int32 {
	return int32(tm / time.Millisecond)
}

const MaxTagSubHeaderLength = 16

const (
	TAG_AUDIO      = 8
	TAG_VIDEO      = 9
	TAG_SCRIPTDATA = 18
)

const (
	SOUND_MP3                   = 2
	SOUND_NELLYMOSER_16KHZ_MONO = 4
	SOUND_NELLYMOSER_8KHZ_MONO  = 5
	SOUND_NELLYMOSER            = 6
	SOUND_ALAW                  = 7
	SOUND_MULAW                 = 8
	SOUND_AAC                   = 10
	SOUND_SPEEX                 = 11

	SOUND_5_5Khz = 0
	SOUND_11Khz  = 1
	SOUND_22Khz  = 2
	SOUND_44Khz  = 3

	SOUND_8BIT  = 0
	SOUND_16BIT = 1

	SOUND_MONO   = 0
	SOUND_STEREO = 1

	AAC_SEQHDR = 0
	AAC_RAW    = 1
)

const (
	AVC_SEQHDR = 0
	AVC_NALU   = 1
	AVC_EOS    = 2

	FRAME_KEY   = 1
	FRAME_INTER = 2

	VIDEO_H263 = 2
	VIDEO_H264 = 7
)

// Enhanced RTMP packet types, used when IsExHeader is set.
const (
	PKTTYPE_SEQUENCE_START  = 0
	PKTTYPE_CODED_FRAMES    = 1
	PKTTYPE_SEQUENCE_END    = 2
	PKTTYPE_CODED_FRAMES_X  = 3
	PKTTYPE_METADATA        = 4
	PKTTYPE_MPEG2TS_SEQSTRT = 5
)

var (
	FOURCC_HEVC = FourCC("hvc1")
	FOURCC_VP9  = FourCC("vp09")
	FOURCC_AV1  = FourCC("av01")
)

func FourCC(s string) uint32 {
	return pio.U32BE([]byte(s))
}

// Tag is one FLV tag body. Which fields apply depends on Type, and for
// video on CodecID or IsExHeader.
type Tag struct {
	Type uint8

	/*
		SoundFormat: UB[4]
		10 = AAC
		11 = Speex
	*/
	SoundFormat uint8
	/*
		SoundRate: UB[2]
		0 = 5.5-kHz For AAC: always 3
		1 = 11-kHz
		2 = 22-kHz
		3 = 44-kHz
	*/
	SoundRate uint8
	SoundSize uint8 // 0 = snd8Bit, 1 = snd16Bit
	SoundType uint8 // 0 = sndMono, 1 = sndStereo. For AAC: always 1
	/*
		0: AAC sequence header
		1: AAC raw
	*/
	AACPacketType uint8

	/*
		1: keyframe (for AVC, a seekable frame)
		2: inter frame (for AVC, a non- seekable frame)
		3: disposable inter frame (H.263 only)
	*/
	FrameType uint8
	/*
		2: Sorenson H.263
		7: AVC
	*/
	CodecID uint8
	/*
		0: AVC sequence header
		1: AVC NALU
		2: AVC end of sequence
	*/
	AVCPacketType   uint8
	CompositionTime int32

	IsExHeader bool
	PacketType uint8
	FourCC     uint32

	Data []byte
}

func (self Tag) hasCompositionTime() bool {
	if self.IsExHeader {
		return self.FourCC == FOURCC_HEVC && self.PacketType == PKTTYPE_CODED_FRAMES
	}
	return self.CodecID == VIDEO_H264
}

func (self Tag) subHeaderLen() (n int) {
	switch self.Type {
	case TAG_AUDIO:
		n = 1
		if self.SoundFormat == SOUND_AAC {
			n++
		}
	case TAG_VIDEO:
		n = 1
		if self.IsExHeader {
			n += 4
		} else if self.CodecID == VIDEO_H264 {
			n++
		}
		if self.hasCompositionTime() {
			n += 3
		}
	}
	return
}

func (self Tag) Len() int {
	return self.subHeaderLen() + len(self.Data)
}

func (self Tag) fillSubHeader(b []byte) (n int) {
	switch self.Type {
	case TAG_AUDIO:
		b[n] = self.SoundFormat<<4 | self.SoundRate<<2 | self.SoundSize<<1 | self.SoundType
		n++
		if self.SoundFormat == SOUND_AAC {
			b[n] = self.AACPacketType
			n++
		}

	case TAG_VIDEO:
		if self.IsExHeader {
			// IsExHeader(1) FrameType(3) PacketType(4)
			b[n] = 0x80 | (self.FrameType&0x7)<<4 | self.PacketType&0xf
			n++
			pio.PutU32BE(b[n:], self.FourCC)
			n += 4
		} else {
			b[n] = self.FrameType<<4 | self.CodecID
			n++
			if self.CodecID == VIDEO_H264 {
				b[n] = self.AVCPacketType
				n++
			}
		}
		if self.hasCompositionTime() {
			pio.PutI24BE(b[n:], self.CompositionTime)
			n += 3
		}
	}
	return
}

const TagHeaderLength = 11
const TagTrailerLength = 4

// FillTagHeader writes the 11-byte tag header for a body of datalen bytes.
func FillTagHeader(b []byte, tagtype uint8, datalen int, ts int32) (n int) {
	b[n] = tagtype
	n++
	pio.PutU24BE(b[n:], uint32(datalen))
	n += 3
	pio.PutU24BE(b[n:], uint32(ts&0xffffff))
	n += 3
	b[n] = uint8(ts >> 24)
	n++
	// StreamID
	pio.PutI24BE(b[n:], 0)
	n += 3
	return
}

// MarshalTag returns header, body and PreviousTagSize of one tag.
func MarshalTag(tag Tag, ts int32) []byte {
	datalen := tag.Len()
	b := make([]byte, TagHeaderLength+datalen+TagTrailerLength)
	n := FillTagHeader(b, tag.Type, datalen, ts)
	n += tag.fillSubHeader(b[n:])
	n += copy(b[n:], tag.Data)
	pio.PutU32BE(b[n:], uint32(TagHeaderLength+datalen))
	return b
}

// ParseTag decodes the tag at the start of b and returns the bytes it
// occupied, PreviousTagSize included.
func ParseTag(b []byte) (tag Tag, ts int32, n int, err error) {
	if len(b) < TagHeaderLength {
		err = errors.Errorf("flvio: tag header too short")
		return
	}
	tag.Type = b[0]
	datalen := int(pio.U24BE(b[1:]))
	ts = int32(pio.U24BE(b[4:]) | uint32(b[7])<<24)
	n = TagHeaderLength + datalen + TagTrailerLength
	if len(b) < n {
		err = errors.Errorf("flvio: tag body of %d bytes truncated", datalen)
		return
	}
	if size := int(pio.U32BE(b[n-TagTrailerLength:])); size != TagHeaderLength+datalen {
		err = errors.Errorf("flvio: previous tag size %d, want %d", size, TagHeaderLength+datalen)
		return
	}
	body := b[TagHeaderLength : TagHeaderLength+datalen]

	switch tag.Type {
	case TAG_AUDIO:
		if len(body) < 1 {
			err = errors.Errorf("flvio: empty audio tag")
			return
		}
		flags := body[0]
		tag.SoundFormat = flags >> 4
		tag.SoundRate = (flags >> 2) & 0x3
		tag.SoundSize = (flags >> 1) & 0x1
		tag.SoundType = flags & 0x1
		if tag.SoundFormat == SOUND_AAC {
			if len(body) < 2 {
				err = errors.Errorf("flvio: aac tag too short")
				return
			}
			tag.AACPacketType = body[1]
		}

	case TAG_VIDEO:
		if len(body) < 1 {
			err = errors.Errorf("flvio: empty video tag")
			return
		}
		flags := body[0]
		if flags&0x80 != 0 {
			tag.IsExHeader = true
			tag.FrameType = (flags >> 4) & 0x7
			tag.PacketType = flags & 0xf
			if len(body) < 5 {
				err = errors.Errorf("flvio: video ex header too short")
				return
			}
			tag.FourCC = pio.U32BE(body[1:])
		} else {
			tag.FrameType = flags >> 4
			tag.CodecID = flags & 0xf
			if tag.CodecID == VIDEO_H264 {
				if len(body) < 5 {
					err = errors.Errorf("flvio: avc tag too short")
					return
				}
				tag.AVCPacketType = body[1]
			}
		}
		if tag.hasCompositionTime() {
			if len(body) < tag.subHeaderLen() {
				err = errors.Errorf("flvio: video tag too short")
				return
			}
			tag.CompositionTime = pio.I24BE(body[tag.subHeaderLen()-3:])
		}

	case TAG_SCRIPTDATA:

	default:
		err = errors.Errorf("flvio: tag type %d invalid", tag.Type)
		return
	}
	tag.Data = body[tag.subHeaderLen():]
	return
}

const (
	// TypeFlagsReserved UB[5]
	// TypeFlagsAudio    UB[1] Audio tags are present
	// TypeFlagsReserved UB[1] Must be 0
	// TypeFlagsVideo    UB[1] Video tags are present
	FILE_HAS_AUDIO = 0x4
	FILE_HAS_VIDEO = 0x1
)

// FileHeaderLength includes PreviousTagSize0.
const FileHeaderLength = 9 + 4

func FillFileHeader(b []byte, flags uint8) (n int) {
	// 'FLV', version 1
	pio.PutU32BE(b[n:], 0x464c5601)
	n += 4

	b[n] = flags
	n++

	// DataOffset: size of the header
	pio.PutU32BE(b[n:], 9)
	n += 4

	// PreviousTagSize0: always 0
	pio.PutU32BE(b[n:], 0)
	n += 4
	return
}

func ParseFileHeader(b []byte) (flags uint8, skip int, err error) {
	if len(b) < FileHeaderLength || pio.U24BE(b[0:3]) != 0x464c56 {
		err = errors.Errorf("flvio: file header cc3 invalid")
		return
	}
	flags = b[4]
	skip = int(pio.U32BE(b[5:9])) - 9
	if skip < 0 {
		err = errors.Errorf("flvio: file header data offset invalid")
		return
	}
	return
}
