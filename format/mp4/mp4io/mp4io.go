// Package mp4io holds the ISO BMFF box tree written by the mp4 muxer. Every
// box reports its serialized size through Len before Marshal writes it, so a
// tree is fully built before the first byte is produced.
package mp4io

import (
	"math"
	"time"

	"github.com/tyrese/avmux/av"
	"github.com/tyrese/avmux/utils/bits/pio"
)

type Tag uint32

func (self Tag) String() string {
	var b [4]byte
	pio.PutU32BE(b[:], uint32(self))
	for i := 0; i < 4; i++ {
		if b[i] == 0 {
			b[i] = ' '
		}
	}
	return string(b[:])
}

func StringToTag(tag string) Tag {
	var b [4]byte
	copy(b[:], []byte(tag))
	return Tag(pio.U32BE(b[:]))
}

var (
	FTYP = StringToTag("ftyp")
	MOOV = StringToTag("moov")
	MVHD = StringToTag("mvhd")
	MVEX = StringToTag("mvex")
	TREX = StringToTag("trex")
	TRAK = StringToTag("trak")
	TKHD = StringToTag("tkhd")
	EDTS = StringToTag("edts")
	ELST = StringToTag("elst")
	MDIA = StringToTag("mdia")
	MDHD = StringToTag("mdhd")
	HDLR = StringToTag("hdlr")
	MINF = StringToTag("minf")
	VMHD = StringToTag("vmhd")
	SMHD = StringToTag("smhd")
	DINF = StringToTag("dinf")
	DREF = StringToTag("dref")
	URL  = StringToTag("url ")
	STBL = StringToTag("stbl")
	STSD = StringToTag("stsd")
	AVC1 = StringToTag("avc1")
	AVCC = StringToTag("avcC")
	HVC1 = StringToTag("hvc1")
	HVCC = StringToTag("hvcC")
	MP4A = StringToTag("mp4a")
	ESDS = StringToTag("esds")
	STTS = StringToTag("stts")
	CTTS = StringToTag("ctts")
	STSC = StringToTag("stsc")
	STSZ = StringToTag("stsz")
	CO64 = StringToTag("co64")
	STSS = StringToTag("stss")
	MOOF = StringToTag("moof")
	MFHD = StringToTag("mfhd")
	TRAF = StringToTag("traf")
	TFHD = StringToTag("tfhd")
	TFDT = StringToTag("tfdt")
	TRUN = StringToTag("trun")
	MDAT = StringToTag("mdat")
	MFRA = StringToTag("mfra")
	TFRA = StringToTag("tfra")
	MFRO = StringToTag("mfro")
	UUID = StringToTag("uuid")
)

// Box is one node of the tree. Marshal writes exactly Len bytes.
type Box interface {
	Tag() Tag
	Len() int
	Marshal(b []byte) int
}

// Parent is implemented by boxes that contain other boxes.
type Parent interface {
	Children() []Box
}

// Marshal serializes box into a single allocation. Boxes whose size does
// not fit the 32-bit size field and uuid boxes are rejected.
func Marshal(box Box) (b []byte, err error) {
	if err = check(box); err != nil {
		return
	}
	b = make([]byte, box.Len())
	box.Marshal(b)
	return
}

func check(box Box) error {
	if box.Tag() == UUID {
		return av.Unsupportedf("mp4io: uuid box")
	}
	if int64(box.Len()) > math.MaxUint32 {
		return av.Unsupportedf("mp4io: %s box of %d bytes needs a 64-bit size", box.Tag(), box.Len())
	}
	if p, ok := box.(Parent); ok {
		for _, child := range p.Children() {
			if err := check(child); err != nil {
				return err
			}
		}
	}
	return nil
}

func FindChildren(root Box, tag Tag) Box {
	if root.Tag() == tag {
		return root
	}
	if p, ok := root.(Parent); ok {
		for _, child := range p.Children() {
			if r := FindChildren(child, tag); r != nil {
				return r
			}
		}
	}
	return nil
}

func putHeader(b []byte, tag Tag, size int) {
	pio.PutU32BE(b[0:], uint32(size))
	pio.PutU32BE(b[4:], uint32(tag))
}

// putFullHeader writes the version and flags of a full box.
func putFullHeader(b []byte, version uint8, flags uint32) int {
	b[0] = version
	pio.PutU24BE(b[1:], flags)
	return 4
}

func lenChildren(children []Box) (n int) {
	for _, child := range children {
		n += child.Len()
	}
	return
}

func marshalChildren(b []byte, children []Box) (n int) {
	for _, child := range children {
		n += child.Marshal(b[n:])
	}
	return
}

func marshalContainer(b []byte, tag Tag, children []Box) (n int) {
	n = 8 + marshalChildren(b[8:], children)
	putHeader(b, tag, n)
	return
}

var epoch = time.Date(1904, time.January, 1, 0, 0, 0, 0, time.UTC)

func TimeToSeconds(t time.Time) uint64 {
	if t.IsZero() || t.Before(epoch) {
		return 0
	}
	return uint64(t.Sub(epoch) / time.Second)
}

func PutFixed16(b []byte, f float64) {
	intpart, fracpart := math.Modf(f)
	b[0] = uint8(intpart)
	b[1] = uint8(fracpart * 256.0)
}

func PutFixed32(b []byte, f float64) {
	intpart, fracpart := math.Modf(f)
	pio.PutU16BE(b[0:2], uint16(intpart))
	pio.PutU16BE(b[2:4], uint16(fracpart*65536.0))
}

var IdentityMatrix = [9]int32{0x10000, 0, 0, 0, 0x10000, 0, 0, 0, 0x40000000}

func putMatrix(b []byte, m [9]int32) int {
	for i, v := range m {
		pio.PutI32BE(b[i*4:], v)
	}
	return 36
}

const (
	TFHD_BASE_DATA_OFFSET     = 0x01
	TFHD_STSD_ID              = 0x02
	TFHD_DEFAULT_DURATION     = 0x08
	TFHD_DEFAULT_SIZE         = 0x10
	TFHD_DEFAULT_FLAGS        = 0x20
	TFHD_DURATION_IS_EMPTY    = 0x010000
	TFHD_DEFAULT_BASE_IS_MOOF = 0x020000
)

const (
	TRUN_DATA_OFFSET        = 0x01
	TRUN_FIRST_SAMPLE_FLAGS = 0x04
	TRUN_SAMPLE_DURATION    = 0x100
	TRUN_SAMPLE_SIZE        = 0x200
	TRUN_SAMPLE_FLAGS       = 0x400
	TRUN_SAMPLE_CTS         = 0x800
)

// Sample flags for trun/trex entries.
const (
	SampleDependsOnOthers = 0x01000000
	SampleDependsOnNone   = 0x02000000
	SampleNonSync         = 0x00010000
)

// RawBox carries a preformatted payload under an arbitrary tag.
type RawBox struct {
	Tag_ Tag
	Data []byte
}

func (self RawBox) Tag() Tag { return self.Tag_ }

func (self RawBox) Len() int { return 8 + len(self.Data) }

func (self RawBox) Marshal(b []byte) int {
	n := 8 + copy(b[8:], self.Data)
	putHeader(b, self.Tag_, n)
	return n
}
