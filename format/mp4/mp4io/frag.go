package mp4io

import (
	"math"

	"github.com/tyrese/avmux/av"
	"github.com/tyrese/avmux/utils/bits/pio"
)

type MovieFrag struct {
	Header *MovieFragHeader
	Tracks []*TrackFrag
}

func (self MovieFrag) Tag() Tag { return MOOF }

func (self MovieFrag) Children() (r []Box) {
	if self.Header != nil {
		r = append(r, self.Header)
	}
	for _, traf := range self.Tracks {
		r = append(r, traf)
	}
	return
}

func (self MovieFrag) Len() int { return 8 + lenChildren(self.Children()) }

func (self MovieFrag) Marshal(b []byte) int { return marshalContainer(b, MOOF, self.Children()) }

type MovieFragHeader struct {
	Seqnum uint32
}

func (self MovieFragHeader) Tag() Tag { return MFHD }

func (self MovieFragHeader) Len() int { return 8 + 4 + 4 }

func (self MovieFragHeader) Marshal(b []byte) (n int) {
	n = 8
	n += putFullHeader(b[n:], 0, 0)
	pio.PutU32BE(b[n:], self.Seqnum)
	n += 4
	putHeader(b, MFHD, n)
	return
}

type TrackFrag struct {
	Header     *TrackFragHeader
	DecodeTime *TrackFragDecodeTime
	Run        *TrackFragRun
}

func (self TrackFrag) Tag() Tag { return TRAF }

func (self TrackFrag) Children() (r []Box) {
	if self.Header != nil {
		r = append(r, self.Header)
	}
	if self.DecodeTime != nil {
		r = append(r, self.DecodeTime)
	}
	if self.Run != nil {
		r = append(r, self.Run)
	}
	return
}

func (self TrackFrag) Len() int { return 8 + lenChildren(self.Children()) }

func (self TrackFrag) Marshal(b []byte) int { return marshalContainer(b, TRAF, self.Children()) }

// TrackFragHeader is tfhd. Optional fields are written according to Flags.
type TrackFragHeader struct {
	Flags           uint32
	TrackId         uint32
	BaseDataOffset  uint64
	StsdId          uint32
	DefaultDuration uint32
	DefaultSize     uint32
	DefaultFlags    uint32
}

func (self TrackFragHeader) Tag() Tag { return TFHD }

func (self TrackFragHeader) Len() (n int) {
	n = 8 + 4 + 4
	if self.Flags&TFHD_BASE_DATA_OFFSET != 0 {
		n += 8
	}
	if self.Flags&TFHD_STSD_ID != 0 {
		n += 4
	}
	if self.Flags&TFHD_DEFAULT_DURATION != 0 {
		n += 4
	}
	if self.Flags&TFHD_DEFAULT_SIZE != 0 {
		n += 4
	}
	if self.Flags&TFHD_DEFAULT_FLAGS != 0 {
		n += 4
	}
	return
}

func (self TrackFragHeader) Marshal(b []byte) (n int) {
	n = 8
	n += putFullHeader(b[n:], 0, self.Flags)
	pio.PutU32BE(b[n:], self.TrackId)
	n += 4
	if self.Flags&TFHD_BASE_DATA_OFFSET != 0 {
		pio.PutU64BE(b[n:], self.BaseDataOffset)
		n += 8
	}
	if self.Flags&TFHD_STSD_ID != 0 {
		pio.PutU32BE(b[n:], self.StsdId)
		n += 4
	}
	if self.Flags&TFHD_DEFAULT_DURATION != 0 {
		pio.PutU32BE(b[n:], self.DefaultDuration)
		n += 4
	}
	if self.Flags&TFHD_DEFAULT_SIZE != 0 {
		pio.PutU32BE(b[n:], self.DefaultSize)
		n += 4
	}
	if self.Flags&TFHD_DEFAULT_FLAGS != 0 {
		pio.PutU32BE(b[n:], self.DefaultFlags)
		n += 4
	}
	putHeader(b, TFHD, n)
	return
}

// TrackFragDecodeTime is tfdt, always version 1.
type TrackFragDecodeTime struct {
	Time uint64
}

func (self TrackFragDecodeTime) Tag() Tag { return TFDT }

func (self TrackFragDecodeTime) Len() int { return 8 + 4 + 8 }

func (self TrackFragDecodeTime) Marshal(b []byte) (n int) {
	n = 8
	n += putFullHeader(b[n:], 1, 0)
	pio.PutU64BE(b[n:], self.Time)
	n += 8
	putHeader(b, TFDT, n)
	return
}

type TrackFragRunEntry struct {
	Duration uint32
	Size     uint32
	Flags    uint32
	Cts      int32
}

// TrackFragRun is trun. Per-sample fields are present according to Flags.
// Version 1 (signed composition offsets) is written when an offset is
// negative.
type TrackFragRun struct {
	Flags            uint32
	DataOffset       int32
	FirstSampleFlags uint32
	Entries          []TrackFragRunEntry
}

func (self TrackFragRun) Tag() Tag { return TRUN }

func (self TrackFragRun) entryLen() (n int) {
	for _, f := range []uint32{TRUN_SAMPLE_DURATION, TRUN_SAMPLE_SIZE, TRUN_SAMPLE_FLAGS, TRUN_SAMPLE_CTS} {
		if self.Flags&f != 0 {
			n += 4
		}
	}
	return
}

func (self TrackFragRun) Len() (n int) {
	n = 8 + 4 + 4
	if self.Flags&TRUN_DATA_OFFSET != 0 {
		n += 4
	}
	if self.Flags&TRUN_FIRST_SAMPLE_FLAGS != 0 {
		n += 4
	}
	n += self.entryLen() * len(self.Entries)
	return
}

func (self TrackFragRun) Marshal(b []byte) (n int) {
	version := uint8(0)
	for _, e := range self.Entries {
		if e.Cts < 0 {
			version = 1
		}
	}
	n = 8
	n += putFullHeader(b[n:], version, self.Flags)
	pio.PutU32BE(b[n:], uint32(len(self.Entries)))
	n += 4
	if self.Flags&TRUN_DATA_OFFSET != 0 {
		pio.PutI32BE(b[n:], self.DataOffset)
		n += 4
	}
	if self.Flags&TRUN_FIRST_SAMPLE_FLAGS != 0 {
		pio.PutU32BE(b[n:], self.FirstSampleFlags)
		n += 4
	}
	for _, e := range self.Entries {
		if self.Flags&TRUN_SAMPLE_DURATION != 0 {
			pio.PutU32BE(b[n:], e.Duration)
			n += 4
		}
		if self.Flags&TRUN_SAMPLE_SIZE != 0 {
			pio.PutU32BE(b[n:], e.Size)
			n += 4
		}
		if self.Flags&TRUN_SAMPLE_FLAGS != 0 {
			pio.PutU32BE(b[n:], e.Flags)
			n += 4
		}
		if self.Flags&TRUN_SAMPLE_CTS != 0 {
			pio.PutI32BE(b[n:], e.Cts)
			n += 4
		}
	}
	putHeader(b, TRUN, n)
	return
}

// MediaData is an mdat holding the concatenation of Data.
type MediaData struct {
	Data [][]byte
}

func (self MediaData) Tag() Tag { return MDAT }

func (self MediaData) Len() (n int) {
	n = 8
	for _, b := range self.Data {
		n += len(b)
	}
	return
}

func (self MediaData) Marshal(b []byte) (n int) {
	n = 8
	for _, d := range self.Data {
		n += copy(b[n:], d)
	}
	putHeader(b, MDAT, n)
	return
}

type MovieFragRandomAccess struct {
	Tracks []*TrackFragRandomAccess
	Offset *MovieFragRandomAccessOffset
}

func (self MovieFragRandomAccess) Tag() Tag { return MFRA }

func (self MovieFragRandomAccess) Children() (r []Box) {
	for _, tfra := range self.Tracks {
		r = append(r, tfra)
	}
	if self.Offset != nil {
		r = append(r, self.Offset)
	}
	return
}

func (self MovieFragRandomAccess) Len() int { return 8 + lenChildren(self.Children()) }

// Marshal fills in mfro with the size of the whole mfra.
func (self MovieFragRandomAccess) Marshal(b []byte) int {
	if self.Offset != nil {
		self.Offset.Size = uint32(self.Len())
	}
	return marshalContainer(b, MFRA, self.Children())
}

type TFRAEntry struct {
	Time         uint64
	MoofOffset   uint64
	TrafNumber   uint32
	TrunNumber   uint32
	SampleNumber uint32
	// TimeWide and OffsetWide select 64-bit fields. They must agree with
	// each other and across the entries of one table.
	TimeWide   bool
	OffsetWide bool
}

// TrackFragRandomAccess is tfra. Traf, trun and sample numbers are written
// as 32-bit values.
type TrackFragRandomAccess struct {
	TrackId uint32
	Wide    bool
	Entries []TFRAEntry
}

// NewTrackFragRandomAccess validates that entry widths are homogeneous and
// large enough for their values.
func NewTrackFragRandomAccess(trackId uint32, entries []TFRAEntry) (*TrackFragRandomAccess, error) {
	self := &TrackFragRandomAccess{TrackId: trackId, Entries: entries}
	for i, e := range entries {
		if e.TimeWide != e.OffsetWide {
			return nil, av.Configurationf("mp4io: tfra entry %d mixes 32 and 64-bit time/offset", i)
		}
		if i == 0 {
			self.Wide = e.TimeWide
		} else if e.TimeWide != self.Wide {
			return nil, av.Configurationf("mp4io: tfra entry %d width differs from entry 0", i)
		}
		if !e.TimeWide && (e.Time > math.MaxUint32 || e.MoofOffset > math.MaxUint32) {
			return nil, av.Configurationf("mp4io: tfra entry %d does not fit 32 bits", i)
		}
	}
	return self, nil
}

func (self TrackFragRandomAccess) Tag() Tag { return TFRA }

func (self TrackFragRandomAccess) entryLen() int {
	if self.Wide {
		return 16 + 12
	}
	return 8 + 12
}

func (self TrackFragRandomAccess) Len() int {
	return 8 + 4 + 12 + self.entryLen()*len(self.Entries)
}

func (self TrackFragRandomAccess) Marshal(b []byte) (n int) {
	n = 8
	if self.Wide {
		n += putFullHeader(b[n:], 1, 0)
	} else {
		n += putFullHeader(b[n:], 0, 0)
	}
	pio.PutU32BE(b[n:], self.TrackId)
	pio.PutU32BE(b[n+4:], 0x3f) // 4-byte traf, trun and sample numbers
	pio.PutU32BE(b[n+8:], uint32(len(self.Entries)))
	n += 12
	for _, e := range self.Entries {
		if self.Wide {
			pio.PutU64BE(b[n:], e.Time)
			pio.PutU64BE(b[n+8:], e.MoofOffset)
			n += 16
		} else {
			pio.PutU32BE(b[n:], uint32(e.Time))
			pio.PutU32BE(b[n+4:], uint32(e.MoofOffset))
			n += 8
		}
		pio.PutU32BE(b[n:], e.TrafNumber)
		pio.PutU32BE(b[n+4:], e.TrunNumber)
		pio.PutU32BE(b[n+8:], e.SampleNumber)
		n += 12
	}
	putHeader(b, TFRA, n)
	return
}

// MovieFragRandomAccessOffset is mfro, the size of the enclosing mfra so a
// reader can find it from the end of the file.
type MovieFragRandomAccessOffset struct {
	Size uint32
}

func (self MovieFragRandomAccessOffset) Tag() Tag { return MFRO }

func (self MovieFragRandomAccessOffset) Len() int { return 8 + 4 + 4 }

func (self MovieFragRandomAccessOffset) Marshal(b []byte) (n int) {
	n = 8
	n += putFullHeader(b[n:], 0, 0)
	pio.PutU32BE(b[n:], self.Size)
	n += 4
	putHeader(b, MFRO, n)
	return
}
