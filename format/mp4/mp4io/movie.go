package mp4io

import (
	"math"
	"time"

	"github.com/tyrese/avmux/utils/bits/pio"
)

type FileType struct {
	MajorBrand       Tag
	MinorVersion     uint32
	CompatibleBrands []Tag
}

func (self FileType) Tag() Tag { return FTYP }

func (self FileType) Len() int { return 16 + 4*len(self.CompatibleBrands) }

func (self FileType) Marshal(b []byte) (n int) {
	n = 8
	pio.PutU32BE(b[n:], uint32(self.MajorBrand))
	pio.PutU32BE(b[n+4:], self.MinorVersion)
	n += 8
	for _, brand := range self.CompatibleBrands {
		pio.PutU32BE(b[n:], uint32(brand))
		n += 4
	}
	putHeader(b, FTYP, n)
	return
}

type Movie struct {
	Header      *MovieHeader
	MovieExtend *MovieExtend
	Tracks      []*Track
}

func (self Movie) Tag() Tag { return MOOV }

func (self Movie) Children() (r []Box) {
	if self.Header != nil {
		r = append(r, self.Header)
	}
	for _, track := range self.Tracks {
		r = append(r, track)
	}
	if self.MovieExtend != nil {
		r = append(r, self.MovieExtend)
	}
	return
}

func (self Movie) Len() int { return 8 + lenChildren(self.Children()) }

func (self Movie) Marshal(b []byte) int { return marshalContainer(b, MOOV, self.Children()) }

type MovieHeader struct {
	CreateTime  time.Time
	ModifyTime  time.Time
	TimeScale   uint32
	Duration    uint64
	NextTrackId uint32
}

func (self MovieHeader) Tag() Tag { return MVHD }

func (self MovieHeader) wide() bool { return self.Duration > math.MaxUint32 }

func (self MovieHeader) Len() int {
	if self.wide() {
		return 8 + 4 + 28 + 80
	}
	return 8 + 4 + 16 + 80
}

func (self MovieHeader) Marshal(b []byte) (n int) {
	n = 8
	if self.wide() {
		n += putFullHeader(b[n:], 1, 0)
		pio.PutU64BE(b[n:], TimeToSeconds(self.CreateTime))
		pio.PutU64BE(b[n+8:], TimeToSeconds(self.ModifyTime))
		pio.PutU32BE(b[n+16:], self.TimeScale)
		pio.PutU64BE(b[n+20:], self.Duration)
		n += 28
	} else {
		n += putFullHeader(b[n:], 0, 0)
		pio.PutU32BE(b[n:], uint32(TimeToSeconds(self.CreateTime)))
		pio.PutU32BE(b[n+4:], uint32(TimeToSeconds(self.ModifyTime)))
		pio.PutU32BE(b[n+8:], self.TimeScale)
		pio.PutU32BE(b[n+12:], uint32(self.Duration))
		n += 16
	}
	PutFixed32(b[n:], 1) // rate
	n += 4
	PutFixed16(b[n:], 1) // volume
	n += 2
	copy(b[n:n+10], make([]byte, 10))
	n += 10
	n += putMatrix(b[n:], IdentityMatrix)
	copy(b[n:n+24], make([]byte, 24)) // pre_defined
	n += 24
	pio.PutU32BE(b[n:], self.NextTrackId)
	n += 4
	putHeader(b, MVHD, n)
	return
}

type MovieExtend struct {
	Tracks []*TrackExtend
}

func (self MovieExtend) Tag() Tag { return MVEX }

func (self MovieExtend) Children() (r []Box) {
	for _, trex := range self.Tracks {
		r = append(r, trex)
	}
	return
}

func (self MovieExtend) Len() int { return 8 + lenChildren(self.Children()) }

func (self MovieExtend) Marshal(b []byte) int { return marshalContainer(b, MVEX, self.Children()) }

type TrackExtend struct {
	TrackId               uint32
	DefaultSampleDescIdx  uint32
	DefaultSampleDuration uint32
	DefaultSampleSize     uint32
	DefaultSampleFlags    uint32
}

func (self TrackExtend) Tag() Tag { return TREX }

func (self TrackExtend) Len() int { return 8 + 4 + 20 }

func (self TrackExtend) Marshal(b []byte) (n int) {
	n = 8
	n += putFullHeader(b[n:], 0, 0)
	pio.PutU32BE(b[n:], self.TrackId)
	pio.PutU32BE(b[n+4:], self.DefaultSampleDescIdx)
	pio.PutU32BE(b[n+8:], self.DefaultSampleDuration)
	pio.PutU32BE(b[n+12:], self.DefaultSampleSize)
	pio.PutU32BE(b[n+16:], self.DefaultSampleFlags)
	n += 20
	putHeader(b, TREX, n)
	return
}

type Track struct {
	Header *TrackHeader
	Edit   *EditList
	Media  *Media
}

func (self Track) Tag() Tag { return TRAK }

func (self Track) Children() (r []Box) {
	if self.Header != nil {
		r = append(r, self.Header)
	}
	if self.Edit != nil {
		r = append(r, Edit{List: self.Edit})
	}
	if self.Media != nil {
		r = append(r, self.Media)
	}
	return
}

func (self Track) Len() int { return 8 + lenChildren(self.Children()) }

func (self Track) Marshal(b []byte) int { return marshalContainer(b, TRAK, self.Children()) }

const (
	TrackEnabled   = 0x1
	TrackInMovie   = 0x2
	TrackInPreview = 0x4
)

type TrackHeader struct {
	Flags          uint32
	CreateTime     time.Time
	ModifyTime     time.Time
	TrackId        uint32
	Duration       uint64
	Layer          int16
	AlternateGroup int16
	Volume         float64
	TrackWidth     float64
	TrackHeight    float64
}

func (self TrackHeader) Tag() Tag { return TKHD }

func (self TrackHeader) wide() bool { return self.Duration > math.MaxUint32 }

func (self TrackHeader) Len() int {
	if self.wide() {
		return 8 + 4 + 32 + 60
	}
	return 8 + 4 + 20 + 60
}

func (self TrackHeader) Marshal(b []byte) (n int) {
	n = 8
	if self.wide() {
		n += putFullHeader(b[n:], 1, self.Flags)
		pio.PutU64BE(b[n:], TimeToSeconds(self.CreateTime))
		pio.PutU64BE(b[n+8:], TimeToSeconds(self.ModifyTime))
		pio.PutU32BE(b[n+16:], self.TrackId)
		pio.PutU32BE(b[n+20:], 0)
		pio.PutU64BE(b[n+24:], self.Duration)
		n += 32
	} else {
		n += putFullHeader(b[n:], 0, self.Flags)
		pio.PutU32BE(b[n:], uint32(TimeToSeconds(self.CreateTime)))
		pio.PutU32BE(b[n+4:], uint32(TimeToSeconds(self.ModifyTime)))
		pio.PutU32BE(b[n+8:], self.TrackId)
		pio.PutU32BE(b[n+12:], 0)
		pio.PutU32BE(b[n+16:], uint32(self.Duration))
		n += 20
	}
	copy(b[n:n+8], make([]byte, 8))
	n += 8
	pio.PutI16BE(b[n:], self.Layer)
	pio.PutI16BE(b[n+2:], self.AlternateGroup)
	PutFixed16(b[n+4:], self.Volume)
	pio.PutU16BE(b[n+6:], 0)
	n += 8
	n += putMatrix(b[n:], IdentityMatrix)
	PutFixed32(b[n:], self.TrackWidth)
	PutFixed32(b[n+4:], self.TrackHeight)
	n += 8
	putHeader(b, TKHD, n)
	return
}

// Edit wraps an EditList in its edts container.
type Edit struct {
	List *EditList
}

func (self Edit) Tag() Tag { return EDTS }

func (self Edit) Children() []Box { return []Box{self.List} }

func (self Edit) Len() int { return 8 + self.List.Len() }

func (self Edit) Marshal(b []byte) int { return marshalContainer(b, EDTS, self.Children()) }

type EditListEntry struct {
	SegmentDuration uint64
	MediaTime       int64 // -1 for an empty edit
	MediaRate       float64
}

type EditList struct {
	Entries []EditListEntry
}

func (self EditList) Tag() Tag { return ELST }

func (self EditList) wide() bool {
	for _, e := range self.Entries {
		if e.SegmentDuration > math.MaxUint32 || e.MediaTime > math.MaxInt32 {
			return true
		}
	}
	return false
}

func (self EditList) Len() int {
	if self.wide() {
		return 8 + 8 + 20*len(self.Entries)
	}
	return 8 + 8 + 12*len(self.Entries)
}

func (self EditList) Marshal(b []byte) (n int) {
	n = 8
	wide := self.wide()
	if wide {
		n += putFullHeader(b[n:], 1, 0)
	} else {
		n += putFullHeader(b[n:], 0, 0)
	}
	pio.PutU32BE(b[n:], uint32(len(self.Entries)))
	n += 4
	for _, e := range self.Entries {
		if wide {
			pio.PutU64BE(b[n:], e.SegmentDuration)
			pio.PutI64BE(b[n+8:], e.MediaTime)
			n += 16
		} else {
			pio.PutU32BE(b[n:], uint32(e.SegmentDuration))
			pio.PutI32BE(b[n+4:], int32(e.MediaTime))
			n += 8
		}
		PutFixed32(b[n:], e.MediaRate)
		n += 4
	}
	putHeader(b, ELST, n)
	return
}

type Media struct {
	Header  *MediaHeader
	Handler *HandlerRefer
	Info    *MediaInfo
}

func (self Media) Tag() Tag { return MDIA }

func (self Media) Children() (r []Box) {
	if self.Header != nil {
		r = append(r, self.Header)
	}
	if self.Handler != nil {
		r = append(r, self.Handler)
	}
	if self.Info != nil {
		r = append(r, self.Info)
	}
	return
}

func (self Media) Len() int { return 8 + lenChildren(self.Children()) }

func (self Media) Marshal(b []byte) int { return marshalContainer(b, MDIA, self.Children()) }

type MediaHeader struct {
	CreateTime time.Time
	ModifyTime time.Time
	TimeScale  uint32
	Duration   uint64
	Language   uint16 // packed ISO-639-2/T
}

// LanguageUndetermined is "und" packed as three 5-bit letters.
const LanguageUndetermined = 0x55c4

func (self MediaHeader) Tag() Tag { return MDHD }

func (self MediaHeader) wide() bool { return self.Duration > math.MaxUint32 }

func (self MediaHeader) Len() int {
	if self.wide() {
		return 8 + 4 + 28 + 4
	}
	return 8 + 4 + 16 + 4
}

func (self MediaHeader) Marshal(b []byte) (n int) {
	n = 8
	if self.wide() {
		n += putFullHeader(b[n:], 1, 0)
		pio.PutU64BE(b[n:], TimeToSeconds(self.CreateTime))
		pio.PutU64BE(b[n+8:], TimeToSeconds(self.ModifyTime))
		pio.PutU32BE(b[n+16:], self.TimeScale)
		pio.PutU64BE(b[n+20:], self.Duration)
		n += 28
	} else {
		n += putFullHeader(b[n:], 0, 0)
		pio.PutU32BE(b[n:], uint32(TimeToSeconds(self.CreateTime)))
		pio.PutU32BE(b[n+4:], uint32(TimeToSeconds(self.ModifyTime)))
		pio.PutU32BE(b[n+8:], self.TimeScale)
		pio.PutU32BE(b[n+12:], uint32(self.Duration))
		n += 16
	}
	pio.PutU16BE(b[n:], self.Language)
	pio.PutU16BE(b[n+2:], 0)
	n += 4
	putHeader(b, MDHD, n)
	return
}

type HandlerRefer struct {
	Type Tag // vide or soun
	Name string
}

func (self HandlerRefer) Tag() Tag { return HDLR }

func (self HandlerRefer) Len() int { return 8 + 4 + 20 + len(self.Name) + 1 }

func (self HandlerRefer) Marshal(b []byte) (n int) {
	n = 8
	n += putFullHeader(b[n:], 0, 0)
	pio.PutU32BE(b[n:], 0) // pre_defined
	pio.PutU32BE(b[n+4:], uint32(self.Type))
	copy(b[n+8:n+20], make([]byte, 12))
	n += 20
	n += copy(b[n:], self.Name)
	b[n] = 0
	n++
	putHeader(b, HDLR, n)
	return
}

type MediaInfo struct {
	Sound  *SoundMediaInfo
	Video  *VideoMediaInfo
	Data   *DataInfo
	Sample *SampleTable
}

func (self MediaInfo) Tag() Tag { return MINF }

func (self MediaInfo) Children() (r []Box) {
	if self.Sound != nil {
		r = append(r, self.Sound)
	}
	if self.Video != nil {
		r = append(r, self.Video)
	}
	if self.Data != nil {
		r = append(r, self.Data)
	}
	if self.Sample != nil {
		r = append(r, self.Sample)
	}
	return
}

func (self MediaInfo) Len() int { return 8 + lenChildren(self.Children()) }

func (self MediaInfo) Marshal(b []byte) int { return marshalContainer(b, MINF, self.Children()) }

type VideoMediaInfo struct{}

func (self VideoMediaInfo) Tag() Tag { return VMHD }

func (self VideoMediaInfo) Len() int { return 8 + 4 + 8 }

func (self VideoMediaInfo) Marshal(b []byte) (n int) {
	n = 8
	n += putFullHeader(b[n:], 0, 1)
	copy(b[n:n+8], make([]byte, 8)) // graphicsmode, opcolor
	n += 8
	putHeader(b, VMHD, n)
	return
}

type SoundMediaInfo struct {
	Balance int16
}

func (self SoundMediaInfo) Tag() Tag { return SMHD }

func (self SoundMediaInfo) Len() int { return 8 + 4 + 4 }

func (self SoundMediaInfo) Marshal(b []byte) (n int) {
	n = 8
	n += putFullHeader(b[n:], 0, 0)
	pio.PutI16BE(b[n:], self.Balance)
	pio.PutU16BE(b[n+2:], 0)
	n += 4
	putHeader(b, SMHD, n)
	return
}

// DataInfo is a dinf holding a single self-contained url entry.
type DataInfo struct{}

func (self DataInfo) Tag() Tag { return DINF }

func (self DataInfo) Len() int { return 8 + 8 + 4 + 4 + 12 }

func (self DataInfo) Marshal(b []byte) (n int) {
	// dref
	d := b[8:]
	m := 8
	m += putFullHeader(d[m:], 0, 0)
	pio.PutU32BE(d[m:], 1)
	m += 4
	// url with flag 1: media data is in the same file
	putHeader(d[m:], URL, 12)
	putFullHeader(d[m+8:], 0, 1)
	m += 12
	putHeader(d, DREF, m)
	n = 8 + m
	putHeader(b, DINF, n)
	return
}
