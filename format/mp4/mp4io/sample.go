package mp4io

import (
	"github.com/tyrese/avmux/utils/bits/pio"
)

type SampleTable struct {
	SampleDesc        *SampleDesc
	TimeToSample      *TimeToSample
	CompositionOffset *CompositionOffset
	SampleToChunk     *SampleToChunk
	SampleSize        *SampleSize
	ChunkOffset       *ChunkOffset
	SyncSample        *SyncSample
}

func (self SampleTable) Tag() Tag { return STBL }

func (self SampleTable) Children() (r []Box) {
	if self.SampleDesc != nil {
		r = append(r, self.SampleDesc)
	}
	if self.TimeToSample != nil {
		r = append(r, self.TimeToSample)
	}
	if self.CompositionOffset != nil {
		r = append(r, self.CompositionOffset)
	}
	if self.SampleToChunk != nil {
		r = append(r, self.SampleToChunk)
	}
	if self.SampleSize != nil {
		r = append(r, self.SampleSize)
	}
	if self.ChunkOffset != nil {
		r = append(r, self.ChunkOffset)
	}
	if self.SyncSample != nil {
		r = append(r, self.SyncSample)
	}
	return
}

func (self SampleTable) Len() int { return 8 + lenChildren(self.Children()) }

func (self SampleTable) Marshal(b []byte) int { return marshalContainer(b, STBL, self.Children()) }

// SampleDesc is stsd. Entries are sample entries such as VideoSampleDesc
// and MP4ADesc, referenced 1-based by stsc and tfhd.
type SampleDesc struct {
	Entries []Box
}

func (self SampleDesc) Tag() Tag { return STSD }

func (self SampleDesc) Children() []Box { return self.Entries }

func (self SampleDesc) Len() int { return 8 + 8 + lenChildren(self.Entries) }

func (self SampleDesc) Marshal(b []byte) (n int) {
	n = 8
	n += putFullHeader(b[n:], 0, 0)
	pio.PutU32BE(b[n:], uint32(len(self.Entries)))
	n += 4
	n += marshalChildren(b[n:], self.Entries)
	putHeader(b, STSD, n)
	return
}

type TimeToSampleEntry struct {
	Count    uint32
	Duration uint32
}

// TimeToSample is stts, run-length encoded sample durations.
type TimeToSample struct {
	Entries []TimeToSampleEntry
}

// Append adds one sample of the given duration, extending the last run
// when the duration repeats.
func (self *TimeToSample) Append(duration uint32) {
	if n := len(self.Entries); n > 0 && self.Entries[n-1].Duration == duration {
		self.Entries[n-1].Count++
		return
	}
	self.Entries = append(self.Entries, TimeToSampleEntry{Count: 1, Duration: duration})
}

func (self TimeToSample) Tag() Tag { return STTS }

func (self TimeToSample) Len() int { return 8 + 8 + 8*len(self.Entries) }

func (self TimeToSample) Marshal(b []byte) (n int) {
	n = 8
	n += putFullHeader(b[n:], 0, 0)
	pio.PutU32BE(b[n:], uint32(len(self.Entries)))
	n += 4
	for _, e := range self.Entries {
		pio.PutU32BE(b[n:], e.Count)
		pio.PutU32BE(b[n+4:], e.Duration)
		n += 8
	}
	putHeader(b, STTS, n)
	return
}

type CompositionOffsetEntry struct {
	Count  uint32
	Offset int32
}

// CompositionOffset is ctts. Version 1 is written when an offset is
// negative.
type CompositionOffset struct {
	Entries []CompositionOffsetEntry
}

func (self *CompositionOffset) Append(offset int32) {
	if n := len(self.Entries); n > 0 && self.Entries[n-1].Offset == offset {
		self.Entries[n-1].Count++
		return
	}
	self.Entries = append(self.Entries, CompositionOffsetEntry{Count: 1, Offset: offset})
}

func (self CompositionOffset) Tag() Tag { return CTTS }

func (self CompositionOffset) Len() int { return 8 + 8 + 8*len(self.Entries) }

func (self CompositionOffset) Marshal(b []byte) (n int) {
	n = 8
	version := uint8(0)
	for _, e := range self.Entries {
		if e.Offset < 0 {
			version = 1
		}
	}
	n += putFullHeader(b[n:], version, 0)
	pio.PutU32BE(b[n:], uint32(len(self.Entries)))
	n += 4
	for _, e := range self.Entries {
		pio.PutU32BE(b[n:], e.Count)
		pio.PutI32BE(b[n+4:], e.Offset)
		n += 8
	}
	putHeader(b, CTTS, n)
	return
}

type SampleToChunkEntry struct {
	FirstChunk      uint32
	SamplesPerChunk uint32
	SampleDescId    uint32
}

type SampleToChunk struct {
	Entries []SampleToChunkEntry
}

// Append records chunk number chunk (1-based). A run entry is added only
// when the chunk shape differs from the previous one.
func (self *SampleToChunk) Append(chunk, samples, descId uint32) {
	if n := len(self.Entries); n > 0 {
		last := self.Entries[n-1]
		if last.SamplesPerChunk == samples && last.SampleDescId == descId {
			return
		}
	}
	self.Entries = append(self.Entries, SampleToChunkEntry{
		FirstChunk:      chunk,
		SamplesPerChunk: samples,
		SampleDescId:    descId,
	})
}

func (self SampleToChunk) Tag() Tag { return STSC }

func (self SampleToChunk) Len() int { return 8 + 8 + 12*len(self.Entries) }

func (self SampleToChunk) Marshal(b []byte) (n int) {
	n = 8
	n += putFullHeader(b[n:], 0, 0)
	pio.PutU32BE(b[n:], uint32(len(self.Entries)))
	n += 4
	for _, e := range self.Entries {
		pio.PutU32BE(b[n:], e.FirstChunk)
		pio.PutU32BE(b[n+4:], e.SamplesPerChunk)
		pio.PutU32BE(b[n+8:], e.SampleDescId)
		n += 12
	}
	putHeader(b, STSC, n)
	return
}

// SampleSize is stsz. When SampleSize is non-zero every sample has that
// size and Entries is not written.
type SampleSize struct {
	SampleSize uint32
	Entries    []uint32
}

func (self SampleSize) Tag() Tag { return STSZ }

func (self SampleSize) Len() int {
	if self.SampleSize != 0 {
		return 8 + 12
	}
	return 8 + 12 + 4*len(self.Entries)
}

func (self SampleSize) Marshal(b []byte) (n int) {
	n = 8
	n += putFullHeader(b[n:], 0, 0)
	pio.PutU32BE(b[n:], self.SampleSize)
	pio.PutU32BE(b[n+4:], uint32(len(self.Entries)))
	n += 8
	if self.SampleSize == 0 {
		for _, size := range self.Entries {
			pio.PutU32BE(b[n:], size)
			n += 4
		}
	}
	putHeader(b, STSZ, n)
	return
}

// ChunkOffset is co64, absolute 64-bit file offsets of every chunk.
type ChunkOffset struct {
	Entries []uint64
}

func (self ChunkOffset) Tag() Tag { return CO64 }

func (self ChunkOffset) Len() int { return 8 + 8 + 8*len(self.Entries) }

func (self ChunkOffset) Marshal(b []byte) (n int) {
	n = 8
	n += putFullHeader(b[n:], 0, 0)
	pio.PutU32BE(b[n:], uint32(len(self.Entries)))
	n += 4
	for _, off := range self.Entries {
		pio.PutU64BE(b[n:], off)
		n += 8
	}
	putHeader(b, CO64, n)
	return
}

// SyncSample is stss, 1-based numbers of key frames.
type SyncSample struct {
	Entries []uint32
}

func (self SyncSample) Tag() Tag { return STSS }

func (self SyncSample) Len() int { return 8 + 8 + 4*len(self.Entries) }

func (self SyncSample) Marshal(b []byte) (n int) {
	n = 8
	n += putFullHeader(b[n:], 0, 0)
	pio.PutU32BE(b[n:], uint32(len(self.Entries)))
	n += 4
	for _, e := range self.Entries {
		pio.PutU32BE(b[n:], e)
		n += 4
	}
	putHeader(b, STSS, n)
	return
}
