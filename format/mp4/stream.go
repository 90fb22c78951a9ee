package mp4

import (
	"bytes"
	"time"

	"github.com/tyrese/avmux/av"
	"github.com/tyrese/avmux/codec/aacparser"
	"github.com/tyrese/avmux/format/mp4/mp4io"
)

type sample struct {
	data     []byte
	dts      int64 // track timescale, relative to the session origin
	cts      int32
	key      bool
	descId   uint32
	duration uint32
}

// run is the samples of one track that share a sample description inside
// the open fragment. It becomes one traf.
type run struct {
	descId  uint32
	samples []*sample
}

type Stream struct {
	av.StreamConfig

	codec     av.CodecType
	idx       int
	trackId   uint32
	timeScale int64

	descs   []mp4io.Box
	records [][]byte // identity of each entry in descs
	descId  uint32   // current description, 1-based, 0 when none yet
	width   int
	height  int
	aac     aacparser.CodecData

	// session state, reset by StartStream
	started      bool
	firstDTS     int64
	lastDTS      int64
	pending      *sample
	lastDuration uint32
	duration     int64

	// flat mode
	sample      *mp4io.SampleTable
	sampleCount uint32
	chunk       []*sample
	chunkBytes  int
	chunkCount  uint32

	// fragmented mode
	inInit bool // described by the last init segment
	runs   []*run
	tfra   []mp4io.TFRAEntry
}

// timeToTs rounds to the nearest tick. Whole seconds are scaled separately
// so long sessions do not overflow.
func timeToTs(tm time.Duration, timeScale int64) int64 {
	sec, rem := int64(tm/time.Second), int64(tm%time.Second)
	return sec*timeScale + (rem*timeScale+int64(time.Second)/2)/int64(time.Second)
}

func tsToTime(ts int64, timeScale int64) time.Duration {
	return time.Duration(ts) * time.Second / time.Duration(timeScale)
}

func (self *Stream) timeToTs(tm time.Duration) int64 {
	return timeToTs(tm, self.timeScale)
}

func (self *Stream) tsToTime(ts int64) time.Duration {
	return tsToTime(ts, self.timeScale)
}

func (self *Stream) reset() {
	self.started = false
	self.firstDTS = 0
	self.lastDTS = 0
	self.pending = nil
	self.lastDuration = 0
	self.duration = 0
	// parameter sets are learned again each session, the audio entry
	// derived from the stream config stays
	if self.Kind == av.Video {
		self.descs, self.records, self.descId = nil, nil, 0
	} else if len(self.descs) > 1 {
		self.descs, self.records, self.descId = self.descs[:1], self.records[:1], 1
	}
	self.sample = &mp4io.SampleTable{
		SampleDesc:        &mp4io.SampleDesc{},
		TimeToSample:      &mp4io.TimeToSample{},
		CompositionOffset: &mp4io.CompositionOffset{},
		SampleToChunk:     &mp4io.SampleToChunk{},
		SampleSize:        &mp4io.SampleSize{},
		ChunkOffset:       &mp4io.ChunkOffset{},
	}
	if self.Kind == av.Video {
		self.sample.SyncSample = &mp4io.SyncSample{}
	}
	self.sampleCount = 0
	self.chunk = nil
	self.chunkBytes = 0
	self.chunkCount = 0
	self.inInit = false
	self.runs = nil
	self.tfra = nil
}

// setDesc selects the sample entry for record, adding one when it was not
// seen before. It reports whether the current description changed.
func (self *Stream) setDesc(record []byte, entry func(id uint32) mp4io.Box) (changed bool) {
	for i, r := range self.records {
		if bytes.Equal(r, record) {
			id := uint32(i + 1)
			changed = id != self.descId
			self.descId = id
			return
		}
	}
	self.records = append(self.records, record)
	self.descs = append(self.descs, entry(self.trackId))
	self.descId = uint32(len(self.descs))
	return true
}

func (self *Stream) setVideoDesc(record []byte, width, height int) bool {
	format, conf := mp4io.AVC1, mp4io.AVCC
	if self.codec == av.H265 {
		format, conf = mp4io.HVC1, mp4io.HVCC
	}
	changed := self.setDesc(record, func(uint32) mp4io.Box {
		return mp4io.VideoSampleDesc{
			Format:     format,
			DataRefIdx: 1,
			Width:      uint16(width),
			Height:     uint16(height),
			Conf:       mp4io.RawBox{Tag_: conf, Data: record},
		}
	})
	self.width, self.height = width, height
	return changed
}

func (self *Stream) setAudioDesc(codec aacparser.CodecData) bool {
	self.aac = codec
	return self.setDesc(codec.MPEG4AudioConfigBytes(), func(trackId uint32) mp4io.Box {
		return mp4io.MP4ADesc{
			DataRefIdx:       1,
			NumberOfChannels: uint16(codec.ChannelLayout().Count()),
			SampleSize:       16,
			SampleRate:       uint32(codec.SampleRate()),
			Conf: &mp4io.ElemStreamDesc{
				DecConfig:  codec.MPEG4AudioConfigBytes(),
				TrackId:    uint16(trackId),
				MaxBitrate: uint32(self.Bitrate),
				AvgBitrate: uint32(self.Bitrate),
			},
		}
	})
}

// fallbackDuration is used for the last sample of a track when no later
// sample fixes its length.
func (self *Stream) fallbackDuration() uint32 {
	if self.lastDuration > 0 {
		return self.lastDuration
	}
	if self.Kind == av.Audio {
		return uint32(self.aac.SamplesPerFrame())
	}
	if self.Video.FrameRate > 0 {
		return uint32(self.timeScale / int64(self.Video.FrameRate))
	}
	return 0
}

func (self *Stream) isSync(s *sample) bool {
	return s.key || self.Kind == av.Audio
}

func (self *Stream) sampleFlags(s *sample) uint32 {
	if self.isSync(s) {
		return mp4io.SampleDependsOnNone
	}
	return mp4io.SampleDependsOnOthers | mp4io.SampleNonSync
}

// fillSampleTable records s in the flat-mode tables.
func (self *Stream) fillSampleTable(s *sample) {
	self.sampleCount++
	self.sample.TimeToSample.Append(s.duration)
	self.sample.CompositionOffset.Append(s.cts)
	self.sample.SampleSize.Entries = append(self.sample.SampleSize.Entries, uint32(len(s.data)))
	if s.key && self.sample.SyncSample != nil {
		self.sample.SyncSample.Entries = append(self.sample.SyncSample.Entries, self.sampleCount)
	}
}

func (self *Stream) handler() *mp4io.HandlerRefer {
	if self.Kind == av.Video {
		return &mp4io.HandlerRefer{Type: mp4io.StringToTag("vide"), Name: "VideoHandler"}
	}
	return &mp4io.HandlerRefer{Type: mp4io.StringToTag("soun"), Name: "SoundHandler"}
}

// trackAtom builds the trak box. Fragmented tracks carry empty tables.
func (self *Stream) trackAtom(now time.Time, fragmented bool, movieDuration uint64) *mp4io.Track {
	table := self.sample
	if fragmented {
		table = &mp4io.SampleTable{
			TimeToSample:  &mp4io.TimeToSample{},
			SampleToChunk: &mp4io.SampleToChunk{},
			SampleSize:    &mp4io.SampleSize{},
			ChunkOffset:   &mp4io.ChunkOffset{},
		}
	} else if len(table.CompositionOffset.Entries) <= 1 && (len(table.CompositionOffset.Entries) == 0 || table.CompositionOffset.Entries[0].Offset == 0) {
		table.CompositionOffset = nil
	}
	table.SampleDesc = &mp4io.SampleDesc{Entries: self.descs}

	track := &mp4io.Track{
		Header: &mp4io.TrackHeader{
			Flags:      mp4io.TrackEnabled | mp4io.TrackInMovie,
			CreateTime: now,
			ModifyTime: now,
			TrackId:    self.trackId,
			Duration:   movieDuration,
		},
		Media: &mp4io.Media{
			Header: &mp4io.MediaHeader{
				CreateTime: now,
				ModifyTime: now,
				TimeScale:  uint32(self.timeScale),
				Language:   mp4io.LanguageUndetermined,
			},
			Handler: self.handler(),
			Info: &mp4io.MediaInfo{
				Data:   &mp4io.DataInfo{},
				Sample: table,
			},
		},
	}
	if !fragmented {
		track.Media.Header.Duration = uint64(self.duration)
	}
	if self.Kind == av.Video {
		track.Header.TrackWidth = float64(self.width)
		track.Header.TrackHeight = float64(self.height)
		track.Media.Info.Video = &mp4io.VideoMediaInfo{}
	} else {
		track.Header.Volume = 1
		track.Header.AlternateGroup = 1
		track.Media.Info.Sound = &mp4io.SoundMediaInfo{}
	}
	return track
}
