// Package mp4 writes ISO BMFF files, either as a fragmented stream (init
// segment, moof+mdat fragments, mfra) or as a flat file with the moov
// written when the stream stops.
package mp4

import (
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tyrese/avmux/av"
	"github.com/tyrese/avmux/codec"
	"github.com/tyrese/avmux/codec/aacparser"
	"github.com/tyrese/avmux/codec/h264parser"
	"github.com/tyrese/avmux/format/mp4/mp4io"
)

const movieTimeScale = 1000

type Options struct {
	Fragmented       bool
	FragmentDuration time.Duration
	// flat mode closes a chunk once either threshold is reached
	ChunkDuration time.Duration
	ChunkSize     int
}

func DefaultOptions() Options {
	return Options{
		Fragmented:       true,
		FragmentDuration: 2 * time.Second,
		ChunkDuration:    time.Second,
		ChunkSize:        4 << 20,
	}
}

type Muxer struct {
	Options
	Logger logrus.FieldLogger

	mu      sync.Mutex
	emitter *av.Emitter
	streams []*Stream // nil once removed

	started   bool
	now       time.Time
	pos       int64
	origin    time.Duration
	hasOrigin bool

	seqnum    uint32
	initDone  bool
	initDirty bool
	fragStart time.Duration
	fragHas   bool
}

func NewMuxer(sink av.PacketSink, opts Options) *Muxer {
	return &Muxer{
		Options: opts,
		Logger:  logrus.WithField("format", "mp4"),
		emitter: av.NewEmitter(sink),
	}
}

func (self *Muxer) AddStream(cfg av.StreamConfig) (idx int, err error) {
	if err = cfg.Validate(); err != nil {
		return
	}
	typ, _ := cfg.CodecType()
	switch typ {
	case av.H264, av.H265, av.AAC:
	default:
		err = av.Configurationf("mp4: codec %v is not supported", typ)
		return
	}

	self.mu.Lock()
	defer self.mu.Unlock()

	if self.started && self.Fragmented && self.fragmentPending() {
		err = av.ProtocolViolationf("mp4: cannot add a track inside an open fragment")
		return
	}

	idx = len(self.streams)
	stream := &Stream{
		StreamConfig: cfg,
		codec:        typ,
		idx:          idx,
		trackId:      uint32(idx + 1),
		timeScale:    90000,
		width:        cfg.Video.Width,
		height:       cfg.Video.Height,
	}
	if cfg.Kind == av.Audio {
		stream.timeScale = int64(cfg.Audio.SampleRate)
		var aac aacparser.CodecData
		if aac, err = aacparser.NewCodecDataFromStream(cfg, nil); err != nil {
			err = av.Configurationf("mp4: %v", err)
			return
		}
		stream.setAudioDesc(aac)
	}
	stream.reset()
	self.streams = append(self.streams, stream)
	if self.started {
		self.initDirty = true
	}
	self.Logger.WithFields(logrus.Fields{"stream": idx, "codec": typ}).Debug("mp4: track added")
	return
}

func (self *Muxer) RemoveStream(idx int) error {
	self.mu.Lock()
	defer self.mu.Unlock()
	if _, err := self.stream(idx); err != nil {
		return err
	}
	if self.started {
		return av.ProtocolViolationf("mp4: track %d cannot be removed while streaming", idx)
	}
	self.streams[idx] = nil
	return nil
}

func (self *Muxer) stream(idx int) (*Stream, error) {
	if idx < 0 || idx >= len(self.streams) || self.streams[idx] == nil {
		return nil, av.ProtocolViolationf("mp4: unknown stream %d", idx)
	}
	return self.streams[idx], nil
}

func (self *Muxer) live() (r []*Stream) {
	for _, stream := range self.streams {
		if stream != nil {
			r = append(r, stream)
		}
	}
	return
}

// primary drives fragmentation: the first described video track, else the
// first described track. A track still waiting for parameter sets never
// holds fragments back.
func (self *Muxer) primary() *Stream {
	var first *Stream
	for _, stream := range self.live() {
		if stream.descId == 0 {
			continue
		}
		if stream.Kind == av.Video {
			return stream
		}
		if first == nil {
			first = stream
		}
	}
	return first
}

func (self *Muxer) fragmentPending() bool {
	for _, stream := range self.live() {
		if len(stream.runs) > 0 {
			return true
		}
	}
	return false
}

func (self *Muxer) StartStream() (err error) {
	self.mu.Lock()
	if self.started {
		self.mu.Unlock()
		return av.ProtocolViolationf("mp4: already started")
	}
	self.started = true
	self.now = time.Now()
	self.pos = 0
	self.hasOrigin = false
	self.seqnum = 0
	self.initDone = false
	self.initDirty = false
	self.fragHas = false
	for _, stream := range self.live() {
		stream.reset()
	}

	var pkts []av.Packet
	if !self.Fragmented {
		var b []byte
		if b, err = mp4io.Marshal(self.fileType()); err == nil {
			pkts = append(pkts, self.packet(b, 0, av.PacketUnknown, -1))
		}
	}
	self.Logger.WithField("fragmented", self.Fragmented).Info("mp4: stream started")
	return self.emitter.Emit(&self.mu, pkts, err)
}

func (self *Muxer) fileType() mp4io.FileType {
	if self.Fragmented {
		return mp4io.FileType{
			MajorBrand:       mp4io.StringToTag("iso6"),
			MinorVersion:     1,
			CompatibleBrands: []mp4io.Tag{mp4io.StringToTag("iso6"), mp4io.StringToTag("cmfc"), mp4io.StringToTag("mp41")},
		}
	}
	return mp4io.FileType{
		MajorBrand:       mp4io.StringToTag("isom"),
		MinorVersion:     512,
		CompatibleBrands: []mp4io.Tag{mp4io.StringToTag("isom"), mp4io.StringToTag("iso2"), mp4io.StringToTag("mp41")},
	}
}

// packet accounts for b in the output position.
func (self *Muxer) packet(b []byte, tm time.Duration, typ av.PacketType, idx int) av.Packet {
	self.pos += int64(len(b))
	return av.Packet{Data: b, Time: tm, Type: typ, Stream: idx}
}

func (self *Muxer) Write(frame av.Frame, idx int) (err error) {
	self.mu.Lock()
	var pkts []av.Packet
	pkts, err = self.write(frame, idx)
	return self.emitter.Emit(&self.mu, pkts, err)
}

func (self *Muxer) drop(idx int, frame av.Frame, err error) error {
	self.Logger.WithFields(logrus.Fields{"stream": idx, "pts": frame.PTS}).Warn(err)
	return err
}

func (self *Muxer) write(frame av.Frame, idx int) (pkts []av.Packet, err error) {
	if !self.started {
		err = av.ProtocolViolationf("mp4: write before start")
		return
	}
	var stream *Stream
	if stream, err = self.stream(idx); err != nil {
		return
	}

	origin := self.origin
	if !self.hasOrigin {
		origin = frame.DecodeTime()
	}
	rel := frame.DecodeTime() - origin
	if rel < 0 {
		err = self.drop(idx, frame, av.Framingf("mp4: stream %d decode time %v precedes the session origin", idx, frame.DecodeTime()))
		return
	}
	dts := stream.timeToTs(rel)
	if stream.started && dts < stream.lastDTS {
		err = self.drop(idx, frame, av.Framingf("mp4: stream %d decode time went backwards", idx))
		return
	}

	s := &sample{dts: dts, cts: int32(stream.timeToTs(frame.CompositionTime())), key: frame.IsKeyFrame}
	descChanged := false
	if stream.Kind == av.Video {
		var nalus [][]byte
		if nalus, err = codec.SplitAccessUnit(frame.Data); err != nil {
			err = self.drop(idx, frame, err)
			return
		}
		vcl, params := codec.SplitVCL(stream.codec, nalus)
		if frame.IsKeyFrame || stream.descId == 0 {
			if len(frame.Extra) > 0 || len(params) > 0 {
				var conf codec.VideoCodecData
				if conf, err = codec.ParseVideoCodecData(stream.codec, frame.Extra, params); err != nil {
					err = self.drop(idx, frame, err)
					return
				}
				descChanged = stream.setVideoDesc(conf.Record, conf.Width, conf.Height)
			}
		}
		if stream.descId == 0 {
			err = self.drop(idx, frame, av.Framingf("mp4: stream %d has no parameter sets yet", idx))
			return
		}
		if len(vcl) == 0 {
			err = self.drop(idx, frame, av.Framingf("mp4: stream %d frame carries no slice data", idx))
			return
		}
		s.data = h264parser.JoinAVCC(vcl)
	} else {
		s.data = codec.StripADTS(frame.Data)
		if len(s.data) == 0 {
			err = self.drop(idx, frame, av.Framingf("mp4: stream %d empty audio frame", idx))
			return
		}
		if len(frame.Extra) > 0 {
			var aac aacparser.CodecData
			if aac, err = aacparser.NewCodecDataFromStream(stream.StreamConfig, frame.Extra); err != nil {
				err = self.drop(idx, frame, av.Framingf("mp4: stream %d: %v", idx, err))
				return
			}
			descChanged = stream.setAudioDesc(aac)
		}
	}
	s.descId = stream.descId

	if !self.hasOrigin {
		self.origin = origin
		self.hasOrigin = true
	}
	if !stream.started {
		stream.started = true
		stream.firstDTS = dts
	}
	stream.lastDTS = dts
	if descChanged && self.initDone {
		self.initDirty = true
	}

	if p := stream.pending; p != nil {
		p.duration = uint32(dts - p.dts)
		stream.lastDuration = p.duration
		pkts = append(pkts, self.commit(stream, p)...)
	}
	if self.Fragmented && stream == self.primary() && s.key && self.fragHas &&
		dts-stream.timeToTs(self.fragStart) >= stream.timeToTs(self.FragmentDuration) {
		pkts = append(pkts, self.flushFragment()...)
	}
	stream.pending = s
	pkts = append(pkts, self.emitInit(false)...)
	return
}

// commit places a sample whose duration is known into the open chunk or
// fragment.
func (self *Muxer) commit(stream *Stream, s *sample) (pkts []av.Packet) {
	stream.duration += int64(s.duration)
	if self.Fragmented {
		if n := len(stream.runs); n > 0 && stream.runs[n-1].descId == s.descId {
			stream.runs[n-1].samples = append(stream.runs[n-1].samples, s)
		} else {
			stream.runs = append(stream.runs, &run{descId: s.descId, samples: []*sample{s}})
		}
		if stream == self.primary() && !self.fragHas {
			self.fragStart = stream.tsToTime(s.dts)
			self.fragHas = true
		}
		return
	}

	if len(stream.chunk) > 0 && stream.chunk[0].descId != s.descId {
		pkts = append(pkts, self.flushChunk(stream))
	}
	stream.chunk = append(stream.chunk, s)
	stream.chunkBytes += len(s.data)
	stream.fillSampleTable(s)
	span := s.dts + int64(s.duration) - stream.chunk[0].dts
	if span >= stream.timeToTs(self.ChunkDuration) || stream.chunkBytes >= self.ChunkSize {
		pkts = append(pkts, self.flushChunk(stream))
	}
	return
}

func (self *Muxer) flushChunk(stream *Stream) av.Packet {
	mdat := mp4io.MediaData{}
	for _, s := range stream.chunk {
		mdat.Data = append(mdat.Data, s.data)
	}
	b := make([]byte, mdat.Len())
	mdat.Marshal(b)

	stream.chunkCount++
	stream.sample.ChunkOffset.Entries = append(stream.sample.ChunkOffset.Entries, uint64(self.pos+8))
	stream.sample.SampleToChunk.Append(stream.chunkCount, uint32(len(stream.chunk)), stream.chunk[0].descId)
	tm := stream.tsToTime(stream.chunk[0].dts)
	stream.chunk = nil
	stream.chunkBytes = 0
	return self.packet(b, tm, av.PacketTypeOf(stream.Kind), stream.idx)
}

func (self *Muxer) described() (r []*Stream) {
	for _, stream := range self.live() {
		if stream.descId != 0 {
			r = append(r, stream)
		}
	}
	return
}

// emitInit writes ftyp+moov once every track is described, and again when
// tracks or descriptions were added since. When force is set, as before a
// fragment, tracks without a description are left out until they get one.
func (self *Muxer) emitInit(force bool) (pkts []av.Packet) {
	if !self.Fragmented || (self.initDone && !self.initDirty) {
		return
	}
	described := self.described()
	if len(described) == 0 || (!force && len(described) < len(self.live())) {
		return
	}
	moov := &mp4io.Movie{
		Header:      &mp4io.MovieHeader{CreateTime: self.now, ModifyTime: self.now, TimeScale: movieTimeScale},
		MovieExtend: &mp4io.MovieExtend{},
	}
	for _, stream := range described {
		stream.inInit = true
		moov.Tracks = append(moov.Tracks, stream.trackAtom(self.now, true, 0))
		moov.MovieExtend.Tracks = append(moov.MovieExtend.Tracks, &mp4io.TrackExtend{
			TrackId:              stream.trackId,
			DefaultSampleDescIdx: 1,
		})
	}
	moov.Header.NextTrackId = self.nextTrackId()

	b, err := mp4io.Marshal(self.fileType())
	var mb []byte
	if err == nil {
		mb, err = mp4io.Marshal(moov)
	}
	if err != nil {
		self.Logger.WithError(err).Error("mp4: init segment")
		return
	}
	b = append(b, mb...)
	self.initDone = true
	self.initDirty = false
	self.Logger.WithFields(logrus.Fields{
		"tracks":  len(moov.Tracks),
		"pending": len(self.live()) - len(moov.Tracks),
	}).Debug("mp4: init segment written")
	return []av.Packet{self.packet(b, 0, av.PacketUnknown, -1)}
}

func (self *Muxer) nextTrackId() uint32 {
	return uint32(len(self.streams) + 1)
}

// flushFragment writes the committed samples of every track as moof+mdat.
func (self *Muxer) flushFragment() (pkts []av.Packet) {
	if !self.fragmentPending() {
		return
	}
	if pkts = self.emitInit(true); !self.initDone {
		return
	}
	self.seqnum++
	moof := &mp4io.MovieFrag{Header: &mp4io.MovieFragHeader{Seqnum: self.seqnum}}
	mdat := mp4io.MediaData{}

	type syncRef struct {
		stream *Stream
		entry  mp4io.TFRAEntry
	}
	var refs []syncRef
	var runs []*mp4io.TrackFragRun
	var offsets []int32
	offset := int32(0)
	var tm time.Duration
	primary := self.primary()

	for _, stream := range self.live() {
		if !stream.inInit {
			continue
		}
		found := false
		for _, r := range stream.runs {
			trun := &mp4io.TrackFragRun{
				Flags: mp4io.TRUN_DATA_OFFSET | mp4io.TRUN_SAMPLE_DURATION | mp4io.TRUN_SAMPLE_SIZE |
					mp4io.TRUN_SAMPLE_FLAGS | mp4io.TRUN_SAMPLE_CTS,
			}
			traf := &mp4io.TrackFrag{
				Header: &mp4io.TrackFragHeader{
					Flags:   mp4io.TFHD_DEFAULT_BASE_IS_MOOF | mp4io.TFHD_STSD_ID,
					TrackId: stream.trackId,
					StsdId:  r.descId,
				},
				DecodeTime: &mp4io.TrackFragDecodeTime{Time: uint64(r.samples[0].dts)},
				Run:        trun,
			}
			moof.Tracks = append(moof.Tracks, traf)
			offsets = append(offsets, offset)
			runs = append(runs, trun)
			for i, s := range r.samples {
				trun.Entries = append(trun.Entries, mp4io.TrackFragRunEntry{
					Duration: s.duration,
					Size:     uint32(len(s.data)),
					Flags:    stream.sampleFlags(s),
					Cts:      s.cts,
				})
				mdat.Data = append(mdat.Data, s.data)
				offset += int32(len(s.data))
				if !found && stream.isSync(s) {
					found = true
					refs = append(refs, syncRef{stream, mp4io.TFRAEntry{
						Time:         uint64(s.dts),
						MoofOffset:   uint64(self.pos),
						TrafNumber:   uint32(len(moof.Tracks)),
						TrunNumber:   1,
						SampleNumber: uint32(i + 1),
					}})
				}
			}
			if stream == primary && tm == 0 {
				tm = stream.tsToTime(r.samples[0].dts)
			}
		}
		stream.runs = nil
	}

	moofLen := int32(moof.Len())
	for i, trun := range runs {
		trun.DataOffset = moofLen + 8 + offsets[i]
	}
	for _, ref := range refs {
		ref.stream.tfra = append(ref.stream.tfra, ref.entry)
	}

	b := make([]byte, int(moofLen)+mdat.Len())
	n := moof.Marshal(b)
	mdat.Marshal(b[n:])
	self.fragHas = false
	self.Logger.WithFields(logrus.Fields{"seq": self.seqnum, "bytes": len(b)}).Debug("mp4: fragment flushed")
	pkts = append(pkts, self.packet(b, tm, av.PacketUnknown, -1))
	return
}

// StopStream flushes the open chunk or fragment and writes the trailer:
// moov for flat files, mfra for fragmented ones.
func (self *Muxer) StopStream() (err error) {
	self.mu.Lock()
	if !self.started {
		self.mu.Unlock()
		return av.ProtocolViolationf("mp4: stop before start")
	}
	var pkts []av.Packet
	for _, stream := range self.live() {
		if p := stream.pending; p != nil {
			p.duration = stream.fallbackDuration()
			stream.pending = nil
			pkts = append(pkts, self.commit(stream, p)...)
		}
	}

	var trailer mp4io.Box
	if self.Fragmented {
		pkts = append(pkts, self.flushFragment()...)
		if self.initDone {
			trailer, err = self.randomAccess()
		}
		if n := self.unwritten(); n > 0 {
			self.Logger.WithField("samples", n).Warn("mp4: samples discarded at stop")
			if err == nil {
				err = av.Framingf("mp4: %d samples discarded at stop", n)
			}
		}
	} else {
		for _, stream := range self.live() {
			if len(stream.chunk) > 0 {
				pkts = append(pkts, self.flushChunk(stream))
			}
		}
		trailer = self.movie()
	}
	if err == nil && trailer != nil {
		var b []byte
		if b, err = mp4io.Marshal(trailer); err == nil {
			pkts = append(pkts, self.packet(b, 0, av.PacketUnknown, -1))
		}
	}
	self.started = false
	self.Logger.WithField("bytes", self.pos).Info("mp4: stream stopped")
	return self.emitter.Emit(&self.mu, pkts, err)
}

// unwritten counts committed samples no fragment could carry.
func (self *Muxer) unwritten() (n int) {
	for _, stream := range self.live() {
		for _, r := range stream.runs {
			n += len(r.samples)
		}
		stream.runs = nil
	}
	return
}

func (self *Muxer) randomAccess() (mfra *mp4io.MovieFragRandomAccess, err error) {
	mfra = &mp4io.MovieFragRandomAccess{Offset: &mp4io.MovieFragRandomAccessOffset{}}
	for _, stream := range self.live() {
		if !stream.inInit {
			continue
		}
		wide := false
		for _, e := range stream.tfra {
			if e.Time > math.MaxUint32 || e.MoofOffset > math.MaxUint32 {
				wide = true
			}
		}
		for i := range stream.tfra {
			stream.tfra[i].TimeWide = wide
			stream.tfra[i].OffsetWide = wide
		}
		var tfra *mp4io.TrackFragRandomAccess
		if tfra, err = mp4io.NewTrackFragRandomAccess(stream.trackId, stream.tfra); err != nil {
			return
		}
		mfra.Tracks = append(mfra.Tracks, tfra)
	}
	return
}

func (self *Muxer) movie() *mp4io.Movie {
	moov := &mp4io.Movie{
		Header: &mp4io.MovieHeader{
			CreateTime:  self.now,
			ModifyTime:  self.now,
			TimeScale:   movieTimeScale,
			NextTrackId: self.nextTrackId(),
		},
	}
	for _, stream := range self.live() {
		if !stream.started {
			continue
		}
		delay := uint64(timeToTs(stream.tsToTime(stream.firstDTS), movieTimeScale))
		dur := uint64(timeToTs(stream.tsToTime(stream.duration), movieTimeScale))
		track := stream.trackAtom(self.now, false, delay+dur)
		if delay > 0 {
			track.Edit = &mp4io.EditList{Entries: []mp4io.EditListEntry{
				{SegmentDuration: delay, MediaTime: -1, MediaRate: 1},
				{SegmentDuration: dur, MediaTime: 0, MediaRate: 1},
			}}
		}
		if total := delay + dur; total > moov.Header.Duration {
			moov.Header.Duration = total
		}
		moov.Tracks = append(moov.Tracks, track)
	}
	return moov
}
