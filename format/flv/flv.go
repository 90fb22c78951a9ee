// Package flv writes FLV files: an optional file header, the onMetaData
// script tag, then one audio or video tag per frame with sequence header
// tags ahead of key frames.
package flv

import (
	"bytes"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tyrese/avmux/av"
	"github.com/tyrese/avmux/av/avutil"
	"github.com/tyrese/avmux/codec"
	"github.com/tyrese/avmux/codec/aacparser"
	"github.com/tyrese/avmux/codec/h264parser"
	"github.com/tyrese/avmux/format/flv/flvio"
)

var CodecTypes = []av.CodecType{av.H264, av.H265, av.VP9, av.AV1, av.H263, av.AAC}

type Options struct {
	// repeat the sequence header before every video key frame
	AlsoWriteSequenceHeader bool
	WriteFileHeader         bool
}

func DefaultOptions() Options {
	return Options{
		AlsoWriteSequenceHeader: true,
		WriteFileHeader:         true,
	}
}

type Stream struct {
	av.StreamConfig
	codec av.CodecType
	idx   int

	seqhdr  []byte // decoder configuration record, nil until known
	seqSent bool
	aac     aacparser.CodecData
}

// reset rebuilds what can be derived from the stream config alone.
func (self *Stream) reset() (err error) {
	self.seqhdr = nil
	self.seqSent = false
	switch self.codec {
	case av.AAC:
		if self.aac, err = aacparser.NewCodecDataFromStream(self.StreamConfig, nil); err != nil {
			return av.Configurationf("flv: %v", err)
		}
		self.seqhdr = self.aac.MPEG4AudioConfigBytes()
	case av.VP9:
		self.seqhdr = VPCodecConfigurationRecord(self.StreamConfig)
	}
	return
}

// setSeqhdr reports whether the record differs from the current one.
func (self *Stream) setSeqhdr(b []byte) bool {
	if bytes.Equal(self.seqhdr, b) {
		return false
	}
	self.seqhdr = b
	return true
}

func (self *Stream) needsSeqhdr() bool {
	return self.codec != av.H263
}

// VPCodecConfigurationRecord builds a vpcC payload (FullBox version and
// flags included) for 4:2:0 content described by cfg.
func VPCodecConfigurationRecord(cfg av.StreamConfig) []byte {
	profile := cfg.Video.Profile
	bitDepth := 8
	primaries, transfer, matrix := 1, 1, 1 // BT.709
	switch cfg.Video.DynamicRange {
	case av.HDR10:
		bitDepth = 10
		primaries, transfer, matrix = 9, 16, 9 // BT.2020, PQ
	case av.HLG:
		bitDepth = 10
		primaries, transfer, matrix = 9, 18, 9
	}
	if bitDepth > 8 && profile < 2 {
		profile = 2
	}
	level := cfg.Video.Level
	if level == 0 {
		level = 10
	}
	const chromaSubsampling = 1 // 4:2:0 colocated with luma
	return []byte{
		1, 0, 0, 0,
		byte(profile),
		byte(level),
		byte(bitDepth<<4 | chromaSubsampling<<1),
		byte(primaries),
		byte(transfer),
		byte(matrix),
		0, 0, // codecInitializationDataSize
	}
}

type Muxer struct {
	Options
	Logger logrus.FieldLogger

	mu      sync.Mutex
	emitter *av.Emitter
	streams []*Stream // nil once removed

	started   bool
	origin    time.Duration
	hasOrigin bool
}

func NewMuxer(sink av.PacketSink, opts Options) *Muxer {
	return &Muxer{
		Options: opts,
		Logger:  logrus.WithField("format", "flv"),
		emitter: av.NewEmitter(sink),
	}
}

func (self *Muxer) AddStream(cfg av.StreamConfig) (idx int, err error) {
	if err = cfg.Validate(); err != nil {
		return
	}
	typ, _ := cfg.CodecType()
	supported := false
	for _, c := range CodecTypes {
		if c == typ {
			supported = true
		}
	}
	if !supported {
		err = av.Configurationf("flv: codec %v is not supported", typ)
		return
	}

	self.mu.Lock()
	defer self.mu.Unlock()

	if self.started {
		err = av.ProtocolViolationf("flv: streams must be added before start")
		return
	}
	if self.kind(cfg.Kind) != nil {
		err = av.Configurationf("flv: only one %v stream is allowed", cfg.Kind)
		return
	}

	idx = len(self.streams)
	stream := &Stream{StreamConfig: cfg, codec: typ, idx: idx}
	if err = stream.reset(); err != nil {
		return
	}
	self.streams = append(self.streams, stream)
	self.Logger.WithFields(logrus.Fields{"stream": idx, "codec": typ}).Debug("flv: stream added")
	return
}

func (self *Muxer) RemoveStream(idx int) error {
	self.mu.Lock()
	defer self.mu.Unlock()
	if _, err := self.stream(idx); err != nil {
		return err
	}
	if self.started {
		return av.ProtocolViolationf("flv: stream %d cannot be removed while streaming", idx)
	}
	self.streams[idx] = nil
	return nil
}

func (self *Muxer) stream(idx int) (*Stream, error) {
	if idx < 0 || idx >= len(self.streams) || self.streams[idx] == nil {
		return nil, av.ProtocolViolationf("flv: unknown stream %d", idx)
	}
	return self.streams[idx], nil
}

func (self *Muxer) kind(kind av.MediaKind) *Stream {
	for _, stream := range self.streams {
		if stream != nil && stream.Kind == kind {
			return stream
		}
	}
	return nil
}

func (self *Muxer) StartStream() (err error) {
	self.mu.Lock()
	if self.started {
		self.mu.Unlock()
		return av.ProtocolViolationf("flv: already started")
	}
	self.started = true
	self.hasOrigin = false
	for _, stream := range self.streams {
		if stream != nil {
			if err = stream.reset(); err != nil {
				break
			}
		}
	}

	var pkts []av.Packet
	if err == nil {
		if self.WriteFileHeader {
			var flags uint8
			if self.kind(av.Audio) != nil {
				flags |= flvio.FILE_HAS_AUDIO
			}
			if self.kind(av.Video) != nil {
				flags |= flvio.FILE_HAS_VIDEO
			}
			b := make([]byte, flvio.FileHeaderLength)
			flvio.FillFileHeader(b, flags)
			pkts = append(pkts, av.Packet{Data: b, Type: av.PacketUnknown, Stream: -1})
		}
		meta := flvio.Tag{
			Type: flvio.TAG_SCRIPTDATA,
			Data: flvio.MarshalAMF0Vals("onMetaData", self.metadata()),
		}
		pkts = append(pkts, av.Packet{Data: flvio.MarshalTag(meta, 0), Type: av.PacketUnknown, Stream: -1})
		self.Logger.Info("flv: stream started")
	}
	return self.emitter.Emit(&self.mu, pkts, err)
}

func (self *Muxer) StopStream() error {
	self.mu.Lock()
	defer self.mu.Unlock()
	if !self.started {
		return av.ProtocolViolationf("flv: not started")
	}
	self.started = false
	self.Logger.Info("flv: stream stopped")
	return nil
}

func kv(key string, value interface{}) flvio.AMFKV {
	return flvio.AMFKV{Key: key, Value: value}
}

func videoCodecId(typ av.CodecType) float64 {
	switch typ {
	case av.H264:
		return flvio.VIDEO_H264
	case av.H263:
		return flvio.VIDEO_H263
	}
	return float64(fourCC(typ))
}

func fourCC(typ av.CodecType) uint32 {
	switch typ {
	case av.H265:
		return flvio.FOURCC_HEVC
	case av.VP9:
		return flvio.FOURCC_VP9
	case av.AV1:
		return flvio.FOURCC_AV1
	}
	return 0
}

func (self *Muxer) metadata() flvio.AMFECMAArray {
	meta := flvio.AMFECMAArray{kv("duration", 0.0)}
	if stream := self.kind(av.Video); stream != nil {
		meta = append(meta,
			kv("width", float64(stream.Video.Width)),
			kv("height", float64(stream.Video.Height)),
			kv("framerate", float64(stream.Video.FrameRate)),
			kv("videodatarate", float64(stream.Bitrate)/1000),
			kv("videocodecid", videoCodecId(stream.codec)),
		)
	}
	if stream := self.kind(av.Audio); stream != nil {
		size := stream.Audio.SampleFormat.BitDepth()
		if size == 0 {
			size = 16
		}
		meta = append(meta,
			kv("audiodatarate", float64(stream.Bitrate)/1000),
			kv("audiosamplerate", float64(stream.Audio.SampleRate)),
			kv("audiosamplesize", float64(size)),
			kv("stereo", stream.Audio.ChannelLayout.Count() >= 2),
			kv("audiocodecid", float64(flvio.SOUND_AAC)),
		)
	}
	return meta
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

// timeToTs rounds to the nearest millisecond.
func timeToTs(tm time.Duration) int32 {
	if tm < 0 {
		return -flvio.TimeToTs(-tm + time.Millisecond/2)
	}
	return flvio.TimeToTs(tm + time.Millisecond/2)
}

func (self *Muxer) write(frame av.Frame, idx int) (pkts []av.Packet, err error) {
	if !self.started {
		err = av.ProtocolViolationf("flv: write before start")
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
		err = self.drop(idx, frame, av.Framingf("flv: stream %d decode time %v precedes the session origin", idx, frame.DecodeTime()))
		return
	}

	var data []byte
	changed := false
	switch stream.codec {
	case av.H264, av.H265:
		var nalus [][]byte
		if nalus, err = codec.SplitAccessUnit(frame.Data); err != nil {
			err = self.drop(idx, frame, err)
			return
		}
		vcl, params := codec.SplitVCL(stream.codec, nalus)
		if frame.IsKeyFrame && (len(frame.Extra) > 0 || len(params) > 0) {
			var conf codec.VideoCodecData
			if conf, err = codec.ParseVideoCodecData(stream.codec, frame.Extra, params); err != nil {
				err = self.drop(idx, frame, err)
				return
			}
			changed = stream.setSeqhdr(conf.Record)
		}
		if len(vcl) > 0 {
			data = h264parser.JoinAVCC(vcl)
		}

	case av.VP9, av.AV1:
		if frame.IsKeyFrame && len(frame.Extra) > 0 && len(frame.Extra[0]) > 0 {
			changed = stream.setSeqhdr(frame.Extra[0])
		}
		data = frame.Data

	case av.H263:
		data = frame.Data

	case av.AAC:
		data = codec.StripADTS(frame.Data)
		if len(frame.Extra) > 0 {
			var aac aacparser.CodecData
			if aac, err = aacparser.NewCodecDataFromStream(stream.StreamConfig, frame.Extra); err != nil {
				err = self.drop(idx, frame, av.Framingf("flv: stream %d: %v", idx, err))
				return
			}
			stream.aac = aac
			changed = stream.setSeqhdr(aac.MPEG4AudioConfigBytes())
		}
	}
	if len(data) == 0 {
		err = self.drop(idx, frame, av.Framingf("flv: stream %d frame carries no payload", idx))
		return
	}
	if stream.needsSeqhdr() && stream.seqhdr == nil {
		err = self.drop(idx, frame, av.Framingf("flv: stream %d has no decoder configuration yet", idx))
		return
	}

	if !self.hasOrigin {
		self.origin = origin
		self.hasOrigin = true
	}
	ts := timeToTs(rel)
	typ := av.PacketTypeOf(stream.Kind)

	if stream.needsSeqhdr() {
		resend := !stream.seqSent || changed
		if stream.Kind == av.Video && frame.IsKeyFrame && self.AlsoWriteSequenceHeader {
			resend = true
		}
		if resend {
			tag := self.seqhdrTag(stream)
			pkts = append(pkts, av.Packet{Data: flvio.MarshalTag(tag, ts), Time: rel, Type: typ, Stream: idx})
			stream.seqSent = true
		}
	}

	tag := self.frameTag(stream, frame, data)
	pkts = append(pkts, av.Packet{Data: flvio.MarshalTag(tag, ts), Time: rel, Type: typ, Stream: idx})
	return
}

func (self *Muxer) audioTag(stream *Stream, pktType uint8, data []byte) flvio.Tag {
	tag := flvio.Tag{
		Type:          flvio.TAG_AUDIO,
		SoundFormat:   flvio.SOUND_AAC,
		SoundRate:     flvio.SOUND_44Khz,
		SoundSize:     flvio.SOUND_16BIT,
		SoundType:     flvio.SOUND_STEREO,
		AACPacketType: pktType,
		Data:          data,
	}
	if stream.Audio.SampleFormat.BytesPerSample() == 1 {
		tag.SoundSize = flvio.SOUND_8BIT
	}
	if stream.aac.ChannelLayout().Count() == 1 {
		tag.SoundType = flvio.SOUND_MONO
	}
	return tag
}

func (self *Muxer) seqhdrTag(stream *Stream) flvio.Tag {
	switch stream.codec {
	case av.AAC:
		return self.audioTag(stream, flvio.AAC_SEQHDR, stream.seqhdr)
	case av.H264:
		return flvio.Tag{
			Type:          flvio.TAG_VIDEO,
			FrameType:     flvio.FRAME_KEY,
			CodecID:       flvio.VIDEO_H264,
			AVCPacketType: flvio.AVC_SEQHDR,
			Data:          stream.seqhdr,
		}
	}
	return flvio.Tag{
		Type:       flvio.TAG_VIDEO,
		IsExHeader: true,
		FrameType:  flvio.FRAME_KEY,
		PacketType: flvio.PKTTYPE_SEQUENCE_START,
		FourCC:     fourCC(stream.codec),
		Data:       stream.seqhdr,
	}
}

func (self *Muxer) frameTag(stream *Stream, frame av.Frame, data []byte) flvio.Tag {
	if stream.codec == av.AAC {
		return self.audioTag(stream, flvio.AAC_RAW, data)
	}

	frameType := uint8(flvio.FRAME_INTER)
	if frame.IsKeyFrame {
		frameType = flvio.FRAME_KEY
	}
	cts := timeToTs(frame.CompositionTime())

	switch stream.codec {
	case av.H264:
		return flvio.Tag{
			Type:            flvio.TAG_VIDEO,
			FrameType:       frameType,
			CodecID:         flvio.VIDEO_H264,
			AVCPacketType:   flvio.AVC_NALU,
			CompositionTime: cts,
			Data:            data,
		}
	case av.H263:
		return flvio.Tag{
			Type:      flvio.TAG_VIDEO,
			FrameType: frameType,
			CodecID:   flvio.VIDEO_H263,
			Data:      data,
		}
	}
	return flvio.Tag{
		Type:            flvio.TAG_VIDEO,
		IsExHeader:      true,
		FrameType:       frameType,
		PacketType:      flvio.PKTTYPE_CODED_FRAMES,
		FourCC:          fourCC(stream.codec),
		CompositionTime: cts,
		Data:            data,
	}
}

func Handler(opts Options) func(*avutil.RegisterHandler) {
	return func(h *avutil.RegisterHandler) {
		h.Ext = ".flv"

		h.Sniff = func(b []byte) bool {
			return len(b) > 3 && b[0] == 'F' && b[1] == 'L' && b[2] == 'V' && b[3] == 1
		}

		h.SinkMuxer = func(sink av.PacketSink) av.Muxer {
			return NewMuxer(sink, opts)
		}

		h.CodecTypes = CodecTypes
	}
}
