// Package av defines the basic data structures shared by the elementary stream framers and the container muxers.
package av

import (
	"fmt"
	"strings"
	"time"
)

// Audio sample format. Only the bit depth is carried into container headers.
type SampleFormat uint8

const (
	U8  = SampleFormat(iota + 1) // 8-bit unsigned integer
	S16                          // signed 16-bit integer
	S24                          // signed 24-bit integer
	S32                          // signed 32-bit integer
	FLT                          // 32-bit float
)

func (self SampleFormat) BytesPerSample() int {
	switch self {
	case U8:
		return 1
	case S16:
		return 2
	case S24:
		return 3
	case S32, FLT:
		return 4
	default:
		return 0
	}
}

func (self SampleFormat) BitDepth() int {
	return self.BytesPerSample() * 8
}

func (self SampleFormat) String() string {
	switch self {
	case U8:
		return "U8"
	case S16:
		return "S16"
	case S24:
		return "S24"
	case S32:
		return "S32"
	case FLT:
		return "FLT"
	default:
		return "?"
	}
}

// Audio channel layout.
type ChannelLayout uint16

func (self ChannelLayout) String() string {
	return fmt.Sprintf("%dch", self.Count())
}

const (
	CH_FRONT_CENTER = ChannelLayout(1 << iota)
	CH_FRONT_LEFT
	CH_FRONT_RIGHT
	CH_BACK_CENTER
	CH_BACK_LEFT
	CH_BACK_RIGHT
	CH_SIDE_LEFT
	CH_SIDE_RIGHT
	CH_LOW_FREQ
	CH_NR

	CH_MONO     = ChannelLayout(CH_FRONT_CENTER)
	CH_STEREO   = ChannelLayout(CH_FRONT_LEFT | CH_FRONT_RIGHT)
	CH_2_1      = ChannelLayout(CH_STEREO | CH_BACK_CENTER)
	CH_2POINT1  = ChannelLayout(CH_STEREO | CH_LOW_FREQ)
	CH_SURROUND = ChannelLayout(CH_STEREO | CH_FRONT_CENTER)
	CH_3POINT1  = ChannelLayout(CH_SURROUND | CH_LOW_FREQ)
	CH_4POINT0  = ChannelLayout(CH_SURROUND | CH_BACK_CENTER)
	CH_5POINT0  = ChannelLayout(CH_SURROUND | CH_BACK_LEFT | CH_BACK_RIGHT)
	CH_5POINT1  = ChannelLayout(CH_5POINT0 | CH_LOW_FREQ)
	CH_7POINT1  = ChannelLayout(CH_5POINT1 | CH_SIDE_LEFT | CH_SIDE_RIGHT)
)

func (self ChannelLayout) Count() (n int) {
	for self != 0 {
		n++
		self = (self - 1) & self
	}
	return
}

// ChannelLayoutFromCount returns the conventional layout for n channels.
func ChannelLayoutFromCount(n int) ChannelLayout {
	switch n {
	case 1:
		return CH_MONO
	case 2:
		return CH_STEREO
	case 3:
		return CH_SURROUND
	case 4:
		return CH_4POINT0
	case 5:
		return CH_5POINT0
	case 6:
		return CH_5POINT1
	case 8:
		return CH_7POINT1
	}
	var l ChannelLayout
	for i := 0; i < n && i < 10; i++ {
		l |= ChannelLayout(1 << uint(i))
	}
	return l
}

// Video/Audio codec type.
type CodecType uint32

var (
	H264 = MakeVideoCodecType(avCodecTypeMagic + 1)
	H265 = MakeVideoCodecType(avCodecTypeMagic + 2)
	VP9  = MakeVideoCodecType(avCodecTypeMagic + 3)
	AV1  = MakeVideoCodecType(avCodecTypeMagic + 4)
	H263 = MakeVideoCodecType(avCodecTypeMagic + 5)
	AAC  = MakeAudioCodecType(avCodecTypeMagic + 1)
)

const codecTypeAudioBit = 0x1
const codecTypeOtherBits = 1

func (self CodecType) String() string {
	switch self {
	case H264:
		return "H264"
	case H265:
		return "H265"
	case VP9:
		return "VP9"
	case AV1:
		return "AV1"
	case H263:
		return "H263"
	case AAC:
		return "AAC"
	}
	return ""
}

func (self CodecType) IsAudio() bool {
	return self&codecTypeAudioBit != 0
}

func (self CodecType) IsVideo() bool {
	return self&codecTypeAudioBit == 0
}

// Make a new audio codec type.
func MakeAudioCodecType(base uint32) (c CodecType) {
	c = CodecType(base)<<codecTypeOtherBits | CodecType(codecTypeAudioBit)
	return
}

// Make a new video codec type.
func MakeVideoCodecType(base uint32) (c CodecType) {
	c = CodecType(base) << codecTypeOtherBits
	return
}

const avCodecTypeMagic = 233333

// Mime types accepted in StreamConfig.
const (
	MimeAVC  = "video/avc"
	MimeHEVC = "video/hevc"
	MimeVP9  = "video/x-vnd.on2.vp9"
	MimeAV1  = "video/av01"
	MimeH263 = "video/3gpp"
	MimeAAC  = "audio/mp4a-latm"
)

var mimeCodecs = map[string]CodecType{
	MimeAVC:  H264,
	MimeHEVC: H265,
	MimeVP9:  VP9,
	MimeAV1:  AV1,
	MimeH263: H263,
	MimeAAC:  AAC,
}

// MimeToCodecType maps a mime type to its codec. Matching is case-insensitive.
func MimeToCodecType(mime string) (CodecType, error) {
	if c, ok := mimeCodecs[strings.ToLower(mime)]; ok {
		return c, nil
	}
	return 0, Configurationf("av: unsupported mime type %q", mime)
}

type MediaKind uint8

const (
	Unknown MediaKind = iota
	Audio
	Video
)

func (self MediaKind) String() string {
	switch self {
	case Audio:
		return "audio"
	case Video:
		return "video"
	}
	return "unknown"
}

type DynamicRange uint8

const (
	SDR DynamicRange = iota
	HDR10
	HLG
)

type VideoParams struct {
	Width, Height int
	FrameRate     int
	DynamicRange  DynamicRange
	Profile       int
	Level         int
}

type AudioParams struct {
	SampleRate    int
	ChannelLayout ChannelLayout
	SampleFormat  SampleFormat
}

// StreamConfig describes one elementary stream. It is registered once with
// Muxer.AddStream and never changes afterwards.
type StreamConfig struct {
	Kind    MediaKind
	Mime    string
	Bitrate int // bits per second, 0 if unknown
	Video   VideoParams
	Audio   AudioParams
}

func NewVideoConfig(mime string, width, height, fps int) StreamConfig {
	return StreamConfig{
		Kind:  Video,
		Mime:  mime,
		Video: VideoParams{Width: width, Height: height, FrameRate: fps},
	}
}

func NewAudioConfig(mime string, sampleRate int, layout ChannelLayout, format SampleFormat) StreamConfig {
	return StreamConfig{
		Kind:  Audio,
		Mime:  mime,
		Audio: AudioParams{SampleRate: sampleRate, ChannelLayout: layout, SampleFormat: format},
	}
}

func (self StreamConfig) CodecType() (CodecType, error) {
	return MimeToCodecType(self.Mime)
}

// Validate checks that the mime type is known, matches the media kind and
// that the codec parameters are usable.
func (self StreamConfig) Validate() error {
	codec, err := self.CodecType()
	if err != nil {
		return err
	}
	switch self.Kind {
	case Video:
		if !codec.IsVideo() {
			return Configurationf("av: %s is not a video codec", self.Mime)
		}
		if self.Video.Width <= 0 || self.Video.Height <= 0 {
			return Configurationf("av: invalid resolution %dx%d", self.Video.Width, self.Video.Height)
		}
		if self.Video.FrameRate <= 0 {
			return Configurationf("av: invalid frame rate %d", self.Video.FrameRate)
		}
	case Audio:
		if !codec.IsAudio() {
			return Configurationf("av: %s is not an audio codec", self.Mime)
		}
		if self.Audio.SampleRate <= 0 {
			return Configurationf("av: invalid sample rate %d", self.Audio.SampleRate)
		}
		if self.Audio.ChannelLayout.Count() == 0 {
			return Configurationf("av: empty channel layout")
		}
	default:
		return Configurationf("av: stream kind must be audio or video")
	}
	return nil
}

// Frame is one encoded access unit.
type Frame struct {
	IsKeyFrame bool
	PTS        time.Duration // presentation time
	DTS        time.Duration // decode time, valid if HasDTS
	HasDTS     bool
	Data       []byte   // compressed payload
	Extra      [][]byte // codec configuration, e.g. SPS/PPS or AudioSpecificConfig
}

// DecodeTime returns DTS if present, otherwise PTS.
func (self Frame) DecodeTime() time.Duration {
	if self.HasDTS {
		return self.DTS
	}
	return self.PTS
}

// CompositionTime is PTS - DTS.
func (self Frame) CompositionTime() time.Duration {
	return self.PTS - self.DecodeTime()
}

type PacketType uint8

const (
	PacketUnknown PacketType = iota
	PacketAudio
	PacketVideo
)

func (self PacketType) String() string {
	switch self {
	case PacketAudio:
		return "audio"
	case PacketVideo:
		return "video"
	}
	return "unknown"
}

// PacketTypeOf maps a stream kind to the packet type tag.
func PacketTypeOf(kind MediaKind) PacketType {
	switch kind {
	case Audio:
		return PacketAudio
	case Video:
		return PacketVideo
	}
	return PacketUnknown
}

// Packet is a finished byte range handed to a PacketSink.
type Packet struct {
	Data   []byte
	Time   time.Duration
	Type   PacketType
	Stream int // originating stream, -1 for container-level data
}

// PacketSink consumes muxer output. For file sinks the packets form an
// append-only byte stream.
type PacketSink interface {
	WritePacket(Packet) error
}

type PacketSinkFunc func(Packet) error

func (self PacketSinkFunc) WritePacket(pkt Packet) error {
	return self(pkt)
}

// FrameReader produces frames for muxing, tagged with the index of the
// stream they belong to in the reader's own Streams list.
type FrameReader interface {
	Streams() ([]StreamConfig, error)
	ReadFrame() (int, Frame, error)
}

// Muxer is implemented by every container writer.
type Muxer interface {
	AddStream(StreamConfig) (int, error)
	RemoveStream(int) error
	Write(Frame, int) error
	StartStream() error
	StopStream() error
}
