package flv

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tyrese/avmux/av"
	"github.com/tyrese/avmux/av/avutil"
	"github.com/tyrese/avmux/codec"
	"github.com/tyrese/avmux/format/flv/flvio"
	"github.com/tyrese/avmux/internal/avtest"
)

func newTestMuxer(opts Options) (*Muxer, *avutil.MemorySink) {
	sink := &avutil.MemorySink{}
	return NewMuxer(sink, opts), sink
}

type parsedTag struct {
	flvio.Tag
	ts  int32
	raw []byte
}

func parseTags(t *testing.T, b []byte) (tags []parsedTag) {
	for len(b) > 0 {
		tag, ts, n, err := flvio.ParseTag(b)
		require.NoError(t, err)
		tags = append(tags, parsedTag{tag, ts, b[:n]})
		b = b[n:]
	}
	return
}

func videoTags(tags []parsedTag) (r []parsedTag) {
	for _, tag := range tags {
		if tag.Type == flvio.TAG_VIDEO {
			r = append(r, tag)
		}
	}
	return
}

func TestOneStreamPerKind(t *testing.T) {
	m, _ := newTestMuxer(DefaultOptions())
	_, err := m.AddStream(av.NewVideoConfig(av.MimeAVC, 320, 240, 30))
	require.NoError(t, err)
	_, err = m.AddStream(av.NewVideoConfig(av.MimeHEVC, 320, 240, 30))
	assert.True(t, errors.Is(err, av.ErrConfiguration))

	_, err = m.AddStream(av.NewAudioConfig(av.MimeAAC, 44100, av.CH_STEREO, av.S16))
	require.NoError(t, err)
	_, err = m.AddStream(av.NewAudioConfig(av.MimeAAC, 48000, av.CH_MONO, av.S16))
	assert.True(t, errors.Is(err, av.ErrConfiguration))

	_, err = m.AddStream(av.NewVideoConfig("video/mp4v-es", 320, 240, 30))
	assert.True(t, errors.Is(err, av.ErrConfiguration))
}

func TestRemovedStreamFreesItsSlot(t *testing.T) {
	m, _ := newTestMuxer(DefaultOptions())
	vi, err := m.AddStream(av.NewVideoConfig(av.MimeAVC, 320, 240, 30))
	require.NoError(t, err)
	require.NoError(t, m.RemoveStream(vi))
	_, err = m.AddStream(av.NewVideoConfig(av.MimeVP9, 320, 240, 30))
	assert.NoError(t, err)
}

func TestMetadataIsFirstTag(t *testing.T) {
	m, sink := newTestMuxer(DefaultOptions())
	vcfg := av.NewVideoConfig(av.MimeAVC, 320, 240, 30)
	vcfg.Bitrate = 800000
	_, err := m.AddStream(vcfg)
	require.NoError(t, err)
	_, err = m.AddStream(av.NewAudioConfig(av.MimeAAC, 44100, av.CH_STEREO, av.S16))
	require.NoError(t, err)
	require.NoError(t, m.StartStream())

	pkts := sink.Packets()
	require.Len(t, pkts, 2)
	flags, skip, err := flvio.ParseFileHeader(pkts[0].Data)
	require.NoError(t, err)
	assert.Equal(t, 0, skip)
	assert.EqualValues(t, flvio.FILE_HAS_AUDIO|flvio.FILE_HAS_VIDEO, flags)
	assert.Equal(t, []byte("FLV\x01"), pkts[0].Data[:4])

	tags := parseTags(t, pkts[1].Data)
	require.Len(t, tags, 1)
	require.EqualValues(t, flvio.TAG_SCRIPTDATA, tags[0].Type)
	vals, err := flvio.ParseAMF0Vals(tags[0].Data)
	require.NoError(t, err)
	require.Len(t, vals, 2)
	assert.Equal(t, "onMetaData", vals[0])

	meta, ok := vals[1].(flvio.AMFECMAArray)
	require.True(t, ok)
	assert.Equal(t, []string{
		"duration", "width", "height", "framerate", "videodatarate", "videocodecid",
		"audiodatarate", "audiosamplerate", "audiosamplesize", "stereo", "audiocodecid",
	}, meta.Keys())
	v, _ := meta.Get("width")
	assert.Equal(t, 320.0, v)
	v, _ = meta.Get("videodatarate")
	assert.Equal(t, 800.0, v)
	v, _ = meta.Get("videocodecid")
	assert.Equal(t, 7.0, v)
	v, _ = meta.Get("audiosamplerate")
	assert.Equal(t, 44100.0, v)
	v, _ = meta.Get("stereo")
	assert.Equal(t, true, v)
	v, _ = meta.Get("audiocodecid")
	assert.Equal(t, 10.0, v)
}

func TestNoFileHeader(t *testing.T) {
	m, sink := newTestMuxer(Options{})
	_, err := m.AddStream(av.NewAudioConfig(av.MimeAAC, 44100, av.CH_MONO, av.S16))
	require.NoError(t, err)
	require.NoError(t, m.StartStream())
	tags := parseTags(t, sink.Bytes())
	require.Len(t, tags, 1)
	assert.EqualValues(t, flvio.TAG_SCRIPTDATA, tags[0].Type)
}

func writeAV(t *testing.T, opts Options) []parsedTag {
	m, sink := newTestMuxer(opts)
	vi, err := m.AddStream(av.NewVideoConfig(av.MimeAVC, 320, 240, 30))
	require.NoError(t, err)
	ai, err := m.AddStream(av.NewAudioConfig(av.MimeAAC, 44100, av.CH_STEREO, av.S16))
	require.NoError(t, err)
	require.NoError(t, m.StartStream())
	idx := []int{vi, ai}
	for _, f := range avtest.Interleave(avtest.VideoFrames(10, 5, 30), avtest.AudioFrames(10, 44100)) {
		require.NoError(t, m.Write(f.Frame, idx[f.Stream]))
	}
	require.NoError(t, m.StopStream())
	return parseTags(t, sink.Bytes()[flvio.FileHeaderLength:])
}

func TestSequenceHeaders(t *testing.T) {
	tags := writeAV(t, DefaultOptions())
	require.EqualValues(t, flvio.TAG_SCRIPTDATA, tags[0].Type)

	var vseq, aseq, vframes, aframes int
	for _, tag := range tags[1:] {
		switch {
		case tag.Type == flvio.TAG_VIDEO && tag.AVCPacketType == flvio.AVC_SEQHDR:
			vseq++
		case tag.Type == flvio.TAG_VIDEO:
			vframes++
		case tag.AACPacketType == flvio.AAC_SEQHDR:
			aseq++
		default:
			aframes++
		}
	}
	assert.Equal(t, 2, vseq, "one per key frame")
	assert.Equal(t, 1, aseq)
	assert.Equal(t, 10, vframes)
	assert.Equal(t, 10, aframes)

	video := videoTags(tags)
	assert.EqualValues(t, flvio.AVC_SEQHDR, video[0].AVCPacketType)
	assert.EqualValues(t, flvio.FRAME_KEY, video[0].FrameType)
	conf, err := codec.ParseVideoCodecData(av.H264, nil, [][]byte{avtest.H264SPS(20, 15, 30), avtest.H264PPS})
	require.NoError(t, err)
	assert.Equal(t, conf.Record, video[0].Data)

	assert.EqualValues(t, flvio.AVC_NALU, video[1].AVCPacketType)
	assert.Equal(t, avtest.AVCC(avtest.H264Slice(true, 64)), video[1].Data, "parameter sets move to the sequence header")
	assert.EqualValues(t, flvio.FRAME_INTER, video[2].FrameType)
	assert.EqualValues(t, 33, video[2].ts)
	assert.EqualValues(t, 67, video[3].ts)
}

func TestSequenceHeaderOnlyOnce(t *testing.T) {
	tags := writeAV(t, Options{WriteFileHeader: true})
	vseq := 0
	for _, tag := range videoTags(tags) {
		if tag.AVCPacketType == flvio.AVC_SEQHDR {
			vseq++
		}
	}
	assert.Equal(t, 1, vseq)
}

func TestAudioTag(t *testing.T) {
	m, sink := newTestMuxer(Options{})
	ai, err := m.AddStream(av.NewAudioConfig(av.MimeAAC, 48000, av.CH_MONO, av.S16))
	require.NoError(t, err)
	require.NoError(t, m.StartStream())
	payload := []byte{1, 2, 3, 4}
	require.NoError(t, m.Write(av.Frame{IsKeyFrame: true, PTS: time.Second, Data: avtest.ADTS(48000, 1, payload)}, ai))
	require.NoError(t, m.Write(av.Frame{IsKeyFrame: true, PTS: time.Second + 21333*time.Microsecond, Data: payload}, ai))

	tags := parseTags(t, sink.Bytes())
	require.Len(t, tags, 4)
	assert.Equal(t, avtest.AudioSpecificConfig(48000, 1), tags[1].Data)
	// AAC, 44kHz, 16 bit, mono
	assert.EqualValues(t, 0xae, tags[1].raw[flvio.TagHeaderLength])
	assert.Equal(t, payload, tags[2].Data, "adts header stripped")
	assert.EqualValues(t, 0, tags[2].ts, "timestamps start at the first frame")
	assert.EqualValues(t, 21, tags[3].ts)
}

func TestExtendedHEVC(t *testing.T) {
	m, sink := newTestMuxer(Options{})
	vi, err := m.AddStream(av.NewVideoConfig(av.MimeHEVC, 1280, 720, 30))
	require.NoError(t, err)
	require.NoError(t, m.StartStream())

	sps := avtest.H265SPS(1280, 720)
	slice := avtest.H265Slice(true, 40)
	require.NoError(t, m.Write(av.Frame{
		IsKeyFrame: true,
		PTS:        100 * time.Millisecond,
		DTS:        0,
		HasDTS:     true,
		Data:       avtest.AnnexB(avtest.H265VPS, sps, avtest.H265PPS, slice),
	}, vi))

	tags := videoTags(parseTags(t, sink.Bytes()))
	require.Len(t, tags, 2)

	seq := tags[0].raw[flvio.TagHeaderLength:]
	assert.EqualValues(t, 0x90, seq[0], "ex header, key frame, sequence start")
	assert.Equal(t, "hvc1", string(seq[1:5]))
	conf, err := codec.ParseVideoCodecData(av.H265, nil, [][]byte{avtest.H265VPS, sps, avtest.H265PPS})
	require.NoError(t, err)
	assert.Equal(t, conf.Record, tags[0].Data)

	body := tags[1].raw[flvio.TagHeaderLength:]
	assert.EqualValues(t, 0x91, body[0], "ex header, key frame, coded frames")
	assert.Equal(t, "hvc1", string(body[1:5]))
	assert.Equal(t, []byte{0, 0, 100}, body[5:8])
	assert.EqualValues(t, 100, tags[1].CompositionTime)
	assert.Equal(t, avtest.AVCC(slice), tags[1].Data)
}

func TestExtendedVP9(t *testing.T) {
	m, sink := newTestMuxer(Options{})
	cfg := av.NewVideoConfig(av.MimeVP9, 640, 360, 30)
	cfg.Video.DynamicRange = av.HDR10
	vi, err := m.AddStream(cfg)
	require.NoError(t, err)
	require.NoError(t, m.StartStream())
	require.NoError(t, m.Write(av.Frame{IsKeyFrame: true, Data: []byte{0x82, 0x49, 0x83}}, vi))
	require.NoError(t, m.Write(av.Frame{PTS: time.Second / 30, Data: []byte{0x86}}, vi))

	tags := videoTags(parseTags(t, sink.Bytes()))
	require.Len(t, tags, 3)
	assert.True(t, tags[0].IsExHeader)
	assert.Equal(t, flvio.FOURCC_VP9, tags[0].FourCC)
	vpcc := tags[0].Data
	require.Len(t, vpcc, 12)
	assert.EqualValues(t, 1, vpcc[0], "version")
	assert.EqualValues(t, 2, vpcc[4], "10 bit needs profile 2")
	assert.EqualValues(t, 10<<4|1<<1, vpcc[6])
	assert.Equal(t, []byte{9, 16, 9}, vpcc[7:10])

	inter := tags[2].raw[flvio.TagHeaderLength:]
	assert.EqualValues(t, 0xa1, inter[0])
	assert.Equal(t, []byte{0x86}, inter[5:6], "no composition time outside hvc1")
}

func TestExtendedAV1NeedsConfig(t *testing.T) {
	m, sink := newTestMuxer(Options{})
	vi, err := m.AddStream(av.NewVideoConfig(av.MimeAV1, 640, 360, 30))
	require.NoError(t, err)
	require.NoError(t, m.StartStream())

	err = m.Write(av.Frame{IsKeyFrame: true, Data: []byte{0x12, 0x00}}, vi)
	assert.True(t, errors.Is(err, av.ErrFraming))

	av1C := []byte{0x81, 0x08, 0x0c, 0x00}
	require.NoError(t, m.Write(av.Frame{IsKeyFrame: true, Data: []byte{0x12, 0x00}, Extra: [][]byte{av1C}}, vi))
	tags := videoTags(parseTags(t, sink.Bytes()))
	require.Len(t, tags, 2)
	assert.Equal(t, flvio.FOURCC_AV1, tags[0].FourCC)
	assert.EqualValues(t, flvio.PKTTYPE_SEQUENCE_START, tags[0].PacketType)
	assert.Equal(t, av1C, tags[0].Data)
	assert.EqualValues(t, flvio.PKTTYPE_CODED_FRAMES, tags[1].PacketType)
}

func TestH263HasNoSequenceHeader(t *testing.T) {
	m, sink := newTestMuxer(Options{AlsoWriteSequenceHeader: true})
	vi, err := m.AddStream(av.NewVideoConfig(av.MimeH263, 176, 144, 15))
	require.NoError(t, err)
	require.NoError(t, m.StartStream())
	require.NoError(t, m.Write(av.Frame{IsKeyFrame: true, Data: []byte{0, 0, 0x80, 2}}, vi))

	tags := videoTags(parseTags(t, sink.Bytes()))
	require.Len(t, tags, 1)
	body := tags[0].raw[flvio.TagHeaderLength:]
	assert.EqualValues(t, 0x12, body[0])
	assert.Equal(t, []byte{0, 0, 0x80, 2}, body[1:len(body)-flvio.TagTrailerLength])
}

func TestProtocolViolations(t *testing.T) {
	m, _ := newTestMuxer(DefaultOptions())
	vi, err := m.AddStream(av.NewVideoConfig(av.MimeAVC, 320, 240, 30))
	require.NoError(t, err)

	assert.True(t, errors.Is(m.Write(avtest.VideoFrames(1, 1, 30)[0], vi), av.ErrProtocolViolation))
	assert.True(t, errors.Is(m.StopStream(), av.ErrProtocolViolation))
	require.NoError(t, m.StartStream())
	assert.True(t, errors.Is(m.StartStream(), av.ErrProtocolViolation))
	_, err = m.AddStream(av.NewAudioConfig(av.MimeAAC, 44100, av.CH_STEREO, av.S16))
	assert.True(t, errors.Is(err, av.ErrProtocolViolation))
	assert.True(t, errors.Is(m.RemoveStream(vi), av.ErrProtocolViolation))
	assert.True(t, errors.Is(m.Write(avtest.VideoFrames(1, 1, 30)[0], 5), av.ErrProtocolViolation))
}

func TestFramesBeforeConfigAreDropped(t *testing.T) {
	m, sink := newTestMuxer(Options{})
	vi, err := m.AddStream(av.NewVideoConfig(av.MimeAVC, 320, 240, 30))
	require.NoError(t, err)
	require.NoError(t, m.StartStream())
	frames := avtest.VideoFrames(3, 2, 30)

	err = m.Write(frames[1], vi)
	assert.True(t, errors.Is(err, av.ErrFraming))
	require.NoError(t, m.Write(frames[2], vi))
	assert.Len(t, videoTags(parseTags(t, sink.Bytes())), 2)
}

func TestRestartResendsHeaders(t *testing.T) {
	m, sink := newTestMuxer(DefaultOptions())
	vi, err := m.AddStream(av.NewVideoConfig(av.MimeAVC, 320, 240, 30))
	require.NoError(t, err)
	frames := avtest.VideoFrames(2, 10, 30)

	var runs [][]byte
	for i := 0; i < 2; i++ {
		sink.Reset()
		require.NoError(t, m.StartStream())
		for _, f := range frames {
			require.NoError(t, m.Write(f, vi))
		}
		require.NoError(t, m.StopStream())
		runs = append(runs, sink.Bytes())
	}
	assert.Equal(t, runs[0], runs[1])
}
