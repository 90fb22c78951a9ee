package ts

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/asticode/go-astits"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tyrese/avmux/av"
	"github.com/tyrese/avmux/av/avutil"
	"github.com/tyrese/avmux/codec/h264parser"
	"github.com/tyrese/avmux/codec/h265parser"
	"github.com/tyrese/avmux/format/ts/tsio"
	"github.com/tyrese/avmux/internal/avtest"
)

func newTestMuxer(opts Options) (*Muxer, *avutil.MemorySink) {
	sink := &avutil.MemorySink{}
	return NewMuxer(sink, opts), sink
}

func videoConfig() av.StreamConfig {
	return av.NewVideoConfig(av.MimeAVC, 320, 240, 30)
}

func audioConfig() av.StreamConfig {
	return av.NewAudioConfig(av.MimeAAC, 44100, av.CH_STEREO, av.S16)
}

func demux(t *testing.T, b []byte) (datas []*astits.DemuxerData) {
	dmx := astits.NewDemuxer(context.Background(), bytes.NewReader(b))
	for {
		d, err := dmx.NextData()
		if errors.Is(err, astits.ErrNoMorePackets) {
			return
		}
		require.NoError(t, err)
		datas = append(datas, d)
	}
}

func packets(t *testing.T, b []byte) (pkts []*astits.Packet) {
	dmx := astits.NewDemuxer(context.Background(), bytes.NewReader(b))
	for {
		p, err := dmx.NextPacket()
		if errors.Is(err, astits.ErrNoMorePackets) {
			return
		}
		require.NoError(t, err)
		pkts = append(pkts, p)
	}
}

func pes(datas []*astits.DemuxerData, pid uint16) (r []*astits.DemuxerData) {
	for _, d := range datas {
		if d.PES != nil && d.PID == pid {
			r = append(r, d)
		}
	}
	return
}

func lastPMT(datas []*astits.DemuxerData) (pmt *astits.PMTData) {
	for _, d := range datas {
		if d.PMT != nil {
			pmt = d.PMT
		}
	}
	return
}

func TestTablesAndPES(t *testing.T) {
	m, sink := newTestMuxer(DefaultOptions())
	_, err := m.AddService(ServiceInfo{Name: "cam"})
	require.NoError(t, err)
	vi, err := m.AddStream(videoConfig())
	require.NoError(t, err)
	ai, err := m.AddStream(audioConfig())
	require.NoError(t, err)
	require.NoError(t, m.StartStream())

	idx := []int{vi, ai}
	for _, f := range avtest.Interleave(avtest.VideoFrames(3, 30, 30), avtest.AudioFrames(3, 44100)) {
		require.NoError(t, m.Write(f.Frame, idx[f.Stream]))
	}
	require.NoError(t, m.StopStream())

	for _, pkt := range sink.Packets() {
		assert.Equal(t, 0, len(pkt.Data)%tsio.PacketSize)
	}
	b := sink.Bytes()
	datas := demux(t, b)

	var pat *astits.PATData
	var sdt *astits.SDTData
	for _, d := range datas {
		if d.PAT != nil && pat == nil {
			pat = d.PAT
		}
		if d.SDT != nil && sdt == nil {
			sdt = d.SDT
		}
	}
	require.NotNil(t, pat)
	require.Len(t, pat.Programs, 1)
	assert.EqualValues(t, 1, pat.Programs[0].ProgramNumber)
	assert.EqualValues(t, tsio.PMT_PID, pat.Programs[0].ProgramMapID)

	pmt := lastPMT(datas)
	require.NotNil(t, pmt)
	assert.EqualValues(t, 0x100, pmt.PCRPID)
	require.Len(t, pmt.ElementaryStreams, 2)
	assert.EqualValues(t, 0x100, pmt.ElementaryStreams[0].ElementaryPID)
	assert.EqualValues(t, tsio.ElementaryStreamTypeH264, pmt.ElementaryStreams[0].StreamType)
	assert.EqualValues(t, 0x101, pmt.ElementaryStreams[1].ElementaryPID)
	assert.EqualValues(t, tsio.ElementaryStreamTypeAdtsAAC, pmt.ElementaryStreams[1].StreamType)

	require.NotNil(t, sdt)
	require.Len(t, sdt.Services, 1)
	require.NotEmpty(t, sdt.Services[0].Descriptors)
	service := sdt.Services[0].Descriptors[0].Service
	require.NotNil(t, service)
	assert.Equal(t, "cam", string(service.Name))
	assert.Equal(t, "avmux", string(service.Provider))

	video := pes(datas, 0x100)
	require.Len(t, video, 3)
	for i, d := range video {
		assert.EqualValues(t, tsio.StreamIdVideo, d.PES.Header.StreamID)
		assert.EqualValues(t, 3000*i, d.PES.Header.OptionalHeader.PTS.Base)
		assert.Nil(t, d.PES.Header.OptionalHeader.DTS)
		af := d.FirstPacket.AdaptationField
		require.NotNil(t, af)
		assert.True(t, af.HasPCR)
		if i > 0 {
			// 300µs is 27 ticks
			assert.InDelta(t, 3000*i-27, af.PCR.Base, 1)
		}
		assert.Equal(t, i == 0, af.RandomAccessIndicator)
	}
	first := video[0].PES.Data
	assert.True(t, bytes.HasPrefix(first, h264parser.AUDBytes))
	assert.True(t, bytes.HasPrefix(first[len(h264parser.AUDBytes):], []byte{0, 0, 0, 1, 0x67}))
	assert.True(t, bytes.HasPrefix(video[1].PES.Data, append(append([]byte{}, h264parser.AUDBytes...), 0, 0, 0, 1, 0x41)))

	audio := pes(datas, 0x101)
	require.NotEmpty(t, audio)
	assert.EqualValues(t, tsio.StreamIdAudio, audio[0].PES.Header.StreamID)
	assert.Equal(t, []byte{0xff, 0xf1}, audio[0].PES.Data[:2])
	assert.Len(t, audio[0].PES.Data, 7+20)
	assert.Nil(t, audio[0].PES.Header.OptionalHeader.DTS)
}

func TestContinuityCounters(t *testing.T) {
	m, sink := newTestMuxer(DefaultOptions())
	_, err := m.AddService(ServiceInfo{})
	require.NoError(t, err)
	vi, err := m.AddStream(videoConfig())
	require.NoError(t, err)
	require.NoError(t, m.StartStream())

	sps := avtest.H264SPS(20, 15, 30)
	for i := 0; i < 3; i++ {
		frame := av.Frame{
			IsKeyFrame: i == 0,
			PTS:        time.Duration(i) * time.Second / 30,
			Data:       avtest.AnnexB(sps, avtest.H264PPS, avtest.H264Slice(i == 0, 2000)),
		}
		require.NoError(t, m.Write(frame, vi))
	}

	last := map[uint16]int{}
	counts := map[uint16]int{}
	for _, p := range packets(t, sink.Bytes()) {
		pid := p.Header.PID
		if prev, ok := last[pid]; ok {
			assert.Equal(t, (prev+1)%16, int(p.Header.ContinuityCounter), "pid 0x%x", pid)
		} else {
			assert.EqualValues(t, 0, p.Header.ContinuityCounter)
		}
		last[pid] = int(p.Header.ContinuityCounter)
		counts[pid]++
	}
	assert.Greater(t, counts[0x100], 16, "counter wrapped at least once")
	assert.Equal(t, 1, counts[tsio.PAT_PID])
}

func TestTableRepetition(t *testing.T) {
	m, sink := newTestMuxer(DefaultOptions())
	_, err := m.AddService(ServiceInfo{})
	require.NoError(t, err)
	vi, err := m.AddStream(videoConfig())
	require.NoError(t, err)
	require.NoError(t, m.StartStream())
	for _, f := range avtest.VideoFrames(10, 5, 30) {
		require.NoError(t, m.Write(f, vi))
	}

	// frame 0, the key frame at 5 and the interval at 3 and 8
	var pats int
	for _, pkt := range sink.Packets() {
		if pkt.Stream == -1 && pkt.Data[1]&0x1f == 0 && pkt.Data[2] == 0 {
			pats++
		}
	}
	assert.Equal(t, 4, pats)
}

func TestServiceRemoval(t *testing.T) {
	m, sink := newTestMuxer(DefaultOptions())
	a, err := m.AddService(ServiceInfo{ProgramNumber: 10})
	require.NoError(t, err)
	b, err := m.AddService(ServiceInfo{})
	require.NoError(t, err)
	assert.EqualValues(t, 11, b.ProgramNumber)
	assert.EqualValues(t, tsio.PMT_PID+1, b.PMTPID())

	_, err = m.AddService(ServiceInfo{ProgramNumber: 10})
	assert.True(t, errors.Is(err, av.ErrConfiguration))

	ai, err := m.AddStreamToService(a, videoConfig())
	require.NoError(t, err)
	bi, err := m.AddStreamToService(b, videoConfig())
	require.NoError(t, err)
	require.NoError(t, m.StartStream())

	require.NoError(t, m.RemoveService(a))
	assert.True(t, a.Removed())

	frame := avtest.VideoFrames(1, 1, 30)[0]
	err = m.Write(frame, ai)
	assert.True(t, errors.Is(err, av.ErrProtocolViolation))
	_, err = m.AddStreamToService(a, audioConfig())
	assert.True(t, errors.Is(err, av.ErrProtocolViolation))
	assert.True(t, errors.Is(m.RemoveService(a), av.ErrProtocolViolation))
	assert.True(t, errors.Is(m.RemoveStream(ai), av.ErrProtocolViolation))

	// plain AddStream lands on the remaining service
	ci, err := m.AddStream(audioConfig())
	require.NoError(t, err)
	require.NoError(t, m.Write(frame, bi))
	require.NoError(t, m.Write(avtest.AudioFrames(1, 44100)[0], ci))

	datas := demux(t, sink.Bytes())
	for _, d := range datas {
		if d.PAT != nil {
			require.Len(t, d.PAT.Programs, 1)
			assert.EqualValues(t, 11, d.PAT.Programs[0].ProgramNumber)
		}
	}
	pmt := lastPMT(datas)
	require.NotNil(t, pmt)
	assert.EqualValues(t, 11, pmt.ProgramNumber)
	assert.Len(t, pmt.ElementaryStreams, 2)

	require.NoError(t, m.RemoveService(b))
	_, err = m.AddStream(audioConfig())
	assert.True(t, errors.Is(err, av.ErrProtocolViolation))
}

func TestNoService(t *testing.T) {
	m, _ := newTestMuxer(DefaultOptions())
	_, err := m.AddStream(videoConfig())
	assert.True(t, errors.Is(err, av.ErrProtocolViolation))
}

func TestPCRReassignment(t *testing.T) {
	m, _ := newTestMuxer(DefaultOptions())
	svc, err := m.AddService(ServiceInfo{})
	require.NoError(t, err)
	assert.EqualValues(t, tsio.NULL_PID, svc.PCRPID())

	ai, err := m.AddStream(audioConfig())
	require.NoError(t, err)
	assert.EqualValues(t, 0x100, svc.PCRPID())

	vi, err := m.AddStream(videoConfig())
	require.NoError(t, err)
	assert.EqualValues(t, 0x101, svc.PCRPID(), "video takes the clock")

	require.NoError(t, m.RemoveStream(vi))
	assert.EqualValues(t, 0x100, svc.PCRPID())
	require.NoError(t, m.RemoveStream(ai))
	assert.EqualValues(t, tsio.NULL_PID, svc.PCRPID())
}

func TestStreamAddedWhileStreaming(t *testing.T) {
	m, sink := newTestMuxer(DefaultOptions())
	_, err := m.AddService(ServiceInfo{})
	require.NoError(t, err)
	ai, err := m.AddStream(audioConfig())
	require.NoError(t, err)
	require.NoError(t, m.StartStream())
	require.NoError(t, m.Write(avtest.AudioFrames(1, 44100)[0], ai))

	vi, err := m.AddStream(videoConfig())
	require.NoError(t, err)
	require.NoError(t, m.Write(avtest.VideoFrames(1, 1, 30)[0], vi))

	var pmts []*astits.PMTData
	for _, d := range demux(t, sink.Bytes()) {
		if d.PMT != nil {
			pmts = append(pmts, d.PMT)
		}
	}
	require.Len(t, pmts, 2)
	assert.Len(t, pmts[0].ElementaryStreams, 1)
	assert.EqualValues(t, 0x100, pmts[0].PCRPID)
	assert.Len(t, pmts[1].ElementaryStreams, 2)
	assert.EqualValues(t, 0x101, pmts[1].PCRPID)
}

func TestLATMFraming(t *testing.T) {
	opts := DefaultOptions()
	opts.AACFraming = LATM
	m, sink := newTestMuxer(opts)
	_, err := m.AddService(ServiceInfo{})
	require.NoError(t, err)
	ai, err := m.AddStream(audioConfig())
	require.NoError(t, err)
	require.NoError(t, m.StartStream())
	for _, f := range avtest.AudioFrames(2, 44100) {
		require.NoError(t, m.Write(f, ai))
	}

	datas := demux(t, sink.Bytes())
	pmt := lastPMT(datas)
	require.NotNil(t, pmt)
	assert.EqualValues(t, tsio.ElementaryStreamTypeLatmAAC, pmt.ElementaryStreams[0].StreamType)
	audio := pes(datas, 0x100)
	require.NotEmpty(t, audio)
	data := audio[0].PES.Data
	assert.EqualValues(t, 0x56, data[0])
	assert.EqualValues(t, 0xe0, data[1]&0xe0)
	assert.Equal(t, len(data)-3, int(data[1]&0x1f)<<8|int(data[2]))
}

func TestAVCCInputWithExtra(t *testing.T) {
	m, sink := newTestMuxer(DefaultOptions())
	_, err := m.AddService(ServiceInfo{})
	require.NoError(t, err)
	vi, err := m.AddStream(videoConfig())
	require.NoError(t, err)
	require.NoError(t, m.StartStream())

	sps := avtest.H264SPS(20, 15, 30)
	slice := avtest.H264Slice(true, 40)
	frame := av.Frame{
		IsKeyFrame: true,
		PTS:        time.Second,
		DTS:        900 * time.Millisecond,
		HasDTS:     true,
		Data:       avtest.AVCC(slice),
		Extra:      [][]byte{sps, avtest.H264PPS},
	}
	require.NoError(t, m.Write(frame, vi))

	video := pes(demux(t, sink.Bytes()), 0x100)
	require.Len(t, video, 1)
	want := append(append([]byte{}, h264parser.AUDBytes...), avtest.AnnexB(sps, avtest.H264PPS, slice)...)
	assert.Equal(t, want, video[0].PES.Data)
	hdr := video[0].PES.Header.OptionalHeader
	assert.EqualValues(t, 90000, hdr.PTS.Base)
	require.NotNil(t, hdr.DTS)
	assert.EqualValues(t, 81000, hdr.DTS.Base)
	af := video[0].FirstPacket.AdaptationField
	require.NotNil(t, af)
	require.True(t, af.HasPCR)
	assert.InDelta(t, 81000-27, af.PCR.Base, 1, "PCR follows DTS")
}

func TestExtraLayouts(t *testing.T) {
	sps := avtest.H264SPS(20, 15, 30)
	avc, err := h264parser.NewCodecDataFromSPSAndPPS(sps, avtest.H264PPS)
	require.NoError(t, err)
	hsps := avtest.H265SPS(320, 240)
	hevc, err := h265parser.NewCodecDataFromVPSAndSPSAndPPS(avtest.H265VPS, hsps, avtest.H265PPS)
	require.NoError(t, err)

	slice := avtest.H264Slice(true, 40)
	hslice := avtest.H265Slice(true, 40)
	h264 := append(append([]byte{}, h264parser.AUDBytes...), avtest.AnnexB(sps, avtest.H264PPS, slice)...)
	h265 := append(append([]byte{}, h265parser.AUDBytes...), avtest.AnnexB(avtest.H265VPS, hsps, avtest.H265PPS, hslice)...)

	for _, tc := range []struct {
		name  string
		mime  string
		data  []byte
		extra [][]byte
		want  []byte
	}{
		{"avcC record", av.MimeAVC, avtest.AVCC(slice), [][]byte{avc.AVCDecoderConfRecordBytes()}, h264},
		{"annexb entry", av.MimeAVC, avtest.AVCC(slice), [][]byte{avtest.AnnexB(sps, avtest.H264PPS)}, h264},
		{"extra wins over inband", av.MimeAVC, avtest.AnnexB(sps, avtest.H264PPS, slice), [][]byte{avc.AVCDecoderConfRecordBytes()}, h264},
		{"hvcC record", av.MimeHEVC, avtest.AVCC(hslice), [][]byte{hevc.HEVCDecoderConfRecordBytes()}, h265},
		{"hevc annexb entry", av.MimeHEVC, avtest.AVCC(hslice), [][]byte{avtest.AnnexB(avtest.H265VPS, hsps, avtest.H265PPS)}, h265},
	} {
		t.Run(tc.name, func(t *testing.T) {
			m, sink := newTestMuxer(DefaultOptions())
			_, err := m.AddService(ServiceInfo{})
			require.NoError(t, err)
			vi, err := m.AddStream(av.NewVideoConfig(tc.mime, 320, 240, 30))
			require.NoError(t, err)
			require.NoError(t, m.StartStream())

			frame := av.Frame{IsKeyFrame: true, PTS: time.Second, Data: tc.data, Extra: tc.extra}
			require.NoError(t, m.Write(frame, vi))

			video := pes(demux(t, sink.Bytes()), 0x100)
			require.Len(t, video, 1)
			assert.Equal(t, tc.want, video[0].PES.Data)
		})
	}
}

func TestUnparsableExtra(t *testing.T) {
	m, sink := newTestMuxer(DefaultOptions())
	_, err := m.AddService(ServiceInfo{})
	require.NoError(t, err)
	vi, err := m.AddStream(videoConfig())
	require.NoError(t, err)
	require.NoError(t, m.StartStream())

	frame := av.Frame{
		IsKeyFrame: true,
		PTS:        time.Second,
		Data:       avtest.AVCC(avtest.H264Slice(true, 40)),
		Extra:      [][]byte{avtest.H264PPS},
	}
	err = m.Write(frame, vi)
	assert.True(t, errors.Is(err, av.ErrFraming), "%v", err)
	assert.Empty(t, sink.Packets())

	// the stream keeps going once a usable configuration shows up
	frame.Extra = [][]byte{avtest.H264SPS(20, 15, 30), avtest.H264PPS}
	require.NoError(t, m.Write(frame, vi))
	assert.Len(t, pes(demux(t, sink.Bytes()), 0x100), 1)
}

func TestProtocolAndFramingErrors(t *testing.T) {
	m, sink := newTestMuxer(DefaultOptions())
	_, err := m.AddService(ServiceInfo{})
	require.NoError(t, err)

	_, err = m.AddStream(av.NewVideoConfig(av.MimeVP9, 320, 240, 30))
	assert.True(t, errors.Is(err, av.ErrConfiguration))

	vi, err := m.AddStream(videoConfig())
	require.NoError(t, err)

	frame := avtest.VideoFrames(1, 1, 30)[0]
	assert.True(t, errors.Is(m.Write(frame, vi), av.ErrProtocolViolation), "write before start")
	assert.True(t, errors.Is(m.StopStream(), av.ErrProtocolViolation))
	require.NoError(t, m.StartStream())
	assert.True(t, errors.Is(m.StartStream(), av.ErrProtocolViolation))
	assert.True(t, errors.Is(m.Write(frame, 7), av.ErrProtocolViolation))

	bad := frame
	bad.Data = []byte{9, 9}
	assert.True(t, errors.Is(m.Write(bad, vi), av.ErrFraming))
	bad = frame
	bad.PTS = -time.Millisecond
	assert.True(t, errors.Is(m.Write(bad, vi), av.ErrFraming))
	assert.Empty(t, sink.Packets(), "dropped frames write nothing")

	// the stream continues
	require.NoError(t, m.Write(frame, vi))
	assert.NotEmpty(t, sink.Packets())
}

func TestRestartResetsCounters(t *testing.T) {
	m, sink := newTestMuxer(DefaultOptions())
	_, err := m.AddService(ServiceInfo{})
	require.NoError(t, err)
	vi, err := m.AddStream(videoConfig())
	require.NoError(t, err)

	frames := avtest.VideoFrames(2, 2, 30)
	require.NoError(t, m.StartStream())
	for _, f := range frames {
		require.NoError(t, m.Write(f, vi))
	}
	require.NoError(t, m.StopStream())
	first := sink.Bytes()
	sink.Reset()

	require.NoError(t, m.StartStream())
	for _, f := range frames {
		require.NoError(t, m.Write(f, vi))
	}
	assert.Equal(t, first, sink.Bytes())
}
