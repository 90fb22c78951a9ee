package h26x

import (
	"bytes"
	"errors"
	"io"
	"testing"
	"testing/iotest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tyrese/avmux/av"
	"github.com/tyrese/avmux/internal/avtest"
)

func readAll(t *testing.T, d *Demuxer) (frames []av.Frame) {
	for {
		idx, frame, err := d.ReadFrame()
		if err == io.EOF {
			return
		}
		require.NoError(t, err)
		require.Equal(t, 0, idx)
		frames = append(frames, frame)
	}
}

func h264Stream(n, gop int) []byte {
	var b []byte
	for _, f := range avtest.VideoFrames(n, gop, 25) {
		b = append(b, f.Data...)
	}
	return b
}

func TestH264AccessUnits(t *testing.T) {
	d := NewDemuxer(bytes.NewReader(h264Stream(6, 3)), av.H264, 25)
	streams, err := d.Streams()
	require.NoError(t, err)
	require.Len(t, streams, 1)
	assert.Equal(t, av.MimeAVC, streams[0].Mime)
	assert.Equal(t, 320, streams[0].Video.Width)
	assert.Equal(t, 240, streams[0].Video.Height)
	assert.Equal(t, 25, streams[0].Video.FrameRate)

	frames := readAll(t, d)
	require.Len(t, frames, 6)
	sps := avtest.H264SPS(20, 15, 25)
	for i, f := range frames {
		assert.Equal(t, time.Duration(i)*40*time.Millisecond, f.PTS)
		assert.False(t, f.HasDTS)
		if i%3 == 0 {
			assert.True(t, f.IsKeyFrame, "frame %d", i)
			assert.Equal(t, [][]byte{sps, avtest.H264PPS}, f.Extra)
			assert.Equal(t, avtest.AnnexB(avtest.H264Slice(true, 64)), f.Data)
		} else {
			assert.False(t, f.IsKeyFrame, "frame %d", i)
			assert.Nil(t, f.Extra)
			assert.Equal(t, avtest.AnnexB(avtest.H264Slice(false, 32)), f.Data)
		}
	}
}

func TestSmallReads(t *testing.T) {
	b := h264Stream(4, 2)
	d := NewDemuxer(iotest.OneByteReader(bytes.NewReader(b)), av.H264, 30)
	frames := readAll(t, d)
	assert.Len(t, frames, 4)
}

func TestMultiSliceAccessUnit(t *testing.T) {
	first := avtest.H264Slice(true, 20)
	second := avtest.H264Slice(true, 20)
	second[1] = 0x40 // first_mb_in_slice 1
	b := avtest.AnnexB(avtest.H264SPS(20, 15, 30), avtest.H264PPS, first, second)
	b = append(b, avtest.AnnexB([]byte{0x09, 0xf0}, avtest.H264Slice(false, 10))...)

	frames := readAll(t, NewDemuxer(bytes.NewReader(b), av.H264, 30))
	require.Len(t, frames, 2)
	assert.Equal(t, avtest.AnnexB(first, second), frames[0].Data)
	assert.Equal(t, avtest.AnnexB(avtest.H264Slice(false, 10)), frames[1].Data, "delimiters are dropped")
}

func TestH265AccessUnits(t *testing.T) {
	sps := avtest.H265SPS(1280, 720)
	suffix := []byte{0x50, 0x01, 0x04, 0x80}
	var b []byte
	b = append(b, avtest.AnnexB(avtest.H265VPS, sps, avtest.H265PPS, avtest.H265Slice(true, 40), suffix)...)
	b = append(b, avtest.AnnexB(avtest.H265Slice(false, 30))...)

	d := NewDemuxer(bytes.NewReader(b), av.H265, 30)
	streams, err := d.Streams()
	require.NoError(t, err)
	assert.Equal(t, av.MimeHEVC, streams[0].Mime)
	assert.Equal(t, 1280, streams[0].Video.Width)
	assert.Equal(t, 720, streams[0].Video.Height)

	frames := readAll(t, d)
	require.Len(t, frames, 2)
	assert.True(t, frames[0].IsKeyFrame)
	assert.Equal(t, [][]byte{avtest.H265VPS, sps, avtest.H265PPS}, frames[0].Extra)
	assert.Equal(t, avtest.AnnexB(avtest.H265Slice(true, 40), suffix), frames[0].Data, "suffix SEI stays with its picture")
	assert.False(t, frames[1].IsKeyFrame)
}

func TestNoParameterSets(t *testing.T) {
	d := NewDemuxer(bytes.NewReader(avtest.AnnexB(avtest.H264Slice(false, 10))), av.H264, 30)
	_, err := d.Streams()
	assert.True(t, errors.Is(err, av.ErrFraming))

	d = NewDemuxer(bytes.NewReader(nil), av.AAC, 30)
	_, err = d.Streams()
	assert.True(t, errors.Is(err, av.ErrConfiguration))
}
