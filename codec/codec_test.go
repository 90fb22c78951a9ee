package codec

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tyrese/avmux/av"
	"github.com/tyrese/avmux/codec/h264parser"
	"github.com/tyrese/avmux/internal/avtest"
)

func TestSplitVCL(t *testing.T) {
	sps := avtest.H264SPS(20, 15, 30)
	slice := avtest.H264Slice(true, 16)
	nalus, err := SplitAccessUnit(avtest.AnnexB(h264parser.AUDBytes[4:], sps, avtest.H264PPS, slice))
	require.NoError(t, err)
	vcl, params := SplitVCL(av.H264, nalus)
	assert.Equal(t, [][]byte{slice}, vcl)
	assert.Equal(t, [][]byte{sps, avtest.H264PPS}, params)

	_, err = SplitAccessUnit([]byte{9, 9})
	assert.True(t, errors.Is(err, av.ErrFraming))
}

func TestParseVideoCodecData(t *testing.T) {
	sps := avtest.H264SPS(20, 15, 30)
	conf, err := ParseVideoCodecData(av.H264, nil, [][]byte{sps, avtest.H264PPS})
	require.NoError(t, err)
	assert.Equal(t, 320, conf.Width)
	assert.Equal(t, 240, conf.Height)
	assert.Equal(t, byte(1), conf.Record[0])

	// extra wins over in-band parameter sets
	other, err := ParseVideoCodecData(av.H264, [][]byte{avtest.H264SPS(40, 30, 30), avtest.H264PPS}, [][]byte{sps, avtest.H264PPS})
	require.NoError(t, err)
	assert.Equal(t, 640, other.Width)

	hevc, err := ParseVideoCodecData(av.H265, nil, [][]byte{avtest.H265VPS, avtest.H265SPS(1280, 720), avtest.H265PPS})
	require.NoError(t, err)
	assert.Equal(t, 1280, hevc.Width)
	assert.Len(t, hevc.ParameterSets, 3)

	_, err = ParseVideoCodecData(av.VP9, nil, nil)
	assert.True(t, errors.Is(err, av.ErrUnsupported))
}

func TestStripADTS(t *testing.T) {
	payload := []byte{1, 2, 3, 4, 5}
	assert.Equal(t, payload, StripADTS(avtest.ADTS(44100, 2, payload)))
	assert.Equal(t, payload, StripADTS(payload))
}
