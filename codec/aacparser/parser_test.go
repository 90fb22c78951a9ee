package aacparser

import (
	"bytes"
	"errors"
	"testing"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tyrese/avmux/av"
)

func TestFillADTSHeaderReference(t *testing.T) {
	h := make([]byte, ADTSCRCHeaderLength)

	n, err := FillADTSHeader(h, 48000, 2, 17, false)
	require.NoError(t, err)
	assert.Equal(t, ADTSHeaderLength, n)
	assert.Equal(t, []byte{0xff, 0xf1, 0x4c, 0x80, 0x03, 0x1f, 0xfc}, h[:n])

	n, err = FillADTSHeader(h, 44100, 2, 371, false)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xff, 0xf1, 0x50, 0x80, 0x2f, 0x5f, 0xfc}, h[:n])
}

func TestFillADTSHeaderCRC(t *testing.T) {
	h := bytes.Repeat([]byte{0xaa}, ADTSCRCHeaderLength)
	n, err := FillADTSHeader(h, 44100, 1, 100, true)
	require.NoError(t, err)
	require.Equal(t, ADTSCRCHeaderLength, n)
	assert.Equal(t, byte(0xf0), h[1])
	assert.Equal(t, []byte{0, 0}, h[7:9])

	config, hdrlen, framelen, samples, err := ParseADTSHeader(h)
	require.NoError(t, err)
	assert.Equal(t, 9, hdrlen)
	assert.Equal(t, 109, framelen)
	assert.Equal(t, 1024, samples)
	assert.Equal(t, 44100, config.SampleRate)
	assert.Equal(t, av.CH_MONO, config.ChannelLayout)
	assert.EqualValues(t, AOT_AAC_LC, config.ObjectType)
}

func TestFillADTSHeaderChannelsAndRates(t *testing.T) {
	h := make([]byte, ADTSHeaderLength)
	for _, c := range []struct {
		channels   int
		chanConfig uint
	}{{1, 1}, {2, 2}, {6, 6}, {8, 7}} {
		_, err := FillADTSHeader(h, 8000, c.channels, 10, false)
		require.NoError(t, err)
		config, _, _, _, err := ParseADTSHeader(h)
		require.NoError(t, err)
		assert.Equal(t, c.chanConfig, config.ChannelConfig)
		assert.Equal(t, 8000, config.SampleRate)
	}

	// 7 channels have no fixed configuration and 44056 Hz is not a standard rate.
	_, err := FillADTSHeader(h, 44056, 7, 10, false)
	require.NoError(t, err)
	assert.Equal(t, byte(ExplicitSampleRateIndex), h[2]>>2&0xf)
	assert.Equal(t, byte(0), h[2]&1|h[3]>>6)

	_, err = FillADTSHeader(h, 44100, 2, ADTSMaxFrameLength, false)
	assert.Error(t, err)
}

func TestAudioSpecificConfigRoundTrip(t *testing.T) {
	config := NewMPEG4AudioConfig(44100, 2)
	b, err := MPEG4AudioConfigBytes(config)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x12, 0x10}, b)

	var ref mpeg4audio.AudioSpecificConfig
	require.NoError(t, ref.Unmarshal(b))
	assert.Equal(t, 44100, ref.SampleRate)
	assert.Equal(t, 2, ref.ChannelCount)

	back, err := ParseMPEG4AudioConfigBytes(b)
	require.NoError(t, err)
	assert.Equal(t, config.SampleRate, back.SampleRate)
	assert.Equal(t, config.ChannelLayout, back.ChannelLayout)
	assert.Equal(t, config.ObjectType, back.ObjectType)
}

func TestAudioSpecificConfigAgainstReference(t *testing.T) {
	ref := mpeg4audio.AudioSpecificConfig{
		Type:         2,
		SampleRate:   48000,
		ChannelCount: 6,
	}
	b, err := ref.Marshal()
	require.NoError(t, err)

	config, err := ParseMPEG4AudioConfigBytes(b)
	require.NoError(t, err)
	assert.Equal(t, 48000, config.SampleRate)
	assert.Equal(t, av.CH_5POINT1, config.ChannelLayout)

	mine, err := MPEG4AudioConfigBytes(NewMPEG4AudioConfig(48000, 6))
	require.NoError(t, err)
	assert.Equal(t, b, mine)
}

func TestAudioSpecificConfigExplicitRate(t *testing.T) {
	config := NewMPEG4AudioConfig(44056, 1)
	b, err := MPEG4AudioConfigBytes(config)
	require.NoError(t, err)
	back, err := ParseMPEG4AudioConfigBytes(b)
	require.NoError(t, err)
	assert.Equal(t, 44056, back.SampleRate)
	assert.EqualValues(t, ExplicitSampleRateIndex, back.SampleRateIndex)
}

func TestAudioSpecificConfigUnsupported(t *testing.T) {
	// escape object type 42 (USAC)
	_, err := ParseMPEG4AudioConfigBytes([]byte{0xf8, 0x51, 0x10, 0x00})
	assert.True(t, errors.Is(err, av.ErrUnsupported), "%v", err)
}

func TestStreamMuxConfigRoundTrip(t *testing.T) {
	asc := []byte{0x11, 0x90} // AAC-LC 48000 Hz stereo
	smc, err := NewStreamMuxConfig(asc)
	require.NoError(t, err)

	b, err := smc.Marshal()
	require.NoError(t, err)
	assert.Equal(t, (smc.BitLen()+7)/8, len(b))

	back, err := ParseStreamMuxConfig(b)
	require.NoError(t, err)
	assert.Equal(t, 48000, back.Config.SampleRate)
	assert.Equal(t, av.CH_STEREO, back.Config.ChannelLayout)
	assert.EqualValues(t, AOT_AAC_LC, back.Config.ObjectType)
	assert.Equal(t, smc.LatmBufferFullness, back.LatmBufferFullness)
	assert.True(t, back.AllStreamsSameTimeFraming)
	assert.Equal(t, asc, back.AudioSpecificConfig())

	sum := uint8(0x5a)
	smc.OtherDataLenBits = 0x1234
	smc.CRCCheckSum = &sum
	b, err = smc.Marshal()
	require.NoError(t, err)
	back, err = ParseStreamMuxConfig(b)
	require.NoError(t, err)
	assert.EqualValues(t, 0x1234, back.OtherDataLenBits)
	require.NotNil(t, back.CRCCheckSum)
	assert.Equal(t, sum, *back.CRCCheckSum)
}

func TestLATMFrame(t *testing.T) {
	framer, err := NewLATMFramer([]byte{0x12, 0x10})
	require.NoError(t, err)

	for _, size := range []int{0, 4, 254, 255, 300, 600} {
		payload := make([]byte, size)
		for i := range payload {
			payload[i] = byte(i*7 + 3)
		}
		out, err := framer.Frame(payload)
		require.NoError(t, err)
		require.Equal(t, framer.Len(size), len(out))

		length := len(out) - LOASHeaderLength
		assert.Equal(t, byte(0x56), out[0])
		assert.Equal(t, byte(0xe0|length>>8), out[1])
		assert.Equal(t, byte(length), out[2])

		config, got, n, err := ParseLATMFrame(out)
		require.NoError(t, err)
		assert.Equal(t, len(out), n)
		assert.Equal(t, payload, got)
		assert.Equal(t, 44100, config.Config.SampleRate)
	}

	_, err = framer.Frame(make([]byte, 8200))
	assert.True(t, errors.Is(err, av.ErrFraming), "%v", err)
}

func TestNewCodecDataFromStream(t *testing.T) {
	cfg := av.NewAudioConfig(av.MimeAAC, 32000, av.CH_STEREO, av.S16)
	c, err := NewCodecDataFromStream(cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, 32000, c.SampleRate())
	assert.Equal(t, 1024, c.SamplesPerFrame())

	c, err = NewCodecDataFromStream(cfg, [][]byte{{0x11, 0x90}})
	require.NoError(t, err)
	assert.Equal(t, 48000, c.SampleRate())
}
