package aac

import (
	"bytes"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tyrese/avmux/av"
	"github.com/tyrese/avmux/av/avutil"
	"github.com/tyrese/avmux/internal/avtest"
)

func stereo44k() av.StreamConfig {
	return av.NewAudioConfig(av.MimeAAC, 44100, av.CH_STEREO, av.S16)
}

func TestMuxerWritesADTS(t *testing.T) {
	sink := &avutil.MemorySink{}
	m := NewMuxer(sink)
	idx, err := m.AddStream(stereo44k())
	require.NoError(t, err)
	require.NoError(t, m.StartStream())
	require.NoError(t, m.Write(av.Frame{IsKeyFrame: true, Data: make([]byte, 371)}, idx))

	pkts := sink.Packets()
	require.Len(t, pkts, 1)
	assert.Equal(t, []byte{0xff, 0xf1, 0x50, 0x80, 0x2f, 0x5f, 0xfc}, pkts[0].Data[:7])
	assert.Len(t, pkts[0].Data, 7+371)
	assert.Equal(t, av.PacketAudio, pkts[0].Type)
}

func TestMuxerReframesADTSInput(t *testing.T) {
	sink := &avutil.MemorySink{}
	m := NewMuxer(sink)
	idx, err := m.AddStream(stereo44k())
	require.NoError(t, err)
	require.NoError(t, m.StartStream())

	payload := []byte{1, 2, 3}
	require.NoError(t, m.Write(av.Frame{Data: avtest.ADTS(44100, 2, payload)}, idx))
	require.NoError(t, m.Write(av.Frame{Data: payload, Extra: [][]byte{avtest.AudioSpecificConfig(48000, 1)}}, idx))

	pkts := sink.Packets()
	require.Len(t, pkts, 2)
	assert.Equal(t, avtest.ADTS(44100, 2, payload), pkts[0].Data)
	assert.Equal(t, avtest.ADTS(48000, 1, payload), pkts[1].Data, "Extra updates the header")
}

func TestOnlyOneAACStream(t *testing.T) {
	m := NewMuxer(&avutil.MemorySink{})
	_, err := m.AddStream(av.NewVideoConfig(av.MimeAVC, 320, 240, 30))
	assert.True(t, errors.Is(err, av.ErrConfiguration))
	_, err = m.AddStream(stereo44k())
	require.NoError(t, err)
	_, err = m.AddStream(stereo44k())
	assert.True(t, errors.Is(err, av.ErrConfiguration))
}

func TestMuxerProtocolViolations(t *testing.T) {
	m := NewMuxer(&avutil.MemorySink{})
	assert.True(t, errors.Is(m.StartStream(), av.ErrProtocolViolation))
	idx, err := m.AddStream(stereo44k())
	require.NoError(t, err)
	assert.True(t, errors.Is(m.Write(av.Frame{Data: []byte{1}}, idx), av.ErrProtocolViolation))
	require.NoError(t, m.StartStream())
	assert.True(t, errors.Is(m.Write(av.Frame{Data: []byte{1}}, 1), av.ErrProtocolViolation))
	assert.True(t, errors.Is(m.Write(av.Frame{}, idx), av.ErrFraming))
	require.NoError(t, m.StopStream())
	assert.True(t, errors.Is(m.StopStream(), av.ErrProtocolViolation))
}

func TestDemuxerRoundTrip(t *testing.T) {
	sink := &avutil.MemorySink{}
	m := NewMuxer(sink)
	idx, err := m.AddStream(stereo44k())
	require.NoError(t, err)
	require.NoError(t, m.StartStream())
	in := avtest.AudioFrames(5, 44100)
	for _, f := range in {
		require.NoError(t, m.Write(f, idx))
	}

	d := NewDemuxer(bytes.NewReader(sink.Bytes()))
	streams, err := d.Streams()
	require.NoError(t, err)
	require.Len(t, streams, 1)
	assert.Equal(t, 44100, streams[0].Audio.SampleRate)
	assert.Equal(t, av.CH_STEREO, streams[0].Audio.ChannelLayout)
	assert.Equal(t, av.MimeAAC, streams[0].Mime)

	for i, f := range in {
		si, frame, err := d.ReadFrame()
		require.NoError(t, err)
		assert.Equal(t, 0, si)
		assert.True(t, frame.IsKeyFrame)
		assert.Equal(t, f.Data, frame.Data)
		assert.Equal(t, time.Duration(i)*1024*time.Second/44100, frame.PTS)
		if i == 0 {
			assert.Equal(t, [][]byte{avtest.AudioSpecificConfig(44100, 2)}, frame.Extra)
		} else {
			assert.Nil(t, frame.Extra)
		}
	}
	_, _, err = d.ReadFrame()
	assert.Equal(t, io.EOF, err)
}

func TestDemuxerTruncated(t *testing.T) {
	b := avtest.ADTS(44100, 2, make([]byte, 50))
	d := NewDemuxer(bytes.NewReader(b[:30]))
	_, _, err := d.ReadFrame()
	assert.Equal(t, io.ErrUnexpectedEOF, err)

	d = NewDemuxer(bytes.NewReader([]byte{0x47, 0, 0, 0, 0, 0, 0, 0}))
	_, err = d.Streams()
	assert.True(t, errors.Is(err, av.ErrFraming))
}

func TestHandlerSniff(t *testing.T) {
	h := avutil.Handlers{}
	h.Add(Handler)
	handler, ok := h.Find("out.aac")
	require.True(t, ok)
	assert.True(t, handler.Sniff(avtest.ADTS(44100, 2, []byte{1})))
	assert.False(t, handler.Sniff([]byte("FLV\x01\x05\x00\x00\x00\x09")))
}
