package syncmux

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tyrese/avmux/av"
	"github.com/tyrese/avmux/av/avutil"
	"github.com/tyrese/avmux/format/ts"
	"github.com/tyrese/avmux/internal/avtest"
)

type written struct {
	idx int
	pts time.Duration
}

// recorder is an av.Muxer that remembers what it was given.
type recorder struct {
	streams int
	writes  []written
	started bool
	reject  func(av.Frame) error
}

func (self *recorder) AddStream(av.StreamConfig) (int, error) {
	self.streams++
	return self.streams - 1, nil
}

func (self *recorder) RemoveStream(int) error { return nil }

func (self *recorder) Write(frame av.Frame, idx int) error {
	if self.reject != nil {
		if err := self.reject(frame); err != nil {
			return err
		}
	}
	self.writes = append(self.writes, written{idx, frame.PTS})
	return nil
}

func (self *recorder) StartStream() error { self.started = true; return nil }
func (self *recorder) StopStream() error  { self.started = false; return nil }

func videoConfig() av.StreamConfig {
	return av.NewVideoConfig(av.MimeAVC, 320, 240, 30)
}

func audioConfig() av.StreamConfig {
	return av.NewAudioConfig(av.MimeAAC, 44100, av.CH_STEREO, av.S16)
}

func sum(vec *prometheus.CounterVec) (n float64) {
	for _, typ := range []string{"audio", "video", "unknown"} {
		n += testutil.ToFloat64(vec.WithLabelValues(typ))
	}
	return
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

func TestVideoPacesAudio(t *testing.T) {
	rec := &recorder{}
	m := New(rec)
	ai, err := m.AddStream(audioConfig())
	require.NoError(t, err)
	vi, err := m.AddStream(videoConfig())
	require.NoError(t, err)
	require.NoError(t, m.StartStream())

	for _, pts := range []int{0, 20, 40, 60} {
		require.NoError(t, m.Write(av.Frame{PTS: ms(pts)}, ai))
	}
	assert.Empty(t, rec.writes, "audio waits for video")

	require.NoError(t, m.Write(av.Frame{PTS: ms(33), IsKeyFrame: true}, vi))
	assert.Equal(t, []written{{ai, 0}, {ai, ms(20)}, {vi, ms(33)}}, rec.writes)

	require.NoError(t, m.Write(av.Frame{PTS: ms(66)}, vi))
	assert.Equal(t, []written{{ai, 0}, {ai, ms(20)}, {vi, ms(33)}, {ai, ms(40)}, {ai, ms(60)}, {vi, ms(66)}}, rec.writes)
}

func TestOutOfOrderAudioIsSorted(t *testing.T) {
	rec := &recorder{}
	m := New(rec)
	ai, _ := m.AddStream(audioConfig())
	m.AddStream(videoConfig())
	require.NoError(t, m.StartStream())

	for _, pts := range []int{40, 0, 20, 20} {
		require.NoError(t, m.Write(av.Frame{PTS: ms(pts)}, ai))
	}
	require.NoError(t, m.Drain(ms(100)))
	assert.Equal(t, []written{{ai, 0}, {ai, ms(20)}, {ai, ms(20)}, {ai, ms(40)}}, rec.writes)
}

func TestAudioOnlyPassesThrough(t *testing.T) {
	rec := &recorder{}
	m := New(rec)
	ai, _ := m.AddStream(audioConfig())
	require.NoError(t, m.StartStream())
	require.NoError(t, m.Write(av.Frame{PTS: ms(10)}, ai))
	assert.Len(t, rec.writes, 1)
}

func TestStopDiscardsQueue(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec := &recorder{}
	m := New(rec)
	m.Metrics = NewMetrics(reg)
	ai, _ := m.AddStream(audioConfig())
	vi, _ := m.AddStream(videoConfig())

	require.NoError(t, m.StartStream())
	first := m.Session()
	assert.NotEqual(t, uuid.Nil, first)
	require.NoError(t, m.Write(av.Frame{PTS: ms(0)}, ai))
	require.NoError(t, m.Write(av.Frame{PTS: ms(20)}, ai))
	require.NoError(t, m.StopStream())
	assert.Empty(t, rec.writes)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Metrics.Dropped.WithLabelValues("stopped")))

	require.NoError(t, m.StartStream())
	assert.NotEqual(t, first, m.Session())
	require.NoError(t, m.Write(av.Frame{PTS: ms(50), IsKeyFrame: true}, vi))
	assert.Equal(t, []written{{vi, ms(50)}}, rec.writes, "nothing survives a restart")
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Metrics.Frames.WithLabelValues("audio")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Metrics.Frames.WithLabelValues("video")))
}

func TestRemovingSyncStreamReleasesQueue(t *testing.T) {
	rec := &recorder{}
	m := New(rec)
	ai, _ := m.AddStream(audioConfig())
	vi, _ := m.AddStream(videoConfig())
	require.NoError(t, m.StartStream())
	require.NoError(t, m.Write(av.Frame{PTS: ms(20)}, ai))
	require.NoError(t, m.Write(av.Frame{PTS: ms(0)}, ai))
	require.NoError(t, m.RemoveStream(vi))
	assert.Equal(t, []written{{ai, 0}, {ai, ms(20)}}, rec.writes)
}

func TestFramingErrorsAreCounted(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec := &recorder{reject: func(f av.Frame) error {
		if f.PTS == ms(20) {
			return av.Framingf("bad frame")
		}
		return nil
	}}
	m := New(rec)
	m.Metrics = NewMetrics(reg)
	ai, _ := m.AddStream(audioConfig())
	vi, _ := m.AddStream(videoConfig())

	assert.True(t, errors.Is(m.Write(av.Frame{}, vi), av.ErrProtocolViolation))
	require.NoError(t, m.StartStream())
	assert.True(t, errors.Is(m.Write(av.Frame{}, 7), av.ErrProtocolViolation))

	require.NoError(t, m.Write(av.Frame{PTS: ms(20)}, ai))
	require.NoError(t, m.Write(av.Frame{PTS: ms(30)}, vi), "another stream's bad frame is not reported")
	assert.Equal(t, []written{{vi, ms(30)}}, rec.writes)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Metrics.Dropped.WithLabelValues("framing")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Metrics.Dropped.WithLabelValues("protocol")))
}

func TestMetricsSinkWithTS(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	sink := &avutil.MemorySink{}
	tsm := ts.NewMuxer(metrics.Sink(sink), ts.DefaultOptions())
	_, err := tsm.AddService(ts.ServiceInfo{Name: "cam"})
	require.NoError(t, err)

	m := New(tsm)
	m.Metrics = metrics
	vi, err := m.AddStream(videoConfig())
	require.NoError(t, err)
	ai, err := m.AddStream(audioConfig())
	require.NoError(t, err)
	require.NoError(t, m.StartStream())

	audio := avtest.AudioFrames(8, 44100)
	video := avtest.VideoFrames(6, 3, 30)
	for i := range video {
		for _, f := range audio {
			if f.PTS > video[i].PTS-time.Second/30 && f.PTS <= video[i].PTS {
				require.NoError(t, m.Write(f, ai))
			}
		}
		require.NoError(t, m.Write(video[i], vi))
	}
	require.NoError(t, m.StopStream())

	var total int
	for _, pkt := range sink.Packets() {
		total += len(pkt.Data)
	}
	assert.Equal(t, float64(total), sum(metrics.Bytes))
	assert.Equal(t, float64(len(sink.Packets())), sum(metrics.Packets))
	assert.Equal(t, 6.0, testutil.ToFloat64(metrics.Frames.WithLabelValues("video")))
	assert.Greater(t, testutil.ToFloat64(metrics.Packets.WithLabelValues("unknown")), 0.0)
	assert.Equal(t, 0, total%188)
}
