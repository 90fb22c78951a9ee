package pktque

import (
	"time"

	"github.com/tyrese/avmux/av"
)

// Filter inspects or rewrites a frame read from stream idx. Returning drop
// discards the frame.
type Filter interface {
	ModifyFrame(frame *av.Frame, idx int, streams []av.StreamConfig) (drop bool, err error)
}

type Filters []Filter

func (self Filters) ModifyFrame(frame *av.Frame, idx int, streams []av.StreamConfig) (drop bool, err error) {
	for _, filter := range self {
		if drop, err = filter.ModifyFrame(frame, idx, streams); err != nil {
			return
		}
		if drop {
			return
		}
	}
	return
}

// FilterReader applies Filter to every frame read from FrameReader.
type FilterReader struct {
	av.FrameReader
	Filter  Filter
	streams []av.StreamConfig
}

func (self *FilterReader) ReadFrame() (idx int, frame av.Frame, err error) {
	if self.streams == nil {
		if self.streams, err = self.FrameReader.Streams(); err != nil {
			return
		}
	}
	for {
		if idx, frame, err = self.FrameReader.ReadFrame(); err != nil {
			return
		}
		var drop bool
		if drop, err = self.Filter.ModifyFrame(&frame, idx, self.streams); err != nil {
			return
		}
		if !drop {
			return
		}
	}
}

// WaitKeyFrame drops everything until the first video key frame. Streams
// without video pass through.
type WaitKeyFrame struct {
	ok bool
}

func (self *WaitKeyFrame) ModifyFrame(frame *av.Frame, idx int, streams []av.StreamConfig) (drop bool, err error) {
	if !self.ok {
		hasVideo := false
		for _, s := range streams {
			if s.Kind == av.Video {
				hasVideo = true
			}
		}
		if !hasVideo || (idx < len(streams) && streams[idx].Kind == av.Video && frame.IsKeyFrame) {
			self.ok = true
		}
	}
	drop = !self.ok
	return
}

// FixTime rebases timestamps. StartFromZero subtracts the first frame's
// PTS. MakeIncrement folds backward jumps and gaps over MaxGap into the
// base so timestamps keep increasing.
type FixTime struct {
	zerobase      time.Duration
	started       bool
	incrbase      time.Duration
	lasttime      time.Duration
	StartFromZero bool
	MakeIncrement bool
	MaxGap        time.Duration
}

func (self *FixTime) ModifyFrame(frame *av.Frame, idx int, streams []av.StreamConfig) (drop bool, err error) {
	if self.StartFromZero {
		if !self.started {
			self.zerobase = frame.DecodeTime()
			self.started = true
		}
		frame.PTS -= self.zerobase
		if frame.HasDTS {
			frame.DTS -= self.zerobase
		}
	}

	if self.MakeIncrement {
		maxgap := self.MaxGap
		if maxgap == 0 {
			maxgap = time.Millisecond * 500
		}
		t := frame.DecodeTime() - self.incrbase
		if t < self.lasttime || t > self.lasttime+maxgap {
			self.incrbase += t - self.lasttime
			t = self.lasttime
		}
		shift := frame.DecodeTime() - t
		frame.PTS -= shift
		if frame.HasDTS {
			frame.DTS -= shift
		}
		self.lasttime = t
	}
	return
}
