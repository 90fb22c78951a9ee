// Package avtest builds small but valid elementary-stream fixtures for
// muxer tests.
package avtest

import (
	"sort"
	"time"

	"github.com/tyrese/avmux/av"
	"github.com/tyrese/avmux/codec/aacparser"
	"github.com/tyrese/avmux/codec/h264parser"
	"github.com/tyrese/avmux/utils/bits"
)

var (
	H264PPS = []byte{0x68, 0xce, 0x38, 0x80}
	H265VPS = []byte{0x40, 0x01, 0x0c, 0x01, 0xff, 0xff, 0x01, 0x60, 0x00, 0x00, 0x03, 0x00, 0x5d, 0xac, 0x09}
	H265PPS = []byte{0x44, 0x01, 0xc1, 0x72, 0xb4, 0x62, 0x40}
)

// H264SPS encodes a baseline progressive SPS of mbW x mbH macroblocks
// with VUI timing for fps.
func H264SPS(mbW, mbH, fps uint64) []byte {
	w := bits.NewBuffer(make([]byte, 64))
	w.Put(66, 8)
	w.Put(0, 8)
	w.Put(30, 8)
	w.WriteUE(0)
	w.WriteUE(0)
	w.WriteUE(2)
	w.WriteUE(1)
	w.Put(0, 1)
	w.WriteUE(mbW - 1)
	w.WriteUE(mbH - 1)
	w.Put(1, 1)
	w.Put(1, 1)
	w.Put(0, 1)
	w.Put(1, 1)
	w.Put(0, 4)
	w.Put(1, 1)
	w.Put(1, 32)
	w.Put(fps*2, 32)
	w.Put(1, 1)
	w.Put(0, 4)
	w.Put(1, 1)
	w.PutAlign()
	return append([]byte{0x67}, bits.AddEmulationPrevention(w.Bytes())...)
}

// H265SPS encodes a Main profile SPS without optional syntax.
func H265SPS(width, height uint64) []byte {
	w := bits.NewBuffer(make([]byte, 128))
	w.Put(0, 4)
	w.Put(0, 3)
	w.Put(1, 1)
	w.Put(0, 2)
	w.Put(0, 1)
	w.Put(1, 5)
	w.Put(0x60000000, 32)
	w.Put(0x900000000000, 48)
	w.Put(93, 8)
	w.WriteUE(0)
	w.WriteUE(1)
	w.WriteUE(width)
	w.WriteUE(height)
	w.Put(0, 1)
	w.WriteUE(0)
	w.WriteUE(0)
	w.WriteUE(4)
	w.Put(1, 1)
	w.WriteUE(4)
	w.WriteUE(2)
	w.WriteUE(0)
	w.WriteUE(0)
	w.WriteUE(3)
	w.WriteUE(0)
	w.WriteUE(3)
	w.WriteUE(1)
	w.WriteUE(1)
	w.Put(0, 1)
	w.Put(1, 1)
	w.Put(1, 1)
	w.Put(0, 1)
	w.WriteUE(1)
	w.WriteUE(1)
	w.WriteUE(0)
	w.WriteUE(0)
	w.Put(1, 1)
	w.Put(0, 1)
	w.Put(1, 1)
	w.Put(1, 1)
	w.Put(0, 1)
	w.Put(0, 1)
	w.Put(1, 1)
	w.PutAlign()
	return append([]byte{0x42, 0x01}, bits.AddEmulationPrevention(w.Bytes())...)
}

// H264Slice is a slice NAL of n bytes with first_mb_in_slice 0, IDR when
// key is set.
func H264Slice(key bool, n int) []byte {
	b := make([]byte, n)
	b[0] = 0x41
	if key {
		b[0] = 0x65
	}
	for i := 1; i < n; i++ {
		b[i] = byte(i)
	}
	b[1] = 0x88
	return b
}

// H265Slice is a first slice segment NAL of n bytes, IDR_W_RADL when key
// is set.
func H265Slice(key bool, n int) []byte {
	b := make([]byte, n)
	b[0], b[1], b[2] = 0x02, 0x01, 0x80
	if key {
		b[0] = 19 << 1
	}
	for i := 3; i < n; i++ {
		b[i] = byte(i)
	}
	return b
}

func AnnexB(nalus ...[]byte) []byte {
	return h264parser.JoinAnnexB(nalus)
}

func AVCC(nalus ...[]byte) []byte {
	return h264parser.JoinAVCC(nalus)
}

func AudioSpecificConfig(sampleRate, channels int) []byte {
	b, err := aacparser.MPEG4AudioConfigBytes(aacparser.NewMPEG4AudioConfig(sampleRate, channels))
	if err != nil {
		panic(err)
	}
	return b
}

func ADTS(sampleRate, channels int, payload []byte) []byte {
	h := make([]byte, aacparser.ADTSHeaderLength)
	n, err := aacparser.FillADTSHeader(h, sampleRate, channels, len(payload), false)
	if err != nil {
		panic(err)
	}
	return append(h[:n], payload...)
}

// VideoFrames returns n Annex-B H.264 frames at fps. Every gop-th frame is
// an IDR carrying SPS/PPS in band.
func VideoFrames(n, gop, fps int) []av.Frame {
	sps := H264SPS(20, 15, uint64(fps))
	frames := make([]av.Frame, n)
	for i := range frames {
		key := i%gop == 0
		var data []byte
		if key {
			data = AnnexB(sps, H264PPS, H264Slice(true, 64))
		} else {
			data = AnnexB(H264Slice(false, 32))
		}
		frames[i] = av.Frame{
			IsKeyFrame: key,
			PTS:        time.Duration(i) * time.Second / time.Duration(fps),
			Data:       data,
		}
	}
	return frames
}

// AudioFrames returns n raw AAC access units of 1024 samples.
func AudioFrames(n, sampleRate int) []av.Frame {
	frames := make([]av.Frame, n)
	for i := range frames {
		payload := make([]byte, 20)
		payload[0] = byte(i)
		frames[i] = av.Frame{
			IsKeyFrame: true,
			PTS:        time.Duration(i) * 1024 * time.Second / time.Duration(sampleRate),
			Data:       payload,
		}
	}
	return frames
}

type Tagged struct {
	Stream int
	Frame  av.Frame
}

// Interleave merges the frames of several streams in decode time order.
func Interleave(streams ...[]av.Frame) (r []Tagged) {
	for i, frames := range streams {
		for _, f := range frames {
			r = append(r, Tagged{i, f})
		}
	}
	sort.SliceStable(r, func(a, b int) bool { return r[a].Frame.DecodeTime() < r[b].Frame.DecodeTime() })
	return
}
