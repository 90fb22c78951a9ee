// Package h26x reads raw Annex-B H.264 and H.265 elementary streams
// (.h264/.h265 files) as frames.
package h26x

import (
	"bytes"
	"io"
	"time"

	"github.com/tyrese/avmux/av"
	"github.com/tyrese/avmux/av/avutil"
	"github.com/tyrese/avmux/codec"
	"github.com/tyrese/avmux/codec/h264parser"
	"github.com/tyrese/avmux/codec/h265parser"
)

const readChunk = 64 << 10

var startCode = []byte{0, 0, 1}

// scanner splits an Annex-B byte stream into NAL units without holding
// more than the current NAL unit in memory.
type scanner struct {
	r    io.Reader
	buf  []byte
	from int // bytes of buf already searched for the next start code
	eof  bool
}

func (self *scanner) fill() (err error) {
	b := make([]byte, readChunk)
	var n int
	n, err = self.r.Read(b)
	self.buf = append(self.buf, b[:n]...)
	if err == io.EOF {
		self.eof = true
		err = nil
	}
	return
}

func trimZeros(b []byte) []byte {
	for len(b) > 0 && b[len(b)-1] == 0 {
		b = b[:len(b)-1]
	}
	return b
}

func (self *scanner) next() (nalu []byte, err error) {
	for {
		start := bytes.Index(self.buf, startCode)
		if start >= 0 {
			body := start + len(startCode)
			if self.from < body {
				self.from = body
			}
			if end := bytes.Index(self.buf[self.from:], startCode); end >= 0 {
				end += self.from
				nalu = trimZeros(append([]byte(nil), self.buf[body:end]...))
				self.buf = self.buf[end:]
				self.from = 0
				if len(nalu) > 0 {
					return
				}
				continue
			}
			// the last two bytes may begin a start code
			if self.from = len(self.buf) - 2; self.from < body {
				self.from = body
			}
			if self.eof {
				nalu = trimZeros(self.buf[body:])
				self.buf = nil
				self.from = 0
				if len(nalu) > 0 {
					return
				}
				err = io.EOF
				return
			}
		} else if self.eof {
			err = io.EOF
			return
		} else if len(self.buf) > 2 {
			// garbage before the first start code
			self.buf = self.buf[len(self.buf)-2:]
		}
		if err = self.fill(); err != nil {
			return
		}
	}
}

// Demuxer assembles access units. Parameter sets are stripped from the
// frame data and handed out in Extra with every key frame; frames are
// timed at a constant rate.
type Demuxer struct {
	typ av.CodecType
	fps int
	s   *scanner

	queue  [][]byte // NAL units read ahead while probing
	params map[int][]byte
	cfg    *av.StreamConfig

	au    [][]byte
	auVCL bool
	auKey bool
	count int64
	err   error
}

func NewDemuxer(r io.Reader, typ av.CodecType, fps int) *Demuxer {
	return &Demuxer{
		typ:    typ,
		fps:    fps,
		s:      &scanner{r: r},
		params: map[int][]byte{},
	}
}

func (self *Demuxer) naluType(nalu []byte) int {
	if self.typ == av.H265 {
		return h265parser.NALUType(nalu)
	}
	return h264parser.NALUType(nalu)
}

func (self *Demuxer) isVCL(nalu []byte) bool {
	if self.typ == av.H265 {
		return h265parser.IsDataNALU(nalu)
	}
	return h264parser.IsDataNALU(nalu)
}

func (self *Demuxer) isFirstSlice(nalu []byte) bool {
	if self.typ == av.H265 {
		return h265parser.FirstSliceSegment(nalu)
	}
	// first_mb_in_slice == 0 is coded as a single 1 bit
	return len(nalu) > 1 && nalu[1]&0x80 != 0
}

func (self *Demuxer) isKey(nalu []byte) bool {
	if self.typ == av.H265 {
		return h265parser.IsKeyFrame(nalu)
	}
	return h264parser.NALUType(nalu) == h264parser.NALU_IDR
}

func (self *Demuxer) isAUD(nalu []byte) bool {
	if self.typ == av.H265 {
		return h265parser.NALUType(nalu) == h265parser.NALU_AUD
	}
	return h264parser.NALUType(nalu) == h264parser.NALU_AUD
}

// isSuffix marks non-VCL units that belong to the preceding picture.
func (self *Demuxer) isSuffix(nalu []byte) bool {
	return self.typ == av.H265 && h265parser.NALUType(nalu) == h265parser.NALU_SEI_SUFFIX
}

func (self *Demuxer) paramSets() (r [][]byte) {
	types := []int{h264parser.NALU_SPS, h264parser.NALU_PPS}
	if self.typ == av.H265 {
		types = []int{h265parser.NALU_VPS, h265parser.NALU_SPS, h265parser.NALU_PPS}
	}
	for _, typ := range types {
		if b, ok := self.params[typ]; ok {
			r = append(r, b)
		}
	}
	return
}

func (self *Demuxer) readNALU() ([]byte, error) {
	if len(self.queue) > 0 {
		nalu := self.queue[0]
		self.queue = self.queue[1:]
		return nalu, nil
	}
	return self.s.next()
}

func (self *Demuxer) Streams() (streams []av.StreamConfig, err error) {
	if self.cfg == nil {
		mime := av.MimeAVC
		switch self.typ {
		case av.H264:
		case av.H265:
			mime = av.MimeHEVC
		default:
			err = av.Configurationf("h26x: codec %v is not supported", self.typ)
			return
		}
		seen := map[int][]byte{}
		var conf codec.VideoCodecData
		for {
			var nalu []byte
			if nalu, err = self.s.next(); err != nil {
				if err == io.EOF {
					err = av.Framingf("h26x: no parameter sets found")
				}
				return
			}
			self.queue = append(self.queue, nalu)
			if !codec.IsParameterSet(self.typ, nalu) {
				continue
			}
			seen[self.naluType(nalu)] = nalu
			var sets [][]byte
			for _, b := range seen {
				sets = append(sets, b)
			}
			if conf, err = codec.ParseVideoCodecData(self.typ, nil, sets); err == nil {
				break
			}
		}
		cfg := av.NewVideoConfig(mime, conf.Width, conf.Height, self.fps)
		self.cfg = &cfg
	}
	streams = []av.StreamConfig{*self.cfg}
	return
}

// flush turns the pending access unit into a frame.
func (self *Demuxer) flush() (frame av.Frame) {
	frame.IsKeyFrame = self.auKey
	frame.PTS = time.Duration(self.count) * time.Second / time.Duration(self.fps)
	frame.Data = h264parser.JoinAnnexB(self.au)
	if self.auKey {
		frame.Extra = self.paramSets()
	}
	self.count++
	self.au = nil
	self.auVCL = false
	self.auKey = false
	return
}

func (self *Demuxer) ReadFrame() (idx int, frame av.Frame, err error) {
	if _, err = self.Streams(); err != nil {
		return
	}
	if self.err != nil {
		err = self.err
		return
	}
	for {
		var nalu []byte
		if nalu, err = self.readNALU(); err != nil {
			if err == io.EOF && self.auVCL {
				self.err = err
				return 0, self.flush(), nil
			}
			return
		}

		vcl := self.isVCL(nalu)
		boundary := self.auVCL && !self.isSuffix(nalu) && (!vcl || self.isFirstSlice(nalu))
		if boundary {
			frame = self.flush()
		}

		switch {
		case self.isAUD(nalu):
		case codec.IsParameterSet(self.typ, nalu):
			self.params[self.naluType(nalu)] = nalu
		default:
			if vcl {
				self.auVCL = true
				if self.isKey(nalu) {
					self.auKey = true
				}
			}
			self.au = append(self.au, nalu)
		}

		if boundary {
			return
		}
	}
}

func handler(ext string, typ av.CodecType, fps int) func(*avutil.RegisterHandler) {
	return func(h *avutil.RegisterHandler) {
		h.Ext = ext
		h.ReaderDemuxer = func(r io.Reader) av.FrameReader {
			return NewDemuxer(r, typ, fps)
		}
		h.CodecTypes = []av.CodecType{typ}
	}
}

// Handlers register .h264/.264 and .h265/.265/.hevc readers at fps.
func Handlers(fps int) []func(*avutil.RegisterHandler) {
	return []func(*avutil.RegisterHandler){
		handler(".h264", av.H264, fps),
		handler(".264", av.H264, fps),
		handler(".h265", av.H265, fps),
		handler(".265", av.H265, fps),
		handler(".hevc", av.H265, fps),
	}
}
