package ts

import (
	"github.com/tyrese/avmux/av"
	"github.com/tyrese/avmux/codec/aacparser"
	"github.com/tyrese/avmux/format/ts/tsio"
)

type ServiceInfo struct {
	ProgramNumber uint16 // 0 picks the next free number
	Name          string
	Provider      string
}

// Service is one program: a PMT and the streams it lists.
type Service struct {
	ServiceInfo

	idx     int
	pmtPID  uint16
	streams []*Stream
	pcr     *Stream
	removed bool
	tsw     *tsio.TSWriter
}

func (self *Service) PMTPID() uint16 {
	return self.pmtPID
}

// PCRPID is the PID carrying the program clock, tsio.NULL_PID when the
// service has no streams.
func (self *Service) PCRPID() uint16 {
	if self.pcr == nil {
		return tsio.NULL_PID
	}
	return self.pcr.pid
}

func (self *Service) Removed() bool {
	return self.removed
}

// electPCR picks the first video stream, else the first stream.
func (self *Service) electPCR() {
	self.pcr = nil
	for _, stream := range self.streams {
		if stream.Kind == av.Video {
			self.pcr = stream
			return
		}
	}
	if len(self.streams) > 0 {
		self.pcr = self.streams[0]
	}
}

func (self *Service) detach(stream *Stream) {
	for i, s := range self.streams {
		if s == stream {
			self.streams = append(self.streams[:i], self.streams[i+1:]...)
			break
		}
	}
	if self.pcr == stream {
		self.electPCR()
	}
}

type Stream struct {
	av.StreamConfig

	codec   av.CodecType
	idx     int
	pid     uint16
	service *Service
	removed bool
	tsw     *tsio.TSWriter

	params [][]byte // last parameter sets seen, repeated on key frames
	aac    aacparser.CodecData
	latm   *aacparser.LATMFramer
}

func (self *Stream) PID() uint16 {
	return self.pid
}

func (self *Stream) streamType(framing AACFraming) uint8 {
	switch self.codec {
	case av.H264:
		return tsio.ElementaryStreamTypeH264
	case av.H265:
		return tsio.ElementaryStreamTypeH265
	}
	if framing == LATM {
		return tsio.ElementaryStreamTypeLatmAAC
	}
	return tsio.ElementaryStreamTypeAdtsAAC
}

func (self *Stream) setAudioConfig(aac aacparser.CodecData, framing AACFraming) (err error) {
	self.aac = aac
	if framing == LATM {
		if self.latm, err = aacparser.NewLATMFramer(aac.MPEG4AudioConfigBytes()); err != nil {
			return
		}
	}
	return
}
