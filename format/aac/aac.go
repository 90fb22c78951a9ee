// Package aac reads and writes raw ADTS streams (.aac files).
package aac

import (
	"bufio"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tyrese/avmux/av"
	"github.com/tyrese/avmux/av/avutil"
	"github.com/tyrese/avmux/codec"
	"github.com/tyrese/avmux/codec/aacparser"
)

type Muxer struct {
	Logger logrus.FieldLogger

	mu      sync.Mutex
	emitter *av.Emitter
	cfg     *av.StreamConfig
	config  aacparser.MPEG4AudioConfig
	started bool
	adtshdr []byte
}

func NewMuxer(sink av.PacketSink) *Muxer {
	return &Muxer{
		Logger:  logrus.WithField("format", "adts"),
		emitter: av.NewEmitter(sink),
		adtshdr: make([]byte, aacparser.ADTSHeaderLength),
	}
}

// checkConfig rejects what an ADTS header cannot describe.
func checkConfig(config aacparser.MPEG4AudioConfig) error {
	if config.ObjectType > aacparser.AOT_AAC_LTP {
		return av.Configurationf("aac: AOT %d is not allowed in ADTS", config.ObjectType)
	}
	if _, ok := aacparser.SampleRateIndex(config.SampleRate); !ok {
		return av.Configurationf("aac: sample rate %d has no ADTS index", config.SampleRate)
	}
	if config.ChannelConfig == 0 {
		return av.Configurationf("aac: channel layout needs a program config element")
	}
	return nil
}

func (self *Muxer) AddStream(cfg av.StreamConfig) (idx int, err error) {
	if err = cfg.Validate(); err != nil {
		return
	}
	if typ, _ := cfg.CodecType(); typ != av.AAC {
		err = av.Configurationf("aac: codec %v is not supported", typ)
		return
	}
	var aac aacparser.CodecData
	if aac, err = aacparser.NewCodecDataFromStream(cfg, nil); err != nil {
		err = av.Configurationf("aac: %v", err)
		return
	}
	if err = checkConfig(aac.Config); err != nil {
		return
	}

	self.mu.Lock()
	defer self.mu.Unlock()
	if self.started {
		err = av.ProtocolViolationf("aac: streams must be added before start")
		return
	}
	if self.cfg != nil {
		err = av.Configurationf("aac: must be only one aac stream")
		return
	}
	self.cfg = &cfg
	self.config = aac.Config
	return 0, nil
}

func (self *Muxer) RemoveStream(idx int) error {
	self.mu.Lock()
	defer self.mu.Unlock()
	if idx != 0 || self.cfg == nil {
		return av.ProtocolViolationf("aac: unknown stream %d", idx)
	}
	if self.started {
		return av.ProtocolViolationf("aac: stream cannot be removed while streaming")
	}
	self.cfg = nil
	return nil
}

func (self *Muxer) StartStream() error {
	self.mu.Lock()
	defer self.mu.Unlock()
	if self.started {
		return av.ProtocolViolationf("aac: already started")
	}
	if self.cfg == nil {
		return av.ProtocolViolationf("aac: no stream")
	}
	aac, err := aacparser.NewCodecDataFromStream(*self.cfg, nil)
	if err != nil {
		return av.Configurationf("aac: %v", err)
	}
	self.config = aac.Config
	self.started = true
	self.Logger.Info("aac: stream started")
	return nil
}

func (self *Muxer) StopStream() error {
	self.mu.Lock()
	defer self.mu.Unlock()
	if !self.started {
		return av.ProtocolViolationf("aac: not started")
	}
	self.started = false
	self.Logger.Info("aac: stream stopped")
	return nil
}

func (self *Muxer) Write(frame av.Frame, idx int) (err error) {
	self.mu.Lock()
	var pkts []av.Packet
	pkts, err = self.write(frame, idx)
	return self.emitter.Emit(&self.mu, pkts, err)
}

func (self *Muxer) drop(frame av.Frame, err error) error {
	self.Logger.WithFields(logrus.Fields{"stream": 0, "pts": frame.PTS}).Warn(err)
	return err
}

func (self *Muxer) write(frame av.Frame, idx int) (pkts []av.Packet, err error) {
	if !self.started {
		err = av.ProtocolViolationf("aac: write before start")
		return
	}
	if idx != 0 || self.cfg == nil {
		err = av.ProtocolViolationf("aac: unknown stream %d", idx)
		return
	}
	if len(frame.Extra) > 0 {
		var aac aacparser.CodecData
		if aac, err = aacparser.NewCodecDataFromStream(*self.cfg, frame.Extra); err == nil {
			err = checkConfig(aac.Config)
		}
		if err != nil {
			err = self.drop(frame, av.Framingf("aac: %v", err))
			return
		}
		self.config = aac.Config
	}
	payload := codec.StripADTS(frame.Data)
	if len(payload) == 0 {
		err = self.drop(frame, av.Framingf("aac: empty frame"))
		return
	}
	var n int
	if n, err = aacparser.FillADTSHeader(self.adtshdr, self.config.SampleRate, self.config.ChannelLayout.Count(), len(payload), false); err != nil {
		err = self.drop(frame, av.Framingf("aac: %v", err))
		return
	}
	b := make([]byte, n+len(payload))
	copy(b, self.adtshdr[:n])
	copy(b[n:], payload)
	pkts = append(pkts, av.Packet{Data: b, Time: frame.DecodeTime(), Type: av.PacketAudio, Stream: 0})
	return
}

// Demuxer reads an ADTS stream. Every frame is a key frame; the first
// carries the AudioSpecificConfig in Extra.
type Demuxer struct {
	r      *bufio.Reader
	config aacparser.MPEG4AudioConfig
	asc    []byte
	parsed bool
	sent   bool
	nsamp  int64
}

func NewDemuxer(r io.Reader) *Demuxer {
	return &Demuxer{
		r: bufio.NewReader(r),
	}
}

func (self *Demuxer) peekHeader() (config aacparser.MPEG4AudioConfig, hdrlen, framelen, samples int, err error) {
	var adtshdr []byte
	if adtshdr, err = self.r.Peek(aacparser.ADTSHeaderLength); err != nil {
		if err == io.EOF && len(adtshdr) > 0 {
			err = io.ErrUnexpectedEOF
		}
		return
	}
	if config, hdrlen, framelen, samples, err = aacparser.ParseADTSHeader(adtshdr); err != nil {
		err = av.Framingf("aac: %v", err)
	}
	return
}

func (self *Demuxer) Streams() (streams []av.StreamConfig, err error) {
	if !self.parsed {
		var config aacparser.MPEG4AudioConfig
		if config, _, _, _, err = self.peekHeader(); err != nil {
			return
		}
		if self.asc, err = aacparser.MPEG4AudioConfigBytes(config); err != nil {
			return
		}
		self.config = config
		self.parsed = true
	}
	streams = []av.StreamConfig{
		av.NewAudioConfig(av.MimeAAC, self.config.SampleRate, self.config.ChannelLayout, av.S16),
	}
	return
}

func (self *Demuxer) ReadFrame() (idx int, frame av.Frame, err error) {
	if _, err = self.Streams(); err != nil {
		return
	}
	var config aacparser.MPEG4AudioConfig
	var hdrlen, framelen, samples int
	if config, hdrlen, framelen, samples, err = self.peekHeader(); err != nil {
		return
	}

	data := make([]byte, framelen)
	if _, err = io.ReadFull(self.r, data); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return
	}

	frame.IsKeyFrame = true
	frame.PTS = time.Duration(self.nsamp) * time.Second / time.Duration(config.SampleRate)
	frame.Data = data[hdrlen:]
	if !self.sent {
		frame.Extra = [][]byte{self.asc}
		self.sent = true
	}
	self.nsamp += int64(samples)
	return
}

func Handler(h *avutil.RegisterHandler) {
	h.Ext = ".aac"

	h.ReaderDemuxer = func(r io.Reader) av.FrameReader {
		return NewDemuxer(r)
	}

	h.SinkMuxer = func(sink av.PacketSink) av.Muxer {
		return NewMuxer(sink)
	}

	h.Sniff = func(b []byte) bool {
		_, _, _, _, err := aacparser.ParseADTSHeader(b)
		return err == nil
	}

	h.CodecTypes = []av.CodecType{av.AAC}
}
