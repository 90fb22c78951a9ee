// Package ts writes MPEG transport streams. A Muxer carries any number of
// services (programs), each with its own PMT and PCR stream.
package ts

import (
	"bytes"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tyrese/avmux/av"
	"github.com/tyrese/avmux/codec"
	"github.com/tyrese/avmux/codec/aacparser"
	"github.com/tyrese/avmux/codec/h264parser"
	"github.com/tyrese/avmux/codec/h265parser"
	"github.com/tyrese/avmux/format/ts/tsio"
	"github.com/tyrese/avmux/utils/bits/pio"
)

var CodecTypes = []av.CodecType{av.H264, av.H265, av.AAC}

type AACFraming int

const (
	ADTS AACFraming = iota
	LATM
)

func (self AACFraming) String() string {
	if self == LATM {
		return "latm"
	}
	return "adts"
}

func ParseAACFraming(s string) (AACFraming, error) {
	switch strings.ToLower(s) {
	case "", "adts":
		return ADTS, nil
	case "latm", "loas":
		return LATM, nil
	}
	return ADTS, av.Configurationf("ts: unknown aac framing %q", s)
}

const (
	firstESPID  = 0x100
	maxStreams  = tsio.PMT_PID - firstESPID
	maxServices = tsio.NULL_PID - tsio.PMT_PID
)

type Options struct {
	// PCR = decode time - PCROffset
	PCROffset time.Duration
	// tables are repeated at least this often, 0 disables repetition
	TableInterval time.Duration
	AACFraming    AACFraming
	// SDT defaults for services added without a name
	ServiceName  string
	ProviderName string
}

func DefaultOptions() Options {
	return Options{
		PCROffset:     300 * time.Microsecond,
		TableInterval: 100 * time.Millisecond,
		AACFraming:    ADTS,
		ServiceName:   "avmux",
		ProviderName:  "avmux",
	}
}

type Muxer struct {
	Options
	Logger logrus.FieldLogger

	mu       sync.Mutex
	emitter  *av.Emitter
	services []*Service
	streams  []*Stream

	started    bool
	tswpat     *tsio.TSWriter
	tswsdt     *tsio.TSWriter
	hasTables  bool
	dirty      bool
	version    uint8
	lastTables time.Duration

	peshdr  []byte
	adtshdr []byte
}

func NewMuxer(sink av.PacketSink, opts Options) *Muxer {
	return &Muxer{
		Options: opts,
		Logger:  logrus.WithField("format", "ts"),
		emitter: av.NewEmitter(sink),
		tswpat:  tsio.NewTSWriter(tsio.PAT_PID),
		tswsdt:  tsio.NewTSWriter(tsio.SDT_PID),
		peshdr:  make([]byte, tsio.MaxPESHeaderLength),
		adtshdr: make([]byte, aacparser.ADTSHeaderLength),
	}
}

// AddService registers a program. Services may be added while streaming;
// the tables are sent again before the next PES.
func (self *Muxer) AddService(info ServiceInfo) (svc *Service, err error) {
	self.mu.Lock()
	defer self.mu.Unlock()

	if len(self.services) >= maxServices {
		err = av.Configurationf("ts: too many services")
		return
	}
	if info.ProgramNumber == 0 {
		info.ProgramNumber = self.freeProgramNumber()
	}
	for _, other := range self.liveServices() {
		if other.ProgramNumber == info.ProgramNumber {
			err = av.Configurationf("ts: program number %d already in use", info.ProgramNumber)
			return
		}
	}
	if info.Name == "" {
		info.Name = self.ServiceName
	}
	if info.Provider == "" {
		info.Provider = self.ProviderName
	}

	idx := len(self.services)
	pid := uint16(tsio.PMT_PID + idx)
	svc = &Service{
		ServiceInfo: info,
		idx:         idx,
		pmtPID:      pid,
		tsw:         tsio.NewTSWriter(pid),
	}
	self.services = append(self.services, svc)
	self.dirty = true
	self.Logger.WithFields(logrus.Fields{"program": info.ProgramNumber, "pmt_pid": pid}).Debug("ts: service added")
	return
}

func (self *Muxer) freeProgramNumber() uint16 {
	n := uint16(1)
	for _, svc := range self.liveServices() {
		if svc.ProgramNumber >= n {
			n = svc.ProgramNumber + 1
		}
	}
	return n
}

// RemoveService drops a program and every stream in it. Their handles stay
// invalid for good.
func (self *Muxer) RemoveService(svc *Service) error {
	self.mu.Lock()
	defer self.mu.Unlock()
	if err := self.checkService(svc); err != nil {
		return err
	}
	svc.removed = true
	for _, stream := range svc.streams {
		stream.removed = true
	}
	svc.streams = nil
	svc.pcr = nil
	self.dirty = true
	self.Logger.WithField("program", svc.ProgramNumber).Debug("ts: service removed")
	return nil
}

func (self *Muxer) checkService(svc *Service) error {
	if svc == nil || svc.idx >= len(self.services) || self.services[svc.idx] != svc {
		return av.ProtocolViolationf("ts: unknown service")
	}
	if svc.removed {
		return av.ProtocolViolationf("ts: service %d removed", svc.ProgramNumber)
	}
	return nil
}

func (self *Muxer) liveServices() (r []*Service) {
	for _, svc := range self.services {
		if !svc.removed {
			r = append(r, svc)
		}
	}
	return
}

// AddStream adds to the most recently added service that is still live.
func (self *Muxer) AddStream(cfg av.StreamConfig) (int, error) {
	self.mu.Lock()
	var svc *Service
	for i := len(self.services) - 1; i >= 0; i-- {
		if !self.services[i].removed {
			svc = self.services[i]
			break
		}
	}
	self.mu.Unlock()
	if svc == nil {
		return -1, av.ProtocolViolationf("ts: no service to add the stream to")
	}
	return self.AddStreamToService(svc, cfg)
}

func (self *Muxer) AddStreamToService(svc *Service, cfg av.StreamConfig) (idx int, err error) {
	idx = -1
	if err = cfg.Validate(); err != nil {
		return
	}
	typ, _ := cfg.CodecType()
	switch typ {
	case av.H264, av.H265, av.AAC:
	default:
		err = av.Configurationf("ts: codec %v is not supported", typ)
		return
	}

	self.mu.Lock()
	defer self.mu.Unlock()
	if err = self.checkService(svc); err != nil {
		return
	}
	if len(self.streams) >= maxStreams {
		err = av.Configurationf("ts: too many streams")
		return
	}

	n := len(self.streams)
	pid := uint16(firstESPID + n)
	stream := &Stream{
		StreamConfig: cfg,
		codec:        typ,
		idx:          n,
		pid:          pid,
		service:      svc,
		tsw:          tsio.NewTSWriter(pid),
	}
	if typ == av.AAC {
		var aac aacparser.CodecData
		if aac, err = aacparser.NewCodecDataFromStream(cfg, nil); err == nil {
			err = stream.setAudioConfig(aac, self.AACFraming)
		}
		if err != nil {
			err = av.Configurationf("ts: %v", err)
			return
		}
	}
	self.streams = append(self.streams, stream)
	svc.streams = append(svc.streams, stream)
	svc.electPCR()
	self.dirty = true
	idx = n
	self.Logger.WithFields(logrus.Fields{"stream": idx, "pid": pid, "codec": typ, "program": svc.ProgramNumber}).Debug("ts: stream added")
	return
}

// RemoveStream drops a stream from its service. If it carried the PCR
// another stream of the service takes over.
func (self *Muxer) RemoveStream(idx int) error {
	self.mu.Lock()
	defer self.mu.Unlock()
	stream, err := self.stream(idx)
	if err != nil {
		return err
	}
	stream.removed = true
	stream.service.detach(stream)
	self.dirty = true
	return nil
}

func (self *Muxer) stream(idx int) (*Stream, error) {
	if idx < 0 || idx >= len(self.streams) {
		return nil, av.ProtocolViolationf("ts: unknown stream %d", idx)
	}
	stream := self.streams[idx]
	if stream.service.removed {
		return nil, av.ProtocolViolationf("ts: stream %d belongs to removed service %d", idx, stream.service.ProgramNumber)
	}
	if stream.removed {
		return nil, av.ProtocolViolationf("ts: stream %d removed", idx)
	}
	return stream, nil
}

// StartStream resets continuity counters and table versions. Tables go
// out ahead of the first PES.
func (self *Muxer) StartStream() error {
	self.mu.Lock()
	defer self.mu.Unlock()
	if self.started {
		return av.ProtocolViolationf("ts: already started")
	}
	self.started = true
	self.hasTables = false
	self.dirty = true
	self.version = 0
	self.tswpat = tsio.NewTSWriter(tsio.PAT_PID)
	self.tswsdt = tsio.NewTSWriter(tsio.SDT_PID)
	for _, svc := range self.services {
		svc.tsw = tsio.NewTSWriter(svc.pmtPID)
	}
	for _, stream := range self.streams {
		stream.tsw = tsio.NewTSWriter(stream.pid)
		stream.params = nil
	}
	self.Logger.WithField("services", len(self.liveServices())).Info("ts: stream started")
	return nil
}

// StopStream ends the session. A transport stream has no trailer.
func (self *Muxer) StopStream() error {
	self.mu.Lock()
	defer self.mu.Unlock()
	if !self.started {
		return av.ProtocolViolationf("ts: stop before start")
	}
	self.started = false
	self.Logger.Info("ts: stream stopped")
	return nil
}

func (self *Muxer) Write(frame av.Frame, idx int) (err error) {
	self.mu.Lock()
	var pkts []av.Packet
	pkts, err = self.write(frame, idx)
	return self.emitter.Emit(&self.mu, pkts, err)
}

func (self *Muxer) drop(idx int, frame av.Frame, err error) error {
	self.Logger.WithFields(logrus.Fields{"stream": idx, "pts": frame.PTS}).Warn(err)
	return err
}

func (self *Muxer) write(frame av.Frame, idx int) (pkts []av.Packet, err error) {
	if !self.started {
		err = av.ProtocolViolationf("ts: write before start")
		return
	}
	var stream *Stream
	if stream, err = self.stream(idx); err != nil {
		return
	}
	if frame.PTS < 0 || frame.DecodeTime() < 0 {
		err = self.drop(idx, frame, av.Framingf("ts: stream %d negative timestamp %v", idx, frame.PTS))
		return
	}

	var datav [][]byte
	var streamid uint8
	if stream.Kind == av.Video {
		streamid = tsio.StreamIdVideo
		if datav, err = self.videoPayload(stream, frame); err != nil {
			err = self.drop(idx, frame, err)
			return
		}
	} else {
		streamid = tsio.StreamIdAudio
		if datav, err = self.audioPayload(stream, frame); err != nil {
			err = self.drop(idx, frame, err)
			return
		}
	}

	// DTS only differs from PTS for reordered video
	withDTS := stream.Kind == av.Video && frame.HasDTS && frame.DTS != frame.PTS
	var n int
	if n, err = tsio.FillPESHeader(self.peshdr, streamid, pio.VecLen(datav[1:]), frame.PTS, frame.DTS, withDTS); err != nil {
		err = self.drop(idx, frame, err)
		return
	}
	datav[0] = self.peshdr[:n]

	tm := frame.DecodeTime()
	svc := stream.service
	isPCR := stream == svc.pcr
	if !self.hasTables || self.dirty || (isPCR && stream.Kind == av.Video && frame.IsKeyFrame) ||
		(self.TableInterval > 0 && tm-self.lastTables >= self.TableInterval) {
		if pkts, err = self.tables(tm); err != nil {
			return
		}
	}

	// PCR follows decode time, not PTS, so it never runs ahead of a B-frame DTS
	pcr := tm - self.PCROffset
	if pcr < 0 {
		pcr = 0
	}
	buf := &bytes.Buffer{}
	if err = stream.tsw.WritePackets(buf, datav, pcr, isPCR, frame.IsKeyFrame, false); err != nil {
		return
	}
	pkts = append(pkts, av.Packet{
		Data:   buf.Bytes(),
		Time:   frame.PTS,
		Type:   av.PacketTypeOf(stream.Kind),
		Stream: idx,
	})
	return
}

// videoPayload returns the Annex-B access unit behind a PES header slot:
// an AUD, the parameter sets on key frames, then the slices.
func (self *Muxer) videoPayload(stream *Stream, frame av.Frame) (datav [][]byte, err error) {
	var nalus [][]byte
	if nalus, err = codec.SplitAccessUnit(frame.Data); err != nil {
		return
	}
	vcl, params := codec.SplitVCL(stream.codec, nalus)
	if len(vcl) == 0 {
		err = av.Framingf("ts: stream %d frame carries no slice data", stream.idx)
		return
	}
	if len(frame.Extra) > 0 || len(params) > 0 {
		// Extra may be a decoder record or Annex-B; only bare NAL units go on the wire
		var conf codec.VideoCodecData
		if conf, err = codec.ParseVideoCodecData(stream.codec, frame.Extra, params); err != nil {
			err = av.Framingf("ts: stream %d parameter sets: %v", stream.idx, err)
			return
		}
		stream.params = conf.ParameterSets
	}

	aud := h264parser.AUDBytes
	if stream.codec == av.H265 {
		aud = h265parser.AUDBytes
	}
	datav = append(datav, nil, aud)
	if frame.IsKeyFrame {
		for _, nalu := range stream.params {
			datav = append(datav, h264parser.StartCodeBytes, nalu)
		}
	}
	for _, nalu := range vcl {
		datav = append(datav, h264parser.StartCodeBytes, nalu)
	}
	return
}

func (self *Muxer) audioPayload(stream *Stream, frame av.Frame) (datav [][]byte, err error) {
	raw := codec.StripADTS(frame.Data)
	if len(raw) == 0 {
		err = av.Framingf("ts: stream %d empty audio frame", stream.idx)
		return
	}
	if len(frame.Extra) > 0 {
		var aac aacparser.CodecData
		if aac, err = aacparser.NewCodecDataFromStream(stream.StreamConfig, frame.Extra); err != nil {
			err = av.Framingf("ts: stream %d: %v", stream.idx, err)
			return
		}
		if err = stream.setAudioConfig(aac, self.AACFraming); err != nil {
			err = av.Framingf("ts: stream %d: %v", stream.idx, err)
			return
		}
	}

	if stream.latm != nil {
		var b []byte
		if b, err = stream.latm.Frame(raw); err != nil {
			return
		}
		datav = [][]byte{nil, b}
		return
	}
	var n int
	if n, err = aacparser.FillADTSHeader(self.adtshdr, stream.aac.SampleRate(), stream.aac.ChannelLayout().Count(), len(raw), false); err != nil {
		err = av.Framingf("ts: stream %d: %v", stream.idx, err)
		return
	}
	datav = [][]byte{nil, self.adtshdr[:n], raw}
	return
}

// tables emits PAT, one PMT per live service and the SDT, each as its own
// packet.
func (self *Muxer) tables(tm time.Duration) (pkts []av.Packet, err error) {
	if self.dirty && self.hasTables {
		self.version = (self.version + 1) & 0x1f
	}

	services := self.liveServices()
	pat := tsio.PAT{}
	sdt := tsio.SDT{OriginalNetworkId: tsio.OriginalNetworkId}
	for _, svc := range services {
		pat.Entries = append(pat.Entries, tsio.PATEntry{ProgramNumber: svc.ProgramNumber, ProgramMapPID: svc.pmtPID})
		sdt.Services = append(sdt.Services, tsio.SDTService{
			ServiceId:   svc.ProgramNumber,
			ServiceType: tsio.ServiceTypeDigitalTV,
			Provider:    svc.Provider,
			Name:        svc.Name,
		})
	}

	emit := func(tsw *tsio.TSWriter, tableid uint8, tableext uint16, body tsio.Section) (err error) {
		var b []byte
		if b, err = tsio.MarshalSection(tableid, tableext, self.version, body); err != nil {
			return
		}
		buf := &bytes.Buffer{}
		if err = tsw.WritePackets(buf, [][]byte{b}, 0, false, false, true); err != nil {
			return
		}
		pkts = append(pkts, av.Packet{Data: buf.Bytes(), Time: tm, Type: av.PacketUnknown, Stream: -1})
		return
	}

	if err = emit(self.tswpat, tsio.TableIdPAT, tsio.TransportStreamId, pat); err != nil {
		return
	}
	for _, svc := range services {
		pmt := tsio.PMT{PCRPID: svc.PCRPID()}
		for _, stream := range svc.streams {
			pmt.ElementaryStreamInfos = append(pmt.ElementaryStreamInfos, tsio.ElementaryStreamInfo{
				StreamType:    stream.streamType(self.AACFraming),
				ElementaryPID: stream.pid,
			})
		}
		if err = emit(svc.tsw, tsio.TableIdPMT, svc.ProgramNumber, pmt); err != nil {
			return
		}
	}
	if err = emit(self.tswsdt, tsio.TableIdSDT, tsio.TransportStreamId, sdt); err != nil {
		return
	}

	self.hasTables = true
	self.dirty = false
	self.lastTables = tm
	return
}
