// Package avutil holds the packet sinks, the format handler registry and
// helpers that pump frames from a reader into a muxer.
package avutil

import (
	"bytes"
	"io"
	"os"
	"path"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/tyrese/avmux/av"
)

// WriterSink appends packet data to an io.Writer.
type WriterSink struct {
	W io.Writer
	N int64 // bytes written
}

func (self *WriterSink) WritePacket(pkt av.Packet) error {
	n, err := self.W.Write(pkt.Data)
	self.N += int64(n)
	return err
}

// MemorySink keeps every packet. It is safe for concurrent use.
type MemorySink struct {
	mu      sync.Mutex
	packets []av.Packet
}

func (self *MemorySink) WritePacket(pkt av.Packet) error {
	self.mu.Lock()
	defer self.mu.Unlock()
	self.packets = append(self.packets, pkt)
	return nil
}

func (self *MemorySink) Packets() []av.Packet {
	self.mu.Lock()
	defer self.mu.Unlock()
	return append([]av.Packet(nil), self.packets...)
}

// Bytes is the concatenation of all packet data, i.e. the file a
// WriterSink would have produced.
func (self *MemorySink) Bytes() []byte {
	self.mu.Lock()
	defer self.mu.Unlock()
	var b bytes.Buffer
	for _, pkt := range self.packets {
		b.Write(pkt.Data)
	}
	return b.Bytes()
}

func (self *MemorySink) Reset() {
	self.mu.Lock()
	self.packets = nil
	self.mu.Unlock()
}

type DemuxCloser interface {
	av.FrameReader
	Close() error
}

type HandlerDemuxer struct {
	av.FrameReader
	r io.ReadCloser
}

func (self *HandlerDemuxer) Close() error {
	return self.r.Close()
}

type RegisterHandler struct {
	Ext           string
	Sniff         func([]byte) bool
	ReaderDemuxer func(io.Reader) av.FrameReader
	SinkMuxer     func(av.PacketSink) av.Muxer
	CodecTypes    []av.CodecType
}

type Handlers struct {
	handlers []RegisterHandler
}

func (self *Handlers) Add(fn func(*RegisterHandler)) {
	handler := &RegisterHandler{}
	fn(handler)
	self.handlers = append(self.handlers, *handler)
}

// Find returns the handler registered for the extension of uri.
func (self *Handlers) Find(uri string) (handler RegisterHandler, ok bool) {
	ext := strings.ToLower(path.Ext(uri))
	if ext == "" {
		return
	}
	for _, handler = range self.handlers {
		if handler.Ext == ext {
			return handler, true
		}
	}
	return RegisterHandler{}, false
}

func (self *Handlers) Open(uri string) (demuxer DemuxCloser, err error) {
	if handler, ok := self.Find(uri); ok && handler.ReaderDemuxer != nil {
		var r io.ReadCloser
		if r, err = os.Open(uri); err != nil {
			return
		}
		demuxer = &HandlerDemuxer{FrameReader: handler.ReaderDemuxer(r), r: r}
		return
	}

	var f *os.File
	if f, err = os.Open(uri); err != nil {
		return
	}
	var head [1024]byte
	n, _ := io.ReadFull(f, head[:])
	for _, handler := range self.handlers {
		if handler.Sniff != nil && handler.ReaderDemuxer != nil && handler.Sniff(head[:n]) {
			if _, err = f.Seek(0, io.SeekStart); err != nil {
				f.Close()
				return
			}
			demuxer = &HandlerDemuxer{FrameReader: handler.ReaderDemuxer(f), r: f}
			return
		}
	}
	f.Close()
	err = errors.Errorf("avutil: open %s failed", uri)
	return
}

// CopyFrames registers the streams of src on dst and copies frames until
// src returns io.EOF. Frames rejected with a FramingError are skipped; the
// muxer has already logged them. dst is left started.
func CopyFrames(dst av.Muxer, src av.FrameReader) (err error) {
	var streams []av.StreamConfig
	if streams, err = src.Streams(); err != nil {
		return
	}
	idx := make([]int, len(streams))
	for i, cfg := range streams {
		if idx[i], err = dst.AddStream(cfg); err != nil {
			return
		}
	}
	if err = dst.StartStream(); err != nil {
		return
	}
	for {
		var i int
		var frame av.Frame
		if i, frame, err = src.ReadFrame(); err != nil {
			if err == io.EOF {
				err = nil
			}
			return
		}
		if i < 0 || i >= len(idx) {
			return errors.Errorf("avutil: reader returned stream %d of %d", i, len(idx))
		}
		if err = dst.Write(frame, idx[i]); err != nil {
			if errors.Is(err, av.ErrFraming) {
				continue
			}
			return
		}
	}
}

// MultiReader merges several single-purpose readers into one, reading
// them round robin in decode time order.
type MultiReader struct {
	Readers []av.FrameReader

	streams []av.StreamConfig
	base    []int
	heads   []*head
}

type head struct {
	idx   int
	frame av.Frame
	eof   bool
}

func (self *MultiReader) Streams() (streams []av.StreamConfig, err error) {
	if self.streams != nil {
		return self.streams, nil
	}
	for _, r := range self.Readers {
		var s []av.StreamConfig
		if s, err = r.Streams(); err != nil {
			return
		}
		self.base = append(self.base, len(self.streams))
		self.streams = append(self.streams, s...)
		self.heads = append(self.heads, nil)
	}
	return self.streams, nil
}

func (self *MultiReader) ReadFrame() (idx int, frame av.Frame, err error) {
	if _, err = self.Streams(); err != nil {
		return
	}
	best := -1
	for i, r := range self.Readers {
		h := self.heads[i]
		if h == nil {
			h = &head{}
			if h.idx, h.frame, err = r.ReadFrame(); err != nil {
				if err != io.EOF {
					return
				}
				err = nil
				h.eof = true
			}
			self.heads[i] = h
		}
		if h.eof {
			continue
		}
		if best < 0 || h.frame.DecodeTime() < self.heads[best].frame.DecodeTime() {
			best = i
		}
	}
	if best < 0 {
		err = io.EOF
		return
	}
	h := self.heads[best]
	self.heads[best] = nil
	return self.base[best] + h.idx, h.frame, nil
}
