// Package syncmux interleaves frames from independent producers before
// they reach a container muxer.
//
// The first video stream paces the output: its frames release every
// buffered frame of the other streams that decodes no later than they do.
// Without a video stream frames pass straight through.
package syncmux

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/tyrese/avmux/av"
	"github.com/tyrese/avmux/av/pktque"
)

type item struct {
	frame av.Frame
	idx   int
}

func itemLess(a, b item) bool {
	return a.frame.DecodeTime() < b.frame.DecodeTime()
}

type Muxer struct {
	Logger  logrus.FieldLogger
	Metrics *Metrics // optional

	inner av.Muxer

	mu      sync.Mutex
	order   sync.Mutex
	queue   *pktque.SyncQueue[item]
	kinds   map[int]av.MediaKind
	syncIdx int
	started bool
	session uuid.UUID
}

func New(inner av.Muxer) *Muxer {
	return &Muxer{
		Logger:  logrus.WithField("component", "syncmux"),
		inner:   inner,
		queue:   pktque.NewSyncQueue(itemLess),
		kinds:   map[int]av.MediaKind{},
		syncIdx: -1,
	}
}

// Session identifies the current start/stop cycle.
func (self *Muxer) Session() uuid.UUID {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.session
}

func (self *Muxer) AddStream(cfg av.StreamConfig) (idx int, err error) {
	self.mu.Lock()
	defer self.mu.Unlock()
	if idx, err = self.inner.AddStream(cfg); err != nil {
		return
	}
	self.kinds[idx] = cfg.Kind
	if self.syncIdx < 0 && cfg.Kind == av.Video {
		self.syncIdx = idx
	}
	return
}

// RemoveStream hands the sync role to the next video stream. When none is
// left, buffered frames are released.
func (self *Muxer) RemoveStream(idx int) (err error) {
	self.mu.Lock()
	if err = self.inner.RemoveStream(idx); err != nil {
		self.mu.Unlock()
		return
	}
	delete(self.kinds, idx)
	var items []item
	if idx == self.syncIdx {
		self.syncIdx = -1
		for i, kind := range self.kinds {
			if kind == av.Video && (self.syncIdx < 0 || i < self.syncIdx) {
				self.syncIdx = i
			}
		}
		if self.syncIdx < 0 {
			items = self.queue.Flush()
		}
	}
	return self.emit(items)
}

func (self *Muxer) StartStream() (err error) {
	self.mu.Lock()
	defer self.mu.Unlock()
	if self.started {
		return av.ProtocolViolationf("syncmux: already started")
	}
	self.queue.Clear()
	if err = self.inner.StartStream(); err != nil {
		return
	}
	self.started = true
	self.session = uuid.New()
	self.Logger.WithField("session", self.session).Info("syncmux: session started")
	return
}

// StopStream discards buffered frames without writing them.
func (self *Muxer) StopStream() (err error) {
	self.mu.Lock()
	defer self.mu.Unlock()
	if !self.started {
		return av.ProtocolViolationf("syncmux: not started")
	}
	n := self.queue.Len()
	self.queue.Clear()
	self.started = false
	self.Metrics.drop("stopped", n)
	self.Logger.WithFields(logrus.Fields{"session": self.session, "discarded": n}).Info("syncmux: session stopped")
	return self.inner.StopStream()
}

func (self *Muxer) Write(frame av.Frame, idx int) (err error) {
	self.mu.Lock()
	kind, ok := self.kinds[idx]
	if !self.started || !ok {
		self.mu.Unlock()
		if !self.started {
			err = av.ProtocolViolationf("syncmux: write before start")
		} else {
			err = av.ProtocolViolationf("syncmux: unknown stream %d", idx)
		}
		self.Metrics.drop(dropReason(err), 1)
		return
	}
	self.Metrics.frame(kind)

	it := item{frame: frame, idx: idx}
	var items []item
	switch {
	case self.syncIdx < 0:
		items = []item{it}
	case idx == self.syncIdx:
		items = self.queue.Add(it, true)
	default:
		self.queue.Add(it, false)
	}
	return self.emit(items)
}

// Drain writes every buffered frame decoding at or before t, for
// producers that know nothing earlier will arrive.
func (self *Muxer) Drain(t time.Duration) error {
	self.mu.Lock()
	items := self.queue.SyncTo(item{frame: av.Frame{PTS: t}})
	return self.emit(items)
}

// emit is entered with mu held. It keeps the production order through the
// order lock and writes with mu released.
func (self *Muxer) emit(items []item) (err error) {
	self.order.Lock()
	self.mu.Unlock()
	defer self.order.Unlock()

	for i, it := range items {
		werr := self.inner.Write(it.frame, it.idx)
		if werr == nil {
			continue
		}
		self.Metrics.drop(dropReason(werr), 1)
		last := i == len(items)-1
		if errors.Is(werr, av.ErrFraming) && !last {
			// already logged by the inner muxer; it only concerns that frame
			continue
		}
		if err == nil {
			err = werr
		}
		if !errors.Is(werr, av.ErrFraming) {
			return
		}
	}
	return
}
