package av

import (
	"sync"
)

// Emitter forwards packets to a sink in the order they were produced while
// letting the producer release its state lock before any sink I/O.
//
//	self.mu.Lock()
//	pkts, err := self.build(...)
//	return self.emitter.Emit(&self.mu, pkts, err)
type Emitter struct {
	Sink PacketSink
	mu   sync.Mutex
}

func NewEmitter(sink PacketSink) *Emitter {
	return &Emitter{Sink: sink}
}

// Emit takes the ordering lock, unlocks state, and writes pkts. err is
// returned after the packets are written so partially produced output still
// reaches the sink.
func (self *Emitter) Emit(state sync.Locker, pkts []Packet, err error) error {
	self.mu.Lock()
	state.Unlock()
	defer self.mu.Unlock()
	for _, pkt := range pkts {
		if werr := self.Sink.WritePacket(pkt); werr != nil {
			return werr
		}
	}
	return err
}
