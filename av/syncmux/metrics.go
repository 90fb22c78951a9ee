package syncmux

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/tyrese/avmux/av"
)

// Metrics counts frames going into a Muxer and packets coming out of it.
type Metrics struct {
	Frames  *prometheus.CounterVec
	Dropped *prometheus.CounterVec
	Packets *prometheus.CounterVec
	Bytes   *prometheus.CounterVec
}

// NewMetrics registers the avmux counters on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	self := &Metrics{
		Frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "avmux_frames_total",
			Help: "Frames written, by media kind",
		}, []string{"kind"}),
		Dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "avmux_frames_dropped_total",
			Help: "Frames discarded, by reason",
		}, []string{"reason"}),
		Packets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "avmux_packets_total",
			Help: "Packets handed to the sink, by packet type",
		}, []string{"type"}),
		Bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "avmux_bytes_total",
			Help: "Bytes handed to the sink, by packet type",
		}, []string{"type"}),
	}
	reg.MustRegister(self.Frames, self.Dropped, self.Packets, self.Bytes)
	return self
}

// dropReason labels a rejected frame by its error class.
func dropReason(err error) string {
	switch {
	case errors.Is(err, av.ErrFraming):
		return "framing"
	case errors.Is(err, av.ErrProtocolViolation):
		return "protocol"
	case errors.Is(err, av.ErrConfiguration):
		return "configuration"
	case errors.Is(err, av.ErrUnsupported):
		return "unsupported"
	}
	return "sink"
}

func (self *Metrics) frame(kind av.MediaKind) {
	if self != nil {
		self.Frames.WithLabelValues(kind.String()).Inc()
	}
}

func (self *Metrics) drop(reason string, n int) {
	if self != nil && n > 0 {
		self.Dropped.WithLabelValues(reason).Add(float64(n))
	}
}

type countingSink struct {
	av.PacketSink
	m *Metrics
}

func (self countingSink) WritePacket(pkt av.Packet) error {
	typ := pkt.Type.String()
	self.m.Packets.WithLabelValues(typ).Inc()
	self.m.Bytes.WithLabelValues(typ).Add(float64(len(pkt.Data)))
	return self.PacketSink.WritePacket(pkt)
}

// Sink wraps s so every packet written to it is counted.
func (self *Metrics) Sink(s av.PacketSink) av.PacketSink {
	return countingSink{PacketSink: s, m: self}
}
