package ts

import (
	"github.com/tyrese/avmux/av"
	"github.com/tyrese/avmux/av/avutil"
	"github.com/tyrese/avmux/format/ts/tsio"
)

// Handler registers ".ts". Muxers created through it carry one service so
// that plain AddStream works.
func Handler(opts Options) func(*avutil.RegisterHandler) {
	return func(h *avutil.RegisterHandler) {
		h.Ext = ".ts"

		h.Sniff = func(b []byte) bool {
			if len(b) < 1 || b[0] != 0x47 {
				return false
			}
			return len(b) <= tsio.PacketSize || b[tsio.PacketSize] == 0x47
		}

		h.SinkMuxer = func(sink av.PacketSink) av.Muxer {
			m := NewMuxer(sink, opts)
			m.AddService(ServiceInfo{})
			return m
		}

		h.CodecTypes = CodecTypes
	}
}
