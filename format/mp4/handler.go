package mp4

import (
	"github.com/tyrese/avmux/av"
	"github.com/tyrese/avmux/av/avutil"
)

var CodecTypes = []av.CodecType{av.H264, av.H265, av.AAC}

func Handler(opts Options) func(*avutil.RegisterHandler) {
	return func(h *avutil.RegisterHandler) {
		h.Ext = ".mp4"

		h.Sniff = func(b []byte) bool {
			if len(b) < 8 {
				return false
			}
			switch string(b[4:8]) {
			case "moov", "ftyp", "free", "mdat", "moof":
				return true
			}
			return false
		}

		h.SinkMuxer = func(sink av.PacketSink) av.Muxer {
			return NewMuxer(sink, opts)
		}

		h.CodecTypes = CodecTypes
	}
}
