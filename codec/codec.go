// Package codec resolves decoder configurations and normalizes access units
// for the container muxers.
package codec

import (
	"github.com/tyrese/avmux/av"
	"github.com/tyrese/avmux/codec/aacparser"
	"github.com/tyrese/avmux/codec/h264parser"
	"github.com/tyrese/avmux/codec/h265parser"
)

// VideoCodecData is the parsed configuration of an H.264 or H.265 stream.
type VideoCodecData struct {
	Type          av.CodecType
	Record        []byte   // avcC or hvcC payload
	ParameterSets [][]byte // VPS (H.265 only), SPS, PPS
	Width         int
	Height        int
}

func IsParameterSet(typ av.CodecType, nalu []byte) bool {
	switch typ {
	case av.H264:
		t := h264parser.NALUType(nalu)
		return t == h264parser.NALU_SPS || t == h264parser.NALU_PPS
	case av.H265:
		return h265parser.IsParameterSet(nalu)
	}
	return false
}

func isAUD(typ av.CodecType, nalu []byte) bool {
	switch typ {
	case av.H264:
		return h264parser.NALUType(nalu) == h264parser.NALU_AUD
	case av.H265:
		return h265parser.NALUType(nalu) == h265parser.NALU_AUD
	}
	return false
}

// SplitAccessUnit returns the NAL units of an access unit in either
// layout. An unrecognized layout is a FramingError.
func SplitAccessUnit(data []byte) (nalus [][]byte, err error) {
	nalus, _, err = h264parser.SplitNALUs(data)
	return
}

// SplitVCL separates parameter sets from the rest of an access unit and
// drops access unit delimiters.
func SplitVCL(typ av.CodecType, nalus [][]byte) (vcl [][]byte, params [][]byte) {
	for _, nalu := range nalus {
		switch {
		case isAUD(typ, nalu):
		case IsParameterSet(typ, nalu):
			params = append(params, nalu)
		default:
			vcl = append(vcl, nalu)
		}
	}
	return
}

// ParseVideoCodecData builds the configuration from extra. When extra is
// empty the parameter sets found in inband are used instead.
func ParseVideoCodecData(typ av.CodecType, extra [][]byte, inband [][]byte) (self VideoCodecData, err error) {
	if len(extra) == 0 {
		extra = inband
	}
	self.Type = typ
	switch typ {
	case av.H264:
		var c h264parser.CodecData
		if c, err = h264parser.NewCodecDataFromExtra(extra); err != nil {
			return
		}
		self.Record = c.AVCDecoderConfRecordBytes()
		self.ParameterSets = [][]byte{c.SPS(), c.PPS()}
		self.Width, self.Height = c.Width(), c.Height()
	case av.H265:
		var c h265parser.CodecData
		if c, err = h265parser.NewCodecDataFromExtra(extra); err != nil {
			return
		}
		self.Record = c.HEVCDecoderConfRecordBytes()
		self.ParameterSets = [][]byte{c.VPS(), c.SPS(), c.PPS()}
		self.Width, self.Height = c.Width(), c.Height()
	default:
		err = av.Unsupportedf("codec: no parameter set parser for %v", typ)
	}
	return
}

// StripADTS removes an ADTS header when data carries one.
func StripADTS(data []byte) []byte {
	if len(data) < aacparser.ADTSHeaderLength || data[0] != 0xff || data[1]&0xf6 != 0xf0 {
		return data
	}
	_, hdrlen, framelen, _, err := aacparser.ParseADTSHeader(data)
	if err != nil || framelen > len(data) {
		return data
	}
	return data[hdrlen:framelen]
}
