package h264parser

import (
	"github.com/tyrese/avmux/av"
	"github.com/tyrese/avmux/utils/bits/pio"
)

const (
	NALU_NONIDR = 1
	NALU_IDR    = 5
	NALU_SEI    = 6
	NALU_SPS    = 7
	NALU_PPS    = 8
	NALU_AUD    = 9
)

var StartCodeBytes = []byte{0, 0, 0, 1}
var AUDBytes = []byte{0, 0, 0, 1, 0x9, 0xf0} // AUD, primary_pic_type=7

// Layout is the way NAL units are delimited inside a buffer.
type Layout int

const (
	LayoutUnknown Layout = iota
	LayoutAnnexB         // 00 00 01 or 00 00 00 01 start codes
	LayoutAVCC           // 4-byte big-endian length prefixes
)

func (self Layout) String() string {
	switch self {
	case LayoutAnnexB:
		return "annexb"
	case LayoutAVCC:
		return "avcc"
	}
	return "unknown"
}

func NALUType(nalu []byte) int {
	if len(nalu) == 0 {
		return 0
	}
	return int(nalu[0] & 0x1f)
}

func IsDataNALU(b []byte) bool {
	typ := NALUType(b)
	return typ >= 1 && typ <= 5
}

func startCodeLen(b []byte) int {
	if len(b) >= 3 && b[0] == 0 && b[1] == 0 {
		if b[2] == 1 {
			return 3
		}
		if len(b) >= 4 && b[2] == 0 && b[3] == 1 {
			return 4
		}
	}
	return 0
}

func splitAVCC(b []byte) (nalus [][]byte, ok bool) {
	for len(b) > 0 {
		if len(b) < 4 {
			return nil, false
		}
		n := pio.U32BE(b)
		b = b[4:]
		if n == 0 || n > uint32(len(b)) {
			return nil, false
		}
		nalus = append(nalus, b[:n])
		b = b[n:]
	}
	return nalus, len(nalus) > 0
}

func splitAnnexB(b []byte) (nalus [][]byte) {
	start := startCodeLen(b)
	pos := start
	for pos+2 < len(b) {
		if b[pos] == 0 && b[pos+1] == 0 && b[pos+2] == 1 {
			end := pos
			if end > start && b[end-1] == 0 {
				end--
			}
			if end > start {
				nalus = append(nalus, b[start:end])
			}
			pos += 3
			start = pos
			continue
		}
		pos++
	}
	if start < len(b) {
		nalus = append(nalus, b[start:])
	}
	return
}

// DetectLayout inspects the first bytes of b. A buffer that parses as a
// chain of 4-byte lengths covering it exactly is AVCC, one starting with a
// start code is Annex-B.
func DetectLayout(b []byte) (Layout, error) {
	if _, ok := splitAVCC(b); ok {
		return LayoutAVCC, nil
	}
	if startCodeLen(b) > 0 {
		return LayoutAnnexB, nil
	}
	return LayoutUnknown, av.Framingf("h264parser: unknown NAL layout")
}

// SplitNALUs returns the NAL units in b without their delimiters.
func SplitNALUs(b []byte) (nalus [][]byte, layout Layout, err error) {
	if layout, err = DetectLayout(b); err != nil {
		return
	}
	if layout == LayoutAVCC {
		nalus, _ = splitAVCC(b)
	} else {
		nalus = splitAnnexB(b)
	}
	return
}

// AnnexBToAVCC strips the start codes and prefixes every NAL unit with its
// 4-byte big-endian length. AVCC input is returned unchanged.
func AnnexBToAVCC(b []byte) ([]byte, error) {
	nalus, layout, err := SplitNALUs(b)
	if err != nil {
		return nil, err
	}
	if layout == LayoutAVCC {
		return b, nil
	}
	return JoinAVCC(nalus), nil
}

// AVCCToAnnexB replaces length prefixes with 4-byte start codes. Annex-B
// input is returned unchanged.
func AVCCToAnnexB(b []byte) ([]byte, error) {
	nalus, layout, err := SplitNALUs(b)
	if err != nil {
		return nil, err
	}
	if layout == LayoutAnnexB {
		return b, nil
	}
	return JoinAnnexB(nalus), nil
}

func JoinAVCC(nalus [][]byte) []byte {
	n := 0
	for _, nalu := range nalus {
		n += 4 + len(nalu)
	}
	out := make([]byte, n)
	n = 0
	for _, nalu := range nalus {
		pio.PutU32BE(out[n:], uint32(len(nalu)))
		n += 4
		n += copy(out[n:], nalu)
	}
	return out
}

func JoinAnnexB(nalus [][]byte) []byte {
	n := 0
	for _, nalu := range nalus {
		n += len(StartCodeBytes) + len(nalu)
	}
	out := make([]byte, 0, n)
	for _, nalu := range nalus {
		out = append(out, StartCodeBytes...)
		out = append(out, nalu...)
	}
	return out
}
