// Package h265parser parses HEVC parameter sets and builds the
// HEVCDecoderConfigurationRecord carried in hvcC boxes and FLV sequence
// headers.
package h265parser

const (
	NALU_TRAIL_N    = 0
	NALU_TRAIL_R    = 1
	NALU_BLA_W_LP   = 16
	NALU_IDR_W_RADL = 19
	NALU_IDR_N_LP   = 20
	NALU_CRA        = 21
	NALU_VPS        = 32
	NALU_SPS        = 33
	NALU_PPS        = 34
	NALU_AUD        = 35
	NALU_SEI_PREFIX = 39
	NALU_SEI_SUFFIX = 40
)

var AUDBytes = []byte{0, 0, 0, 1, 0x46, 0x01, 0x50} // AUD, pic_type=2

func NALUType(nalu []byte) int {
	if len(nalu) == 0 {
		return -1
	}
	return int(nalu[0]>>1) & 0x3f
}

// LayerID returns nuh_layer_id from the two-byte NAL unit header.
func LayerID(nalu []byte) int {
	if len(nalu) < 2 {
		return 0
	}
	return int(nalu[0]&1)<<5 | int(nalu[1]>>3)
}

// IsKeyFrame reports whether the NAL unit is an IRAP picture.
func IsKeyFrame(nalu []byte) bool {
	typ := NALUType(nalu)
	return typ >= NALU_BLA_W_LP && typ <= 23
}

func IsDataNALU(nalu []byte) bool {
	typ := NALUType(nalu)
	return typ >= 0 && typ < NALU_VPS
}

func IsParameterSet(nalu []byte) bool {
	switch NALUType(nalu) {
	case NALU_VPS, NALU_SPS, NALU_PPS:
		return true
	}
	return false
}

// FirstSliceSegment reports whether a slice NAL unit starts a picture.
func FirstSliceSegment(nalu []byte) bool {
	return IsDataNALU(nalu) && len(nalu) > 2 && nalu[2]&0x80 != 0
}
