package h265parser

import (
	"github.com/pkg/errors"
	"github.com/tyrese/avmux/av"
	"github.com/tyrese/avmux/codec/h264parser"
	"github.com/tyrese/avmux/utils/bits/pio"
)

const hvccHeaderLength = 23

type HVCCArray struct {
	Completeness bool
	NALUType     uint8
	NALUs        [][]byte
}

// HEVCDecoderConfRecord is the hvcC payload, ISO/IEC 14496-15 8.3.3.1.
type HEVCDecoderConfRecord struct {
	GeneralProfileSpace              uint8
	GeneralTierFlag                  uint8
	GeneralProfileIdc                uint8
	GeneralProfileCompatibilityFlags uint32
	GeneralConstraintIndicatorFlags  uint64
	GeneralLevelIdc                  uint8
	MinSpatialSegmentationIdc        uint16
	ParallelismType                  uint8
	ChromaFormat                     uint8
	BitDepthLumaMinus8               uint8
	BitDepthChromaMinus8             uint8
	AvgFrameRate                     uint16
	ConstantFrameRate                uint8
	NumTemporalLayers                uint8
	TemporalIdNested                 uint8
	LengthSizeMinusOne               uint8
	Arrays                           []HVCCArray
}

var ErrDecconfInvalid = errors.New("h265parser: HEVCDecoderConfRecord invalid")

func (self *HEVCDecoderConfRecord) Unmarshal(b []byte) (n int, err error) {
	if len(b) < hvccHeaderLength || b[0] != 1 {
		err = ErrDecconfInvalid
		return
	}
	self.GeneralProfileSpace = b[1] >> 6
	self.GeneralTierFlag = b[1] >> 5 & 1
	self.GeneralProfileIdc = b[1] & 0x1f
	self.GeneralProfileCompatibilityFlags = pio.U32BE(b[2:])
	self.GeneralConstraintIndicatorFlags = uint64(pio.U16BE(b[6:]))<<32 | uint64(pio.U32BE(b[8:]))
	self.GeneralLevelIdc = b[12]
	self.MinSpatialSegmentationIdc = pio.U16BE(b[13:]) & 0x0fff
	self.ParallelismType = b[15] & 0x3
	self.ChromaFormat = b[16] & 0x3
	self.BitDepthLumaMinus8 = b[17] & 0x7
	self.BitDepthChromaMinus8 = b[18] & 0x7
	self.AvgFrameRate = pio.U16BE(b[19:])
	self.ConstantFrameRate = b[21] >> 6
	self.NumTemporalLayers = b[21] >> 3 & 0x7
	self.TemporalIdNested = b[21] >> 2 & 1
	self.LengthSizeMinusOne = b[21] & 0x3
	numArrays := int(b[22])
	n = hvccHeaderLength

	self.Arrays = nil
	for i := 0; i < numArrays; i++ {
		if len(b) < n+3 {
			err = ErrDecconfInvalid
			return
		}
		arr := HVCCArray{
			Completeness: b[n]&0x80 != 0,
			NALUType:     b[n] & 0x3f,
		}
		count := int(pio.U16BE(b[n+1:]))
		n += 3
		for j := 0; j < count; j++ {
			if len(b) < n+2 {
				err = ErrDecconfInvalid
				return
			}
			l := int(pio.U16BE(b[n:]))
			n += 2
			if len(b) < n+l {
				err = ErrDecconfInvalid
				return
			}
			arr.NALUs = append(arr.NALUs, b[n:n+l])
			n += l
		}
		self.Arrays = append(self.Arrays, arr)
	}
	return
}

func (self HEVCDecoderConfRecord) Len() (n int) {
	n = hvccHeaderLength
	for _, arr := range self.Arrays {
		n += 3
		for _, nalu := range arr.NALUs {
			n += 2 + len(nalu)
		}
	}
	return
}

func (self HEVCDecoderConfRecord) Marshal(b []byte) (n int) {
	b[0] = 1
	b[1] = self.GeneralProfileSpace<<6 | self.GeneralTierFlag<<5 | self.GeneralProfileIdc&0x1f
	pio.PutU32BE(b[2:], self.GeneralProfileCompatibilityFlags)
	pio.PutU16BE(b[6:], uint16(self.GeneralConstraintIndicatorFlags>>32))
	pio.PutU32BE(b[8:], uint32(self.GeneralConstraintIndicatorFlags))
	b[12] = self.GeneralLevelIdc
	pio.PutU16BE(b[13:], 0xf000|self.MinSpatialSegmentationIdc&0x0fff)
	b[15] = 0xfc | self.ParallelismType&0x3
	b[16] = 0xfc | self.ChromaFormat&0x3
	b[17] = 0xf8 | self.BitDepthLumaMinus8&0x7
	b[18] = 0xf8 | self.BitDepthChromaMinus8&0x7
	pio.PutU16BE(b[19:], self.AvgFrameRate)
	b[21] = self.ConstantFrameRate<<6 | (self.NumTemporalLayers&0x7)<<3 | (self.TemporalIdNested&1)<<2 | self.LengthSizeMinusOne&0x3
	b[22] = uint8(len(self.Arrays))
	n = hvccHeaderLength

	for _, arr := range self.Arrays {
		b[n] = arr.NALUType & 0x3f
		if arr.Completeness {
			b[n] |= 0x80
		}
		pio.PutU16BE(b[n+1:], uint16(len(arr.NALUs)))
		n += 3
		for _, nalu := range arr.NALUs {
			pio.PutU16BE(b[n:], uint16(len(nalu)))
			n += 2
			n += copy(b[n:], nalu)
		}
	}
	return
}

func (self HEVCDecoderConfRecord) first(typ uint8) []byte {
	for _, arr := range self.Arrays {
		if arr.NALUType == typ && len(arr.NALUs) > 0 {
			return arr.NALUs[0]
		}
	}
	return nil
}

type CodecData struct {
	Record     []byte
	RecordInfo HEVCDecoderConfRecord
	SPSInfo    SPSInfo
}

func (self CodecData) Type() av.CodecType {
	return av.H265
}

func (self CodecData) HEVCDecoderConfRecordBytes() []byte {
	return self.Record
}

func (self CodecData) VPS() []byte {
	return self.RecordInfo.first(NALU_VPS)
}

func (self CodecData) SPS() []byte {
	return self.RecordInfo.first(NALU_SPS)
}

func (self CodecData) PPS() []byte {
	return self.RecordInfo.first(NALU_PPS)
}

func (self CodecData) Width() int {
	return int(self.SPSInfo.Width)
}

func (self CodecData) Height() int {
	return int(self.SPSInfo.Height)
}

func NewCodecDataFromHEVCDecoderConfRecord(record []byte) (self CodecData, err error) {
	self.Record = record
	if _, err = (&self.RecordInfo).Unmarshal(record); err != nil {
		return
	}
	if self.VPS() == nil || self.SPS() == nil || self.PPS() == nil {
		err = errors.Errorf("h265parser: VPS/SPS/PPS missing from HEVCDecoderConfRecord")
		return
	}
	if self.SPSInfo, err = ParseSPS(self.SPS()); err != nil {
		return
	}
	return
}

func NewCodecDataFromVPSAndSPSAndPPS(vps, sps, pps []byte) (self CodecData, err error) {
	if self.SPSInfo, err = ParseSPS(sps); err != nil {
		return
	}
	info := self.SPSInfo
	temporalIdNested := uint8(0)
	if info.TemporalIdNested {
		temporalIdNested = 1
	}
	chroma := uint8(info.ChromaFormatIdc)
	recordinfo := HEVCDecoderConfRecord{
		GeneralProfileSpace:              uint8(info.ProfileSpace),
		GeneralTierFlag:                  uint8(info.TierFlag),
		GeneralProfileIdc:                uint8(info.ProfileIdc),
		GeneralProfileCompatibilityFlags: info.ProfileCompatibilityFlags,
		GeneralConstraintIndicatorFlags:  info.ConstraintIndicatorFlags,
		GeneralLevelIdc:                  uint8(info.LevelIdc),
		MinSpatialSegmentationIdc:        uint16(info.MinSpatialSegmentationIdc),
		ChromaFormat:                     chroma,
		BitDepthLumaMinus8:               uint8(info.BitDepthLumaMinus8),
		BitDepthChromaMinus8:             uint8(info.BitDepthChromaMinus8),
		NumTemporalLayers:                uint8(info.MaxSubLayersMinus1 + 1),
		TemporalIdNested:                 temporalIdNested,
		LengthSizeMinusOne:               3,
		Arrays: []HVCCArray{
			{Completeness: true, NALUType: NALU_VPS, NALUs: [][]byte{vps}},
			{Completeness: true, NALUType: NALU_SPS, NALUs: [][]byte{sps}},
			{Completeness: true, NALUType: NALU_PPS, NALUs: [][]byte{pps}},
		},
	}
	b := make([]byte, recordinfo.Len())
	recordinfo.Marshal(b)
	self.RecordInfo = recordinfo
	self.Record = b
	return
}

// NewCodecDataFromExtra accepts an hvcC record, or VPS, SPS and PPS NAL
// units in either NAL layout.
func NewCodecDataFromExtra(extra [][]byte) (self CodecData, err error) {
	var vps, sps, pps []byte
	for _, b := range extra {
		if len(extra) == 1 && len(b) >= hvccHeaderLength && b[0] == 1 {
			if self, err = NewCodecDataFromHEVCDecoderConfRecord(b); err == nil {
				return
			}
		}
		nalus := [][]byte{b}
		if split, _, serr := h264parser.SplitNALUs(b); serr == nil {
			nalus = split
		}
		for _, nalu := range nalus {
			switch NALUType(nalu) {
			case NALU_VPS:
				vps = nalu
			case NALU_SPS:
				sps = nalu
			case NALU_PPS:
				pps = nalu
			}
		}
	}
	if vps == nil || sps == nil || pps == nil {
		err = av.Framingf("h265parser: VPS/SPS/PPS missing from codec configuration")
		return
	}
	return NewCodecDataFromVPSAndSPSAndPPS(vps, sps, pps)
}
