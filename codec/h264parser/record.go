package h264parser

import (
	"github.com/pkg/errors"
	"github.com/tyrese/avmux/av"
	"github.com/tyrese/avmux/utils/bits/pio"
)

// AVCDecoderConfRecord is the avcC payload, ISO/IEC 14496-15 5.3.3.1.
type AVCDecoderConfRecord struct {
	AVCProfileIndication uint8
	ProfileCompatibility uint8
	AVCLevelIndication   uint8
	LengthSizeMinusOne   uint8
	SPS                  [][]byte
	PPS                  [][]byte

	// Present for the high profiles only.
	HasChromaInfo        bool
	ChromaFormat         uint8
	BitDepthLumaMinus8   uint8
	BitDepthChromaMinus8 uint8
}

var ErrDecconfInvalid = errors.New("h264parser: AVCDecoderConfRecord invalid")

func (self *AVCDecoderConfRecord) Unmarshal(b []byte) (n int, err error) {
	if len(b) < 7 || b[0] != 1 {
		err = ErrDecconfInvalid
		return
	}
	self.AVCProfileIndication = b[1]
	self.ProfileCompatibility = b[2]
	self.AVCLevelIndication = b[3]
	self.LengthSizeMinusOne = b[4] & 0x03
	spscount := int(b[5] & 0x1f)
	n = 6

	readSets := func(count int) (sets [][]byte, ok bool) {
		for i := 0; i < count; i++ {
			if len(b) < n+2 {
				return
			}
			l := int(pio.U16BE(b[n:]))
			n += 2
			if len(b) < n+l {
				return
			}
			sets = append(sets, b[n:n+l])
			n += l
		}
		return sets, true
	}

	var ok bool
	if self.SPS, ok = readSets(spscount); !ok {
		err = ErrDecconfInvalid
		return
	}
	if len(b) < n+1 {
		err = ErrDecconfInvalid
		return
	}
	ppscount := int(b[n])
	n++
	if self.PPS, ok = readSets(ppscount); !ok {
		err = ErrDecconfInvalid
		return
	}

	if hasChromaInfo(uint(self.AVCProfileIndication)) && len(b) >= n+4 {
		self.HasChromaInfo = true
		self.ChromaFormat = b[n] & 0x3
		self.BitDepthLumaMinus8 = b[n+1] & 0x7
		self.BitDepthChromaMinus8 = b[n+2] & 0x7
		extcount := int(b[n+3])
		n += 4
		if _, ok = readSets(extcount); !ok {
			err = ErrDecconfInvalid
			return
		}
	}
	return
}

func (self AVCDecoderConfRecord) Len() (n int) {
	n = 7
	for _, sps := range self.SPS {
		n += 2 + len(sps)
	}
	for _, pps := range self.PPS {
		n += 2 + len(pps)
	}
	if self.HasChromaInfo {
		n += 4
	}
	return
}

func (self AVCDecoderConfRecord) Marshal(b []byte) (n int) {
	b[0] = 1
	b[1] = self.AVCProfileIndication
	b[2] = self.ProfileCompatibility
	b[3] = self.AVCLevelIndication
	b[4] = self.LengthSizeMinusOne | 0xfc
	b[5] = uint8(len(self.SPS)) | 0xe0
	n += 6

	for _, sps := range self.SPS {
		pio.PutU16BE(b[n:], uint16(len(sps)))
		n += 2
		n += copy(b[n:], sps)
	}

	b[n] = uint8(len(self.PPS))
	n++

	for _, pps := range self.PPS {
		pio.PutU16BE(b[n:], uint16(len(pps)))
		n += 2
		n += copy(b[n:], pps)
	}

	if self.HasChromaInfo {
		b[n] = 0xfc | self.ChromaFormat
		b[n+1] = 0xf8 | self.BitDepthLumaMinus8
		b[n+2] = 0xf8 | self.BitDepthChromaMinus8
		b[n+3] = 0
		n += 4
	}
	return
}

type CodecData struct {
	Record     []byte
	RecordInfo AVCDecoderConfRecord
	SPSInfo    SPSInfo
}

func (self CodecData) Type() av.CodecType {
	return av.H264
}

func (self CodecData) AVCDecoderConfRecordBytes() []byte {
	return self.Record
}

func (self CodecData) SPS() []byte {
	return self.RecordInfo.SPS[0]
}

func (self CodecData) PPS() []byte {
	return self.RecordInfo.PPS[0]
}

func (self CodecData) Width() int {
	return int(self.SPSInfo.Width)
}

func (self CodecData) Height() int {
	return int(self.SPSInfo.Height)
}

func NewCodecDataFromAVCDecoderConfRecord(record []byte) (self CodecData, err error) {
	self.Record = record
	if _, err = (&self.RecordInfo).Unmarshal(record); err != nil {
		return
	}
	if len(self.RecordInfo.SPS) == 0 {
		err = errors.Errorf("h264parser: no SPS found in AVCDecoderConfRecord")
		return
	}
	if len(self.RecordInfo.PPS) == 0 {
		err = errors.Errorf("h264parser: no PPS found in AVCDecoderConfRecord")
		return
	}
	if self.SPSInfo, err = ParseSPS(self.RecordInfo.SPS[0]); err != nil {
		return
	}
	return
}

func NewCodecDataFromSPSAndPPS(sps, pps []byte) (self CodecData, err error) {
	if self.SPSInfo, err = ParseSPS(sps); err != nil {
		return
	}
	recordinfo := AVCDecoderConfRecord{
		AVCProfileIndication: sps[1],
		ProfileCompatibility: sps[2],
		AVCLevelIndication:   sps[3],
		LengthSizeMinusOne:   3,
		SPS:                  [][]byte{sps},
		PPS:                  [][]byte{pps},
	}
	if hasChromaInfo(self.SPSInfo.ProfileIdc) {
		recordinfo.HasChromaInfo = true
		recordinfo.ChromaFormat = uint8(self.SPSInfo.ChromaFormatIdc)
		recordinfo.BitDepthLumaMinus8 = uint8(self.SPSInfo.BitDepthLumaMinus8)
		recordinfo.BitDepthChromaMinus8 = uint8(self.SPSInfo.BitDepthChromaMinus8)
	}
	b := make([]byte, recordinfo.Len())
	recordinfo.Marshal(b)
	self.RecordInfo = recordinfo
	self.Record = b
	return
}

// NewCodecDataFromExtra accepts the codec configuration attached to a key
// frame: an avcC record, or SPS and PPS NAL units in any layout, either as
// separate entries or concatenated.
func NewCodecDataFromExtra(extra [][]byte) (self CodecData, err error) {
	var sps, pps []byte
	for _, b := range extra {
		if len(b) > 0 && b[0] == 1 && len(extra) == 1 {
			if self, err = NewCodecDataFromAVCDecoderConfRecord(b); err == nil {
				return
			}
		}
		nalus := [][]byte{b}
		if layout, derr := DetectLayout(b); derr == nil && layout != LayoutUnknown {
			nalus, _, _ = SplitNALUs(b)
		}
		for _, nalu := range nalus {
			switch NALUType(nalu) {
			case NALU_SPS:
				sps = nalu
			case NALU_PPS:
				pps = nalu
			}
		}
	}
	if sps == nil || pps == nil {
		err = av.Framingf("h264parser: SPS/PPS missing from codec configuration")
		return
	}
	return NewCodecDataFromSPSAndPPS(sps, pps)
}
