package h264parser

import (
	"github.com/pkg/errors"
	"github.com/tyrese/avmux/utils/bits"
)

type SPSInfo struct {
	ProfileIdc           uint
	ConstraintFlags      uint
	LevelIdc             uint
	ChromaFormatIdc      uint
	BitDepthLumaMinus8   uint
	BitDepthChromaMinus8 uint

	MbWidth  uint
	MbHeight uint

	CropLeft   uint
	CropRight  uint
	CropTop    uint
	CropBottom uint

	Width  uint
	Height uint

	FpsNum uint
	FpsDen uint
}

func hasChromaInfo(profile uint) bool {
	switch profile {
	case 100, 110, 122, 244, 44, 83, 86, 118, 128, 138, 139, 134, 135:
		return true
	}
	return false
}

func skipScalingList(r *bits.FieldReader, size int) {
	last, next := int64(8), int64(8)
	for j := 0; j < size && r.Err == nil; j++ {
		if next != 0 {
			next = (last + r.SE() + 256) % 256
		}
		if next != 0 {
			last = next
		}
	}
}

// ParseSPS parses a sequence parameter set NAL unit, header byte included.
func ParseSPS(data []byte) (self SPSInfo, err error) {
	if NALUType(data) != NALU_SPS {
		err = errors.Errorf("h264parser: nal_unit_type=%d is not SPS", NALUType(data))
		return
	}
	r := bits.NewFieldReader(bits.RemoveEmulationPrevention(data[1:]))

	self.ProfileIdc = uint(r.U(8))
	self.ConstraintFlags = uint(r.U(8))
	self.LevelIdc = uint(r.U(8))
	r.UE() // seq_parameter_set_id

	self.ChromaFormatIdc = 1
	if hasChromaInfo(self.ProfileIdc) {
		self.ChromaFormatIdc = uint(r.UE())
		if self.ChromaFormatIdc == 3 {
			r.SkipBits(1) // separate_colour_plane_flag
		}
		self.BitDepthLumaMinus8 = uint(r.UE())
		self.BitDepthChromaMinus8 = uint(r.UE())
		r.SkipBits(1) // qpprime_y_zero_transform_bypass_flag
		if r.Flag() {
			n := 8
			if self.ChromaFormatIdc == 3 {
				n = 12
			}
			for i := 0; i < n; i++ {
				if r.Flag() {
					if i < 6 {
						skipScalingList(r, 16)
					} else {
						skipScalingList(r, 64)
					}
				}
			}
		}
	}

	r.UE() // log2_max_frame_num_minus4
	switch r.UE() {
	case 0:
		r.UE() // log2_max_pic_order_cnt_lsb_minus4
	case 1:
		r.SkipBits(1) // delta_pic_order_always_zero_flag
		r.SE()        // offset_for_non_ref_pic
		r.SE()        // offset_for_top_to_bottom_field
		n := r.UE()
		for i := uint64(0); i < n && r.Err == nil; i++ {
			r.SE()
		}
	}
	r.UE()        // max_num_ref_frames
	r.SkipBits(1) // gaps_in_frame_num_value_allowed_flag

	self.MbWidth = uint(r.UE()) + 1
	self.MbHeight = uint(r.UE()) + 1

	frameMbsOnly := r.Flag()
	if !frameMbsOnly {
		r.SkipBits(1) // mb_adaptive_frame_field_flag
	}
	r.SkipBits(1) // direct_8x8_inference_flag

	if r.Flag() {
		self.CropLeft = uint(r.UE())
		self.CropRight = uint(r.UE())
		self.CropTop = uint(r.UE())
		self.CropBottom = uint(r.UE())
	}

	if r.Flag() {
		parseVUITiming(r, &self)
	}
	if r.Err != nil {
		err = errors.Wrap(r.Err, "h264parser: parse SPS failed")
		return
	}

	cropUnitX, cropUnitY := uint(1), uint(2)
	if frameMbsOnly {
		cropUnitY = 1
	}
	switch self.ChromaFormatIdc {
	case 1:
		cropUnitX, cropUnitY = 2, cropUnitY*2
	case 2:
		cropUnitX = 2
	}
	mapUnits := uint(2)
	if frameMbsOnly {
		mapUnits = 1
	}
	self.Width = self.MbWidth*16 - (self.CropLeft+self.CropRight)*cropUnitX
	self.Height = mapUnits*self.MbHeight*16 - (self.CropTop+self.CropBottom)*cropUnitY
	return
}

// parseVUITiming walks the VUI up to timing_info.
func parseVUITiming(r *bits.FieldReader, self *SPSInfo) {
	if r.Flag() { // aspect_ratio_info_present_flag
		if r.U(8) == 255 {
			r.SkipBits(32) // sar_width, sar_height
		}
	}
	if r.Flag() { // overscan_info_present_flag
		r.SkipBits(1)
	}
	if r.Flag() { // video_signal_type_present_flag
		r.SkipBits(4)
		if r.Flag() {
			r.SkipBits(24)
		}
	}
	if r.Flag() { // chroma_loc_info_present_flag
		r.UE()
		r.UE()
	}
	if r.Flag() { // timing_info_present_flag
		numUnitsInTick := uint(r.U(32))
		timeScale := uint(r.U(32))
		r.SkipBits(1) // fixed_frame_rate_flag
		if numUnitsInTick > 0 {
			self.FpsNum = timeScale
			self.FpsDen = 2 * numUnitsInTick
		}
	}
}

type SliceType uint

func (self SliceType) String() string {
	switch self {
	case SLICE_P:
		return "P"
	case SLICE_B:
		return "B"
	case SLICE_I:
		return "I"
	}
	return ""
}

const (
	SLICE_P = iota + 1
	SLICE_B
	SLICE_I
)

type SliceHeader struct {
	FirstMbInSlice uint
	SliceType      SliceType
}

// ParseSliceHeaderFromNALU reads the leading fields of a coded slice.
func ParseSliceHeaderFromNALU(packet []byte) (self SliceHeader, err error) {
	if len(packet) <= 1 {
		err = errors.Errorf("h264parser: packet too short to parse slice header")
		return
	}
	switch NALUType(packet) {
	case 1, 2, 5, 19:
	default:
		err = errors.Errorf("h264parser: nal_unit_type=%d has no slice header", NALUType(packet))
		return
	}
	r := bits.NewFieldReader(bits.RemoveEmulationPrevention(packet[1:]))
	self.FirstMbInSlice = uint(r.UE())
	typ := r.UE()
	if r.Err != nil {
		err = errors.Wrap(r.Err, "h264parser: parse slice header failed")
		return
	}
	switch typ {
	case 0, 3, 5, 8:
		self.SliceType = SLICE_P
	case 1, 6:
		self.SliceType = SLICE_B
	case 2, 4, 7, 9:
		self.SliceType = SLICE_I
	default:
		err = errors.Errorf("h264parser: slice_type=%d invalid", typ)
	}
	return
}
