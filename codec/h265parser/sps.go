package h265parser

import (
	"github.com/pkg/errors"
	"github.com/tyrese/avmux/av"
	"github.com/tyrese/avmux/utils/bits"
)

const maxShortTermRefPicSets = 64

type SPSInfo struct {
	VPSID              uint
	MaxSubLayersMinus1 uint
	TemporalIdNested   bool

	ProfileSpace              uint
	TierFlag                  uint
	ProfileIdc                uint
	ProfileCompatibilityFlags uint32
	ConstraintIndicatorFlags  uint64
	LevelIdc                  uint

	ChromaFormatIdc      uint
	SeparateColourPlane  bool
	PicWidth             uint
	PicHeight            uint
	ConfLeft             uint
	ConfRight            uint
	ConfTop              uint
	ConfBottom           uint
	BitDepthLumaMinus8   uint
	BitDepthChromaMinus8 uint

	Log2MaxPicOrderCntLsb uint
	NumShortTermRefSets   uint
	NumLongTermRefPics    uint

	MinSpatialSegmentationIdc uint

	Width  uint
	Height uint

	FpsNum uint
	FpsDen uint
}

func parseProfileTierLevel(r *bits.FieldReader, self *SPSInfo) {
	self.ProfileSpace = uint(r.U(2))
	self.TierFlag = uint(r.U(1))
	self.ProfileIdc = uint(r.U(5))
	self.ProfileCompatibilityFlags = uint32(r.U(32))
	self.ConstraintIndicatorFlags = r.U(48)
	self.LevelIdc = uint(r.U(8))

	n := int(self.MaxSubLayersMinus1)
	profilePresent := make([]bool, n)
	levelPresent := make([]bool, n)
	for i := 0; i < n; i++ {
		profilePresent[i] = r.Flag()
		levelPresent[i] = r.Flag()
	}
	if n > 0 {
		r.SkipBits(2 * (8 - n)) // reserved_zero_2bits
	}
	for i := 0; i < n; i++ {
		if profilePresent[i] {
			r.SkipBits(88)
		}
		if levelPresent[i] {
			r.SkipBits(8)
		}
	}
}

func skipScalingListData(r *bits.FieldReader) {
	for sizeId := 0; sizeId < 4; sizeId++ {
		step := 1
		if sizeId == 3 {
			step = 3
		}
		for matrixId := 0; matrixId < 6; matrixId += step {
			if !r.Flag() { // scaling_list_pred_mode_flag
				r.UE() // scaling_list_pred_matrix_id_delta
				continue
			}
			coefNum := 1 << uint(4+sizeId<<1)
			if coefNum > 64 {
				coefNum = 64
			}
			if sizeId > 1 {
				r.SE() // scaling_list_dc_coef_minus8
			}
			for i := 0; i < coefNum && r.Err == nil; i++ {
				r.SE()
			}
		}
	}
}

// skipShortTermRefPicSet walks st_ref_pic_set(idx) and records the number
// of delta POCs it describes, which later sets may predict from.
func skipShortTermRefPicSet(r *bits.FieldReader, idx int, numDeltaPocs []int) error {
	interPred := false
	if idx != 0 {
		interPred = r.Flag()
	}
	if interPred {
		r.SkipBits(1) // delta_rps_sign
		r.UE()        // abs_delta_rps_minus1
		ref := idx - 1
		n := 0
		for j := 0; j <= numDeltaPocs[ref] && r.Err == nil; j++ {
			used := r.Flag()
			useDelta := true
			if !used {
				useDelta = r.Flag()
			}
			if used || useDelta {
				n++
			}
		}
		numDeltaPocs[idx] = n
		return nil
	}

	neg := r.UE()
	pos := r.UE()
	if neg > 16 || pos > 16 {
		return errors.Errorf("h265parser: st_ref_pic_set %d has %d+%d pictures", idx, neg, pos)
	}
	for i := uint64(0); i < neg+pos && r.Err == nil; i++ {
		r.UE()        // delta_poc_sX_minus1
		r.SkipBits(1) // used_by_curr_pic_sX_flag
	}
	numDeltaPocs[idx] = int(neg + pos)
	return nil
}

func skipSubLayerHRD(r *bits.FieldReader, cpbCnt uint64, subPic bool) {
	for i := uint64(0); i <= cpbCnt && r.Err == nil; i++ {
		r.UE() // bit_rate_value_minus1
		r.UE() // cpb_size_value_minus1
		if subPic {
			r.UE()
			r.UE()
		}
		r.SkipBits(1) // cbr_flag
	}
}

func skipHRDParameters(r *bits.FieldReader, maxSubLayersMinus1 uint) error {
	nal := r.Flag()
	vcl := r.Flag()
	subPic := false
	if nal || vcl {
		subPic = r.Flag()
		if subPic {
			r.SkipBits(8 + 5 + 1 + 5)
		}
		r.SkipBits(4 + 4) // bit_rate_scale, cpb_size_scale
		if subPic {
			r.SkipBits(4)
		}
		r.SkipBits(5 + 5 + 5)
	}
	for i := uint(0); i <= maxSubLayersMinus1 && r.Err == nil; i++ {
		fixedWithinCVS := r.Flag() // fixed_pic_rate_general_flag
		if !fixedWithinCVS {
			fixedWithinCVS = r.Flag()
		}
		lowDelay := false
		if fixedWithinCVS {
			r.UE() // elemental_duration_in_tc_minus1
		} else {
			lowDelay = r.Flag()
		}
		cpbCnt := uint64(0)
		if !lowDelay {
			if cpbCnt = r.UE(); cpbCnt > 31 {
				return errors.Errorf("h265parser: cpb_cnt_minus1=%d invalid", cpbCnt)
			}
		}
		if nal {
			skipSubLayerHRD(r, cpbCnt, subPic)
		}
		if vcl {
			skipSubLayerHRD(r, cpbCnt, subPic)
		}
	}
	return nil
}

func parseVUI(r *bits.FieldReader, self *SPSInfo) error {
	if r.Flag() { // aspect_ratio_info_present_flag
		if r.U(8) == 255 {
			r.SkipBits(32)
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
	r.SkipBits(3) // neutral_chroma, field_seq, frame_field_info_present
	if r.Flag() { // default_display_window_flag
		r.UE()
		r.UE()
		r.UE()
		r.UE()
	}
	if r.Flag() { // vui_timing_info_present_flag
		numUnitsInTick := uint(r.U(32))
		timeScale := uint(r.U(32))
		if numUnitsInTick > 0 {
			self.FpsNum = timeScale
			self.FpsDen = numUnitsInTick
		}
		if r.Flag() { // vui_poc_proportional_to_timing_flag
			r.UE()
		}
		if r.Flag() { // vui_hrd_parameters_present_flag
			if err := skipHRDParameters(r, self.MaxSubLayersMinus1); err != nil {
				return err
			}
		}
	}
	if r.Flag() { // bitstream_restriction_flag
		r.SkipBits(3)
		self.MinSpatialSegmentationIdc = uint(r.UE())
		r.UE() // max_bytes_per_pic_denom
		r.UE() // max_bits_per_min_cu_denom
		r.UE() // log2_max_mv_length_horizontal
		r.UE() // log2_max_mv_length_vertical
	}
	return nil
}

// ParseSPS walks a complete sequence parameter set NAL unit, header
// included. Every syntax element up to rbsp_trailing_bits is consumed so a
// miscounted branch surfaces as an error instead of a wrong result.
func ParseSPS(data []byte) (self SPSInfo, err error) {
	if len(data) < 3 || NALUType(data) != NALU_SPS {
		err = errors.Errorf("h265parser: nal_unit_type=%d is not SPS", NALUType(data))
		return
	}
	if LayerID(data) != 0 {
		err = av.Unsupportedf("h265parser: multi-layer SPS (nuh_layer_id=%d)", LayerID(data))
		return
	}
	r := bits.NewFieldReader(bits.RemoveEmulationPrevention(data[2:]))

	self.VPSID = uint(r.U(4))
	self.MaxSubLayersMinus1 = uint(r.U(3))
	self.TemporalIdNested = r.Flag()
	if self.MaxSubLayersMinus1 > 6 {
		err = errors.Errorf("h265parser: sps_max_sub_layers_minus1=%d invalid", self.MaxSubLayersMinus1)
		return
	}
	parseProfileTierLevel(r, &self)

	r.UE() // sps_seq_parameter_set_id
	self.ChromaFormatIdc = uint(r.UE())
	if self.ChromaFormatIdc > 3 {
		err = errors.Errorf("h265parser: chroma_format_idc=%d invalid", self.ChromaFormatIdc)
		return
	}
	if self.ChromaFormatIdc == 3 {
		self.SeparateColourPlane = r.Flag()
	}
	self.PicWidth = uint(r.UE())
	self.PicHeight = uint(r.UE())
	if r.Flag() { // conformance_window_flag
		self.ConfLeft = uint(r.UE())
		self.ConfRight = uint(r.UE())
		self.ConfTop = uint(r.UE())
		self.ConfBottom = uint(r.UE())
	}
	self.BitDepthLumaMinus8 = uint(r.UE())
	self.BitDepthChromaMinus8 = uint(r.UE())
	self.Log2MaxPicOrderCntLsb = uint(r.UE()) + 4
	if self.Log2MaxPicOrderCntLsb > 16 {
		err = errors.Errorf("h265parser: log2_max_pic_order_cnt_lsb=%d invalid", self.Log2MaxPicOrderCntLsb)
		return
	}

	first := self.MaxSubLayersMinus1
	if r.Flag() { // sps_sub_layer_ordering_info_present_flag
		first = 0
	}
	for i := first; i <= self.MaxSubLayersMinus1 && r.Err == nil; i++ {
		r.UE() // sps_max_dec_pic_buffering_minus1
		r.UE() // sps_max_num_reorder_pics
		r.UE() // sps_max_latency_increase_plus1
	}

	r.UE() // log2_min_luma_coding_block_size_minus3
	r.UE() // log2_diff_max_min_luma_coding_block_size
	r.UE() // log2_min_luma_transform_block_size_minus2
	r.UE() // log2_diff_max_min_luma_transform_block_size
	r.UE() // max_transform_hierarchy_depth_inter
	r.UE() // max_transform_hierarchy_depth_intra

	if r.Flag() { // scaling_list_enabled_flag
		if r.Flag() { // sps_scaling_list_data_present_flag
			skipScalingListData(r)
		}
	}
	r.SkipBits(2) // amp_enabled_flag, sample_adaptive_offset_enabled_flag
	if r.Flag() { // pcm_enabled_flag
		r.SkipBits(4 + 4)
		r.UE()
		r.UE()
		r.SkipBits(1)
	}

	numSets := r.UE()
	if numSets > maxShortTermRefPicSets {
		err = errors.Errorf("h265parser: num_short_term_ref_pic_sets=%d invalid", numSets)
		return
	}
	self.NumShortTermRefSets = uint(numSets)
	numDeltaPocs := make([]int, numSets)
	for i := 0; i < int(numSets) && r.Err == nil; i++ {
		if err = skipShortTermRefPicSet(r, i, numDeltaPocs); err != nil {
			return
		}
	}

	if r.Flag() { // long_term_ref_pics_present_flag
		n := r.UE()
		if n > 32 {
			err = errors.Errorf("h265parser: num_long_term_ref_pics_sps=%d invalid", n)
			return
		}
		self.NumLongTermRefPics = uint(n)
		for i := uint64(0); i < n && r.Err == nil; i++ {
			r.SkipBits(int(self.Log2MaxPicOrderCntLsb) + 1)
		}
	}
	r.SkipBits(2) // sps_temporal_mvp_enabled_flag, strong_intra_smoothing_enabled_flag

	if r.Flag() { // vui_parameters_present_flag
		if err = parseVUI(r, &self); err != nil {
			return
		}
	}
	if r.Flag() { // sps_extension_present_flag
		err = av.Unsupportedf("h265parser: sps_extension_present_flag is set")
		return
	}
	if r.Err != nil {
		err = errors.Wrap(r.Err, "h265parser: parse SPS failed")
		return
	}
	if !r.Flag() || r.Err != nil {
		err = errors.New("h265parser: SPS rbsp_stop_one_bit missing")
		return
	}

	subWidthC, subHeightC := uint(1), uint(1)
	if !self.SeparateColourPlane {
		switch self.ChromaFormatIdc {
		case 1:
			subWidthC, subHeightC = 2, 2
		case 2:
			subWidthC = 2
		}
	}
	if (self.ConfLeft+self.ConfRight)*subWidthC >= self.PicWidth ||
		(self.ConfTop+self.ConfBottom)*subHeightC >= self.PicHeight {
		err = errors.New("h265parser: conformance window exceeds picture")
		return
	}
	self.Width = self.PicWidth - (self.ConfLeft+self.ConfRight)*subWidthC
	self.Height = self.PicHeight - (self.ConfTop+self.ConfBottom)*subHeightC
	return
}
