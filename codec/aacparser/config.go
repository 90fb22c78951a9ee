package aacparser

import (
	"bytes"
	"io"

	"github.com/pkg/errors"
	"github.com/tyrese/avmux/av"
	"github.com/tyrese/avmux/utils/bits"
)

// Audio object types, ISO/IEC 14496-3 table 1.17.
const (
	AOT_AAC_MAIN        = 1
	AOT_AAC_LC          = 2
	AOT_AAC_SSR         = 3
	AOT_AAC_LTP         = 4
	AOT_SBR             = 5
	AOT_AAC_SCALABLE    = 6
	AOT_TWINVQ          = 7
	AOT_ER_AAC_LC       = 17
	AOT_ER_AAC_LTP      = 19
	AOT_ER_AAC_SCALABLE = 20
	AOT_ER_TWINVQ       = 21
	AOT_ER_BSAC         = 22
	AOT_ER_AAC_LD       = 23
	AOT_PS              = 29
	AOT_ESCAPE          = 31
)

// Sampling frequency index signalling an explicit 24-bit rate.
const ExplicitSampleRateIndex = 0xf

type MPEG4AudioConfig struct {
	SampleRate      int
	ChannelLayout   av.ChannelLayout
	ObjectType      uint
	SampleRateIndex uint
	ChannelConfig   uint

	// GASpecificConfig
	FrameLengthFlag    bool
	DependsOnCoreCoder bool
	CoreCoderDelay     uint

	// Explicit SBR/PS signalling (object type 5 or 29 before the core type).
	ExtensionObjectType uint
	ExtensionSampleRate int
}

var sampleRateTable = []int{
	96000, 88200, 64000, 48000, 44100, 32000,
	24000, 22050, 16000, 12000, 11025, 8000, 7350,
}

/*
Channel configurations:
0: defined in the object type specific config
1: front-center
2: front-left, front-right
3: front-center, front-left, front-right
4: front-center, front-left, front-right, back-center
5: front-center, front-left, front-right, back-left, back-right
6: 5 + LFE
7: 8 channels: 5 + side-left, side-right, LFE
*/
var chanConfigTable = []av.ChannelLayout{
	0,
	av.CH_MONO,
	av.CH_STEREO,
	av.CH_SURROUND,
	av.CH_4POINT0,
	av.CH_5POINT0,
	av.CH_5POINT1,
	av.CH_7POINT1,
}

// SampleRateIndex looks rate up in the 13 standard rates.
func SampleRateIndex(rate int) (uint, bool) {
	for i, r := range sampleRateTable {
		if r == rate {
			return uint(i), true
		}
	}
	return ExplicitSampleRateIndex, false
}

// ChannelConfigForCount maps a channel count to a channel configuration,
// returning 0 (object type specific) when no fixed configuration exists.
func ChannelConfigForCount(channels int) uint {
	switch {
	case channels >= 1 && channels <= 6:
		return uint(channels)
	case channels == 8:
		return 7
	}
	return 0
}

// NewMPEG4AudioConfig returns an AAC-LC config.
func NewMPEG4AudioConfig(sampleRate int, channels int) MPEG4AudioConfig {
	config := MPEG4AudioConfig{
		ObjectType:    AOT_AAC_LC,
		SampleRate:    sampleRate,
		ChannelConfig: ChannelConfigForCount(channels),
	}
	config.SampleRateIndex, _ = SampleRateIndex(sampleRate)
	config.ChannelLayout = av.ChannelLayoutFromCount(channels)
	return config
}

func (self MPEG4AudioConfig) IsValid() bool {
	return self.ObjectType > 0
}

func (self *MPEG4AudioConfig) Complete() {
	if int(self.SampleRateIndex) < len(sampleRateTable) {
		self.SampleRate = sampleRateTable[self.SampleRateIndex]
	}
	if int(self.ChannelConfig) < len(chanConfigTable) && self.ChannelConfig != 0 {
		self.ChannelLayout = chanConfigTable[self.ChannelConfig]
	}
}

func readObjectType(r *bits.Buffer) (objectType uint, err error) {
	var v uint64
	if v, err = r.Get(5); err != nil {
		return
	}
	objectType = uint(v)
	if objectType == AOT_ESCAPE {
		if v, err = r.Get(6); err != nil {
			return
		}
		objectType = 32 + uint(v)
	}
	return
}

func readSampleRate(r *bits.Buffer) (index uint, rate int, err error) {
	var v uint64
	if v, err = r.Get(4); err != nil {
		return
	}
	index = uint(v)
	switch {
	case index == ExplicitSampleRateIndex:
		if v, err = r.Get(24); err != nil {
			return
		}
		rate = int(v)
	case int(index) < len(sampleRateTable):
		rate = sampleRateTable[index]
	default:
		err = errors.Errorf("aacparser: reserved sample rate index %d", index)
	}
	return
}

func isErrorResilient(objectType uint) bool {
	switch objectType {
	case AOT_ER_AAC_LC, AOT_ER_AAC_LTP, AOT_ER_AAC_SCALABLE, AOT_ER_TWINVQ, AOT_ER_BSAC, AOT_ER_AAC_LD:
		return true
	}
	return false
}

// parseAudioSpecificConfig reads an AudioSpecificConfig at the cursor and
// leaves the cursor on the first bit after it.
func parseAudioSpecificConfig(r *bits.Buffer) (config MPEG4AudioConfig, err error) {
	if config.ObjectType, err = readObjectType(r); err != nil {
		return
	}
	if config.SampleRateIndex, config.SampleRate, err = readSampleRate(r); err != nil {
		return
	}
	var v uint64
	if v, err = r.Get(4); err != nil {
		return
	}
	config.ChannelConfig = uint(v)

	if config.ObjectType == AOT_SBR || config.ObjectType == AOT_PS {
		config.ExtensionObjectType = config.ObjectType
		if _, config.ExtensionSampleRate, err = readSampleRate(r); err != nil {
			return
		}
		if config.ObjectType, err = readObjectType(r); err != nil {
			return
		}
	}

	switch config.ObjectType {
	case AOT_AAC_MAIN, AOT_AAC_LC, AOT_AAC_SSR, AOT_AAC_LTP, AOT_AAC_SCALABLE, AOT_TWINVQ,
		AOT_ER_AAC_LC, AOT_ER_AAC_LTP, AOT_ER_AAC_SCALABLE, AOT_ER_TWINVQ, AOT_ER_BSAC, AOT_ER_AAC_LD:
		if err = parseGASpecificConfig(r, &config); err != nil {
			return
		}
	default:
		err = av.Unsupportedf("aacparser: audio object type %d", config.ObjectType)
		return
	}

	if isErrorResilient(config.ObjectType) {
		if v, err = r.Get(2); err != nil {
			return
		}
		if v > 1 {
			err = av.Unsupportedf("aacparser: epConfig %d", v)
			return
		}
	}

	if config.ChannelConfig < uint(len(chanConfigTable)) {
		config.ChannelLayout = chanConfigTable[config.ChannelConfig]
	}
	return
}

func parseGASpecificConfig(r *bits.Buffer, config *MPEG4AudioConfig) (err error) {
	if config.FrameLengthFlag, err = r.GetFlag(); err != nil {
		return
	}
	if config.DependsOnCoreCoder, err = r.GetFlag(); err != nil {
		return
	}
	if config.DependsOnCoreCoder {
		var v uint64
		if v, err = r.Get(14); err != nil {
			return
		}
		config.CoreCoderDelay = uint(v)
	}
	var extension bool
	if extension, err = r.GetFlag(); err != nil {
		return
	}
	if config.ChannelConfig == 0 {
		return av.Unsupportedf("aacparser: program_config_element")
	}
	if config.ObjectType == AOT_AAC_SCALABLE || config.ObjectType == AOT_ER_AAC_SCALABLE {
		if err = r.Skip(3); err != nil { // layerNr
			return
		}
	}
	if extension {
		if config.ObjectType == AOT_ER_BSAC {
			if err = r.Skip(5 + 11); err != nil {
				return
			}
		}
		switch config.ObjectType {
		case AOT_ER_AAC_LC, AOT_ER_AAC_LTP, AOT_ER_AAC_SCALABLE, AOT_ER_AAC_LD:
			if err = r.Skip(3); err != nil {
				return
			}
		}
		var extension3 bool
		if extension3, err = r.GetFlag(); err != nil {
			return
		}
		if extension3 {
			return av.Unsupportedf("aacparser: extensionFlag3")
		}
	}
	return
}

func ParseMPEG4AudioConfigBytes(data []byte) (config MPEG4AudioConfig, err error) {
	r := bits.NewBuffer(data)
	if config, err = parseAudioSpecificConfig(r); err != nil {
		err = errors.Wrap(err, "aacparser: parse AudioSpecificConfig failed")
		return
	}
	return
}

func writeObjectType(w *bits.Writer, objectType uint) (err error) {
	if objectType >= 32 {
		if err = w.WriteBits(AOT_ESCAPE, 5); err != nil {
			return
		}
		return w.WriteBits(objectType-32, 6)
	}
	return w.WriteBits(objectType, 5)
}

func writeSampleRate(w *bits.Writer, index uint, rate int) (err error) {
	if index >= ExplicitSampleRateIndex {
		if err = w.WriteBits(ExplicitSampleRateIndex, 4); err != nil {
			return
		}
		return w.WriteBits(uint(rate), 24)
	}
	return w.WriteBits(index, 4)
}

// WriteMPEG4AudioConfig writes config as an AudioSpecificConfig with a
// GASpecificConfig. Only the plain AAC object types can be written.
func WriteMPEG4AudioConfig(w io.Writer, config MPEG4AudioConfig) (err error) {
	switch config.ObjectType {
	case AOT_AAC_MAIN, AOT_AAC_LC, AOT_AAC_SSR, AOT_AAC_LTP:
	default:
		return av.Unsupportedf("aacparser: cannot write audio object type %d", config.ObjectType)
	}
	bw := &bits.Writer{W: w}

	if config.SampleRateIndex == 0 && config.SampleRate != 0 && config.SampleRate != sampleRateTable[0] {
		config.SampleRateIndex, _ = SampleRateIndex(config.SampleRate)
	}
	if config.ChannelConfig == 0 {
		for i, layout := range chanConfigTable {
			if i > 0 && layout == config.ChannelLayout {
				config.ChannelConfig = uint(i)
			}
		}
	}
	if config.ChannelConfig == 0 {
		return av.Unsupportedf("aacparser: channel layout %v needs a program_config_element", config.ChannelLayout)
	}

	if config.ExtensionObjectType != 0 {
		if err = writeObjectType(bw, config.ExtensionObjectType); err != nil {
			return
		}
	} else if err = writeObjectType(bw, config.ObjectType); err != nil {
		return
	}
	if err = writeSampleRate(bw, config.SampleRateIndex, config.SampleRate); err != nil {
		return
	}
	if err = bw.WriteBits(config.ChannelConfig, 4); err != nil {
		return
	}
	if config.ExtensionObjectType != 0 {
		index, _ := SampleRateIndex(config.ExtensionSampleRate)
		if err = writeSampleRate(bw, index, config.ExtensionSampleRate); err != nil {
			return
		}
		if err = writeObjectType(bw, config.ObjectType); err != nil {
			return
		}
	}

	// GASpecificConfig
	flag := func(f bool) uint {
		if f {
			return 1
		}
		return 0
	}
	if err = bw.WriteBits(flag(config.FrameLengthFlag), 1); err != nil {
		return
	}
	if err = bw.WriteBits(flag(config.DependsOnCoreCoder), 1); err != nil {
		return
	}
	if config.DependsOnCoreCoder {
		if err = bw.WriteBits(config.CoreCoderDelay, 14); err != nil {
			return
		}
	}
	if err = bw.WriteBits(0, 1); err != nil { // extensionFlag
		return
	}
	return bw.FlushBits()
}

// MPEG4AudioConfigBytes serializes config as an AudioSpecificConfig.
func MPEG4AudioConfigBytes(config MPEG4AudioConfig) ([]byte, error) {
	b := &bytes.Buffer{}
	if err := WriteMPEG4AudioConfig(b, config); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

type CodecData struct {
	ConfigBytes []byte
	Config      MPEG4AudioConfig
}

func (self CodecData) Type() av.CodecType {
	return av.AAC
}

func (self CodecData) MPEG4AudioConfigBytes() []byte {
	return self.ConfigBytes
}

func (self CodecData) ChannelLayout() av.ChannelLayout {
	return self.Config.ChannelLayout
}

func (self CodecData) SampleRate() int {
	return self.Config.SampleRate
}

// SamplesPerFrame is 960 when the frame length flag is set, 1024 otherwise.
func (self CodecData) SamplesPerFrame() int {
	if self.Config.FrameLengthFlag {
		return 960
	}
	return 1024
}

func NewCodecDataFromMPEG4AudioConfig(config MPEG4AudioConfig) (self CodecData, err error) {
	var b []byte
	if b, err = MPEG4AudioConfigBytes(config); err != nil {
		return
	}
	return NewCodecDataFromMPEG4AudioConfigBytes(b)
}

func NewCodecDataFromMPEG4AudioConfigBytes(config []byte) (self CodecData, err error) {
	self.ConfigBytes = config
	if self.Config, err = ParseMPEG4AudioConfigBytes(config); err != nil {
		return
	}
	return
}

// NewCodecDataFromStream uses the AudioSpecificConfig carried in extra when
// present, otherwise derives an AAC-LC config from the stream parameters.
func NewCodecDataFromStream(cfg av.StreamConfig, extra [][]byte) (CodecData, error) {
	for _, b := range extra {
		if len(b) >= 2 {
			return NewCodecDataFromMPEG4AudioConfigBytes(b)
		}
	}
	return NewCodecDataFromMPEG4AudioConfig(NewMPEG4AudioConfig(cfg.Audio.SampleRate, cfg.Audio.ChannelLayout.Count()))
}
