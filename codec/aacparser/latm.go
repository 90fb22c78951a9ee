package aacparser

import (
	"github.com/pkg/errors"
	"github.com/tyrese/avmux/av"
	"github.com/tyrese/avmux/utils/bits"
)

const (
	// AudioSyncStream preamble: 11-bit sync word 0x2B7 and a 13-bit length.
	LOASHeaderLength = 3
	LOASSyncWord     = 0x2b7
	LOASMaxLength    = 1<<13 - 1
)

// StreamMuxConfig is the LATM configuration carried in every AudioMuxElement
// when muxConfigPresent is set. Only audioMuxVersion 0 with one program and
// one layer is supported.
type StreamMuxConfig struct {
	AllStreamsSameTimeFraming bool
	NumSubFrames              uint8
	Config                    MPEG4AudioConfig
	FrameLengthType           uint8
	LatmBufferFullness        uint8
	OtherDataLenBits          uint32
	CRCCheckSum               *uint8

	asc     []byte // AudioSpecificConfig bits as parsed
	ascBits int
}

// NewStreamMuxConfig parses the decoder specific info once and returns a
// config with a variable frame length and unknown buffer fullness.
func NewStreamMuxConfig(asc []byte) (self *StreamMuxConfig, err error) {
	r := bits.NewBuffer(asc)
	var config MPEG4AudioConfig
	if config, err = parseAudioSpecificConfig(r); err != nil {
		err = errors.Wrap(err, "aacparser: latm")
		return
	}
	self = &StreamMuxConfig{
		AllStreamsSameTimeFraming: true,
		Config:                    config,
		LatmBufferFullness:        0xff,
		asc:                       asc,
		ascBits:                   r.Pos(),
	}
	return
}

// BitLen returns the serialized size in bits.
func (self *StreamMuxConfig) BitLen() (n int) {
	n = 1 + 1 + 6 + 4 + 3 + self.ascBits + 3
	if self.FrameLengthType == 0 {
		n += 8
	}
	n++
	if self.OtherDataLenBits > 0 {
		for v := self.OtherDataLenBits; ; v >>= 8 {
			n += 9
			if v < 256 {
				break
			}
		}
	}
	n++
	if self.CRCCheckSum != nil {
		n += 8
	}
	return
}

func (self *StreamMuxConfig) write(w *bits.Buffer) (err error) {
	if self.FrameLengthType != 0 {
		return av.Unsupportedf("aacparser: latm frameLengthType %d", self.FrameLengthType)
	}
	w.Put(0, 1) // audioMuxVersion
	w.PutFlag(self.AllStreamsSameTimeFraming)
	w.Put(uint64(self.NumSubFrames), 6)
	w.Put(0, 4) // numProgram
	w.Put(0, 3) // numLayer
	if err = bits.CopyBits(w, bits.NewBuffer(self.asc), self.ascBits); err != nil {
		return
	}
	w.Put(uint64(self.FrameLengthType), 3)
	w.Put(uint64(self.LatmBufferFullness), 8)
	w.PutFlag(self.OtherDataLenBits > 0)
	if self.OtherDataLenBits > 0 {
		var chunks []uint64
		for v := self.OtherDataLenBits; ; v >>= 8 {
			chunks = append([]uint64{uint64(v & 0xff)}, chunks...)
			if v < 256 {
				break
			}
		}
		for i, c := range chunks {
			w.PutFlag(i < len(chunks)-1)
			w.Put(c, 8)
		}
	}
	w.PutFlag(self.CRCCheckSum != nil)
	if self.CRCCheckSum != nil {
		err = w.Put(uint64(*self.CRCCheckSum), 8)
	}
	return
}

// Marshal returns the config padded to whole bytes.
func (self *StreamMuxConfig) Marshal() ([]byte, error) {
	b := make([]byte, (self.BitLen()+7)/8)
	if err := self.write(bits.NewBuffer(b)); err != nil {
		return nil, err
	}
	return b, nil
}

// AudioSpecificConfig returns the embedded decoder specific info.
func (self *StreamMuxConfig) AudioSpecificConfig() []byte {
	return self.asc
}

func ParseStreamMuxConfig(b []byte) (*StreamMuxConfig, error) {
	return parseStreamMuxConfig(bits.NewBuffer(b))
}

func parseStreamMuxConfig(r *bits.Buffer) (self *StreamMuxConfig, err error) {
	fail := func(err error) (*StreamMuxConfig, error) {
		return nil, errors.Wrap(err, "aacparser: parse StreamMuxConfig failed")
	}
	var v uint64
	if v, err = r.Get(1); err != nil {
		return fail(err)
	}
	if v != 0 {
		return nil, av.Unsupportedf("aacparser: audioMuxVersion 1")
	}
	self = &StreamMuxConfig{}
	if self.AllStreamsSameTimeFraming, err = r.GetFlag(); err != nil {
		return fail(err)
	}
	if v, err = r.Get(6); err != nil {
		return fail(err)
	}
	self.NumSubFrames = uint8(v)
	if v, err = r.Get(7); err != nil {
		return fail(err)
	}
	if v != 0 {
		return nil, av.Unsupportedf("aacparser: latm with multiple programs or layers")
	}

	start := r.Pos()
	if self.Config, err = parseAudioSpecificConfig(r); err != nil {
		return fail(err)
	}
	self.ascBits = r.Pos() - start
	self.asc = make([]byte, (self.ascBits+7)/8)
	r.SetPos(start)
	bits.CopyBits(bits.NewBuffer(self.asc), r, self.ascBits)

	if v, err = r.Get(3); err != nil {
		return fail(err)
	}
	self.FrameLengthType = uint8(v)
	if self.FrameLengthType != 0 {
		return nil, av.Unsupportedf("aacparser: latm frameLengthType %d", v)
	}
	if v, err = r.Get(8); err != nil {
		return fail(err)
	}
	self.LatmBufferFullness = uint8(v)

	var other bool
	if other, err = r.GetFlag(); err != nil {
		return fail(err)
	}
	if other {
		for esc := true; esc; {
			if esc, err = r.GetFlag(); err != nil {
				return fail(err)
			}
			if v, err = r.Get(8); err != nil {
				return fail(err)
			}
			self.OtherDataLenBits = self.OtherDataLenBits<<8 | uint32(v)
		}
	}
	var crc bool
	if crc, err = r.GetFlag(); err != nil {
		return fail(err)
	}
	if crc {
		if v, err = r.Get(8); err != nil {
			return fail(err)
		}
		sum := uint8(v)
		self.CRCCheckSum = &sum
	}
	return
}

// LATMFramer wraps raw AAC access units into LOAS AudioSyncStream frames,
// each carrying its own StreamMuxConfig.
type LATMFramer struct {
	Config *StreamMuxConfig
}

func NewLATMFramer(asc []byte) (*LATMFramer, error) {
	config, err := NewStreamMuxConfig(asc)
	if err != nil {
		return nil, err
	}
	return &LATMFramer{Config: config}, nil
}

func payloadLengthInfoLen(n int) int {
	return n/255 + 1
}

// Len returns the framed size of a payload of n bytes.
func (self *LATMFramer) Len(n int) int {
	elem := 1 + self.Config.BitLen() + 8*(payloadLengthInfoLen(n)+n)
	return LOASHeaderLength + (elem+7)/8
}

func (self *LATMFramer) Frame(payload []byte) (out []byte, err error) {
	n := self.Len(len(payload))
	if n-LOASHeaderLength > LOASMaxLength {
		err = av.Framingf("aacparser: latm element of %d bytes exceeds %d", n-LOASHeaderLength, LOASMaxLength)
		return
	}
	out = make([]byte, n)
	w := bits.NewBuffer(out)
	w.Put(LOASSyncWord, 11)
	w.Put(uint64(n-LOASHeaderLength), 13)

	w.Put(0, 1) // useSameStreamMux
	if err = self.Config.write(w); err != nil {
		return
	}
	left := len(payload)
	for ; left >= 255; left -= 255 {
		w.Put(0xff, 8)
	}
	w.Put(uint64(left), 8)
	if err = w.PutBytes(payload); err != nil {
		return
	}
	err = w.PutAlign()
	return
}

// ParseLATMFrame decodes one AudioSyncStream frame produced with
// muxConfigPresent and a single subframe, and returns the number of bytes
// consumed.
func ParseLATMFrame(b []byte) (config *StreamMuxConfig, payload []byte, n int, err error) {
	if len(b) < LOASHeaderLength {
		err = errors.Errorf("aacparser: loas header too short")
		return
	}
	r := bits.NewBuffer(b)
	if sync, _ := r.Get(11); sync != LOASSyncWord {
		err = errors.Errorf("aacparser: not loas")
		return
	}
	length, _ := r.Get(13)
	n = LOASHeaderLength + int(length)
	if n > len(b) {
		err = errors.Errorf("aacparser: loas length %d beyond buffer", length)
		return
	}
	r = bits.NewBuffer(b[LOASHeaderLength:n])
	if same, _ := r.GetFlag(); same {
		err = av.Unsupportedf("aacparser: useSameStreamMux without prior config")
		return
	}
	if config, err = parseStreamMuxConfig(r); err != nil {
		return
	}
	size := 0
	for {
		var v uint64
		if v, err = r.Get(8); err != nil {
			return
		}
		size += int(v)
		if v != 255 {
			break
		}
	}
	payload = make([]byte, size)
	if err = bits.CopyBits(bits.NewBuffer(payload), r, size*8); err != nil {
		return
	}
	return
}
