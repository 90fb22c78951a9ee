package aacparser

import (
	"github.com/pkg/errors"
	"github.com/tyrese/avmux/utils/bits"
)

const (
	ADTSHeaderLength    = 7
	ADTSCRCHeaderLength = 9
	ADTSMaxFrameLength  = 1<<13 - 1

	adtsBufferFullnessVBR = 0x7ff
)

// FillADTSHeader writes an AAC-LC ADTS header for one raw data block into
// header and returns its length: 7 bytes, or 9 when withCRC is set, in which
// case the protection bit is cleared and the CRC word is left zero.
//
//	AAAAAAAA AAAABCCD EEFFFFGH HHIJKLMM MMMMMMMM MMMOOOOO OOOOOOPP (QQQQQQQQ QQQQQQQQ)
func FillADTSHeader(header []byte, sampleRate int, channels int, payloadLength int, withCRC bool) (n int, err error) {
	n = ADTSHeaderLength
	if withCRC {
		n = ADTSCRCHeaderLength
	}
	framelen := payloadLength + n
	if payloadLength < 0 || framelen > ADTSMaxFrameLength {
		err = errors.Errorf("aacparser: adts frame length %d out of range", framelen)
		return
	}
	if len(header) < n {
		err = bits.ErrRange
		return
	}
	index, _ := SampleRateIndex(sampleRate)
	protectionAbsent := uint64(1)
	if withCRC {
		protectionAbsent = 0
	}

	w := bits.NewBuffer(header[:n])
	w.Put(0xfff, 12)           // syncword
	w.Put(0, 1)                // MPEG-4
	w.Put(0, 2)                // layer
	w.Put(protectionAbsent, 1) //
	w.Put(AOT_AAC_LC-1, 2)     // profile
	w.Put(uint64(index), 4)
	w.Put(0, 1) // private
	w.Put(uint64(ChannelConfigForCount(channels)), 3)
	w.Put(0, 4) // original/copy, home, copyright id bit, copyright id start
	w.Put(uint64(framelen), 13)
	w.Put(adtsBufferFullnessVBR, 11)
	w.Put(0, 2) // one raw data block
	if withCRC {
		w.Put(0, 16)
	}
	return
}

// ParseADTSHeader decodes the fixed and variable header fields of the ADTS
// frame starting at frame[0].
func ParseADTSHeader(frame []byte) (config MPEG4AudioConfig, hdrlen int, framelen int, samples int, err error) {
	if len(frame) < ADTSHeaderLength {
		err = errors.Errorf("aacparser: adts header too short")
		return
	}
	r := bits.NewBuffer(frame[:ADTSHeaderLength])
	if sync, _ := r.Get(12); sync != 0xfff {
		err = errors.Errorf("aacparser: not adts header")
		return
	}
	r.Skip(1)
	if layer, _ := r.Get(2); layer != 0 {
		err = errors.Errorf("aacparser: not adts header")
		return
	}
	protectionAbsent, _ := r.GetFlag()
	profile, _ := r.Get(2)
	index, _ := r.Get(4)
	r.Skip(1)
	chanConfig, _ := r.Get(3)
	r.Skip(4)
	fl, _ := r.Get(13)
	r.Skip(11)
	blocks, _ := r.Get(2)

	config.ObjectType = uint(profile) + 1
	config.SampleRateIndex = uint(index)
	config.ChannelConfig = uint(chanConfig)
	if config.ChannelConfig == 0 {
		err = errors.Errorf("aacparser: adts channel count invalid")
		return
	}
	if int(config.SampleRateIndex) >= len(sampleRateTable) {
		err = errors.Errorf("aacparser: adts sample rate index %d invalid", index)
		return
	}
	config.Complete()

	framelen = int(fl)
	samples = (int(blocks) + 1) * 1024
	hdrlen = ADTSHeaderLength
	if !protectionAbsent {
		hdrlen = ADTSCRCHeaderLength
	}
	if framelen < hdrlen {
		err = errors.Errorf("aacparser: adts framelen < hdrlen")
		return
	}
	return
}
