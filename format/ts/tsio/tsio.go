// Package tsio serializes the MPEG-TS structures of ISO/IEC 13818-1: PSI
// sections, PES headers and 188-byte transport packets.
package tsio

import (
	"io"
	"time"

	"github.com/tyrese/avmux/av"
	"github.com/tyrese/avmux/utils/bits/pio"
)

const (
	StreamIdVideo = 0xe0
	StreamIdAudio = 0xc0
)

const (
	PAT_PID  = 0
	SDT_PID  = 0x11
	PMT_PID  = 0x1000
	NULL_PID = 0x1fff
)

const (
	TableIdPAT = 0
	TableIdPMT = 2
	TableIdSDT = 0x42
)

// transport_stream_id carried by PAT and SDT
const TransportStreamId = 1

const OriginalNetworkId = 0xff01

const (
	PacketSize         = 188
	MaxPESHeaderLength = 19
	PSIHeaderLength    = 9
	MaxSectionLength   = 1021
)

const (
	ElementaryStreamTypeH264    = 0x1B
	ElementaryStreamTypeH265    = 0x24
	ElementaryStreamTypeAdtsAAC = 0x0F
	ElementaryStreamTypeLatmAAC = 0x11
)

const (
	PTS_HZ = 90000
	PCR_HZ = 27000000
)

type PATEntry struct {
	ProgramNumber uint16
	NetworkPID    uint16
	ProgramMapPID uint16
}

type PAT struct {
	Entries []PATEntry
}

func (self PAT) Len() (n int) {
	return len(self.Entries) * 4
}

func (self PAT) Marshal(b []byte) (n int) {
	for _, entry := range self.Entries {
		pio.PutU16BE(b[n:], entry.ProgramNumber)
		n += 2
		pid := entry.ProgramMapPID
		if entry.ProgramNumber == 0 {
			pid = entry.NetworkPID
		}
		// reserved(3) PID(13)
		pio.PutU16BE(b[n:], pid&0x1fff|7<<13)
		n += 2
	}
	return
}

type Descriptor struct {
	Tag  uint8
	Data []byte
}

func descsLen(descs []Descriptor) (n int) {
	for _, desc := range descs {
		n += 2 + len(desc.Data)
	}
	return
}

func fillDescs(b []byte, descs []Descriptor) (n int) {
	for _, desc := range descs {
		b[n] = desc.Tag
		n++
		b[n] = uint8(len(desc.Data))
		n++
		n += copy(b[n:], desc.Data)
	}
	return
}

type ElementaryStreamInfo struct {
	StreamType    uint8
	ElementaryPID uint16
	Descriptors   []Descriptor
}

type PMT struct {
	PCRPID                uint16
	ProgramDescriptors    []Descriptor
	ElementaryStreamInfos []ElementaryStreamInfo
}

func (self PMT) Len() (n int) {
	// reserved(3) PCR_PID(13)
	n += 2
	// reserved(4) program_info_length(12)
	n += 2
	n += descsLen(self.ProgramDescriptors)

	for _, info := range self.ElementaryStreamInfos {
		// stream_type(8) reserved(3) elementary_PID(13) reserved(4) ES_info_length(12)
		n += 5
		n += descsLen(info.Descriptors)
	}
	return
}

func (self PMT) Marshal(b []byte) (n int) {
	pio.PutU16BE(b[n:], self.PCRPID&0x1fff|7<<13)
	n += 2

	desclen := descsLen(self.ProgramDescriptors)
	pio.PutU16BE(b[n:], uint16(desclen)|0xf<<12)
	n += 2
	n += fillDescs(b[n:], self.ProgramDescriptors)

	for _, info := range self.ElementaryStreamInfos {
		b[n] = info.StreamType
		n++
		pio.PutU16BE(b[n:], info.ElementaryPID&0x1fff|7<<13)
		n += 2
		pio.PutU16BE(b[n:], uint16(descsLen(info.Descriptors))|0xf<<12)
		n += 2
		n += fillDescs(b[n:], info.Descriptors)
	}
	return
}

const (
	DescriptorTagService = 0x48
	ServiceTypeDigitalTV = 0x01
	RunningStatusRunning = 4
)

type SDTService struct {
	ServiceId   uint16
	ServiceType uint8
	Provider    string
	Name        string
}

func (self SDTService) descriptor() Descriptor {
	data := make([]byte, 0, 3+len(self.Provider)+len(self.Name))
	data = append(data, self.ServiceType)
	data = append(data, uint8(len(self.Provider)))
	data = append(data, self.Provider...)
	data = append(data, uint8(len(self.Name)))
	data = append(data, self.Name...)
	return Descriptor{Tag: DescriptorTagService, Data: data}
}

// SDT is the service description table of the actual transport stream.
type SDT struct {
	OriginalNetworkId uint16
	Services          []SDTService
}

func (self SDT) Len() (n int) {
	// original_network_id(16) reserved_future_use(8)
	n += 3
	for _, service := range self.Services {
		// service_id(16) flags(8) running_status(3) free_CA(1) descriptors_loop_length(12)
		n += 5
		n += 2 + len(service.descriptor().Data)
	}
	return
}

func (self SDT) Marshal(b []byte) (n int) {
	pio.PutU16BE(b[n:], self.OriginalNetworkId)
	n += 2
	b[n] = 0xff
	n++
	for _, service := range self.Services {
		pio.PutU16BE(b[n:], service.ServiceId)
		n += 2
		// reserved_future_use(6) EIT_schedule_flag(1)=0 EIT_present_following_flag(1)=0
		b[n] = 0xfc
		n++
		descs := []Descriptor{service.descriptor()}
		pio.PutU16BE(b[n:], uint16(descsLen(descs))|RunningStatusRunning<<13)
		n += 2
		n += fillDescs(b[n:], descs)
	}
	return
}

// Section is a table body that knows its own length.
type Section interface {
	Len() int
	Marshal(b []byte) int
}

// FillPSI writes the pointer field and the long section header in front of
// the datalen bytes already placed at h[PSIHeaderLength:], then appends the
// CRC. It returns the total length.
func FillPSI(h []byte, tableid uint8, tableext uint16, version uint8, datalen int) (n int) {
	// pointer(8)
	h[n] = 0
	n++

	h[n] = tableid
	n++

	// section_syntax_indicator(1)=1 '0'(1) reserved(2)=3 section_length(12)
	flags := uint16(0xb << 12)
	if tableid == TableIdSDT {
		// reserved_future_use is 1 in DVB tables
		flags = 0xf << 12
	}
	pio.PutU16BE(h[n:], flags|uint16(5+datalen+4))
	n += 2

	pio.PutU16BE(h[n:], tableext)
	n += 2

	// reserved(2)=3 version_number(5) current_next_indicator(1)=1
	h[n] = 0x3<<6 | (version&0x1f)<<1 | 1
	n++

	// section_number(8), last_section_number(8)
	h[n] = 0
	n++
	h[n] = 0
	n++

	n += datalen

	pio.PutU32BE(h[n:], CRC32(h[1:n]))
	n += 4
	return
}

// MarshalSection builds a complete PSI section, pointer field included.
func MarshalSection(tableid uint8, tableext uint16, version uint8, body Section) (b []byte, err error) {
	datalen := body.Len()
	if 5+datalen+4 > MaxSectionLength {
		err = av.Configurationf("tsio: table 0x%x section of %d bytes is too large", tableid, datalen)
		return
	}
	b = make([]byte, PSIHeaderLength+datalen+4)
	body.Marshal(b[PSIHeaderLength:])
	n := FillPSI(b, tableid, tableext, version, datalen)
	b = b[:n]
	return
}

const tsMask = 1<<33 - 1

// TimeToTicks converts to the 90kHz clock, rounding to the nearest tick.
func TimeToTicks(tm time.Duration) uint64 {
	return scale(tm, PTS_HZ)
}

func scale(tm time.Duration, hz uint64) uint64 {
	sec := tm / time.Second
	rem := tm % time.Second
	return uint64(sec)*hz + (uint64(rem)*hz+uint64(time.Second)/2)/uint64(time.Second)
}

// TimeToTs encodes a 33-bit 90kHz timestamp with its marker bits. The
// caller ORs the 4-bit prefix into the top nibble.
func TimeToTs(tm time.Duration) (v uint64) {
	ts := TimeToTicks(tm) & tsMask
	// 0010 PTS[32..30] 1 PTS[29..15] 1 PTS[14..00] 1
	v = ((ts>>30)&0x7)<<33 | ((ts>>15)&0x7fff)<<17 | (ts&0x7fff)<<1 | 0x100010001
	return
}

// TimeToPCR returns base(33) reserved(6) extension(9).
func TimeToPCR(tm time.Duration) (pcr uint64) {
	ts := scale(tm, PCR_HZ)
	base := (ts / 300) & tsMask
	ext := ts % 300
	pcr = base<<15 | 0x3f<<9 | ext
	return
}

func putU40BE(b []byte, v uint64) {
	b[0] = byte(v >> 32)
	pio.PutU32BE(b[1:], uint32(v))
}

func putU48BE(b []byte, v uint64) {
	pio.PutU16BE(b[0:], uint16(v>>32))
	pio.PutU32BE(b[2:], uint32(v))
}

// FillPESHeader writes a PES header for a payload of datalen bytes.
// PES_packet_length is 0 when the packet would not fit 16 bits, which is
// only legal for video; other stream ids fail instead. The DTS is written
// when withDTS is set.
func FillPESHeader(h []byte, streamid uint8, datalen int, pts, dts time.Duration, withDTS bool) (n int, err error) {
	h[0] = 0
	h[1] = 0
	h[2] = 1
	h[3] = streamid

	const PTS = 1 << 7
	const DTS = 1 << 6

	flags := uint8(PTS)
	hdrdatalen := 5
	if withDTS {
		flags |= DTS
		hdrdatalen += 5
	}

	var pktlen uint16
	if total := 3 + hdrdatalen + datalen; datalen >= 0 && total <= 0xffff {
		pktlen = uint16(total)
	} else if streamid&0xf0 != StreamIdVideo {
		err = av.Framingf("tsio: %d byte payload overflows PES_packet_length of stream id %#x", datalen, streamid)
		return
	}
	pio.PutU16BE(h[4:6], pktlen)

	h[6] = 2<<6 | 1 // '10' ... original_or_copy=1
	h[7] = flags
	h[8] = uint8(hdrdatalen)

	if withDTS {
		putU40BE(h[9:14], TimeToTs(pts)|3<<36)
		putU40BE(h[14:19], TimeToTs(dts)|1<<36)
	} else {
		putU40BE(h[9:14], TimeToTs(pts)|2<<36)
	}

	n = 9 + hdrdatalen
	return
}

// TSWriter slices units into transport packets on one PID.
type TSWriter struct {
	PID               uint16
	ContinuityCounter uint

	pkt [PacketSize]byte
	vec [][]byte
}

func NewTSWriter(pid uint16) *TSWriter {
	return &TSWriter{PID: pid}
}

// PacketCount is the number of packets WritePackets produces for a unit of
// datalen bytes when no adaptation field is requested.
func PacketCount(datalen int) int {
	const room = PacketSize - 4
	return (datalen + room - 1) / room
}

// WritePackets writes one unit. The first packet has payload_unit_start set
// and, when requested, an adaptation field carrying the PCR and the random
// access indicator. A short last packet is completed with adaptation field
// stuffing, or with 0xff payload bytes when padPayload is set, as PSI
// sections are.
func (self *TSWriter) WritePackets(w io.Writer, datav [][]byte, pcr time.Duration, hasPCR bool, sync bool, padPayload bool) (err error) {
	total := pio.VecLen(datav)
	if cap(self.vec) < len(datav) {
		self.vec = make([][]byte, len(datav))
	}
	vec := self.vec[:len(datav)]
	pos := 0

	for pos < total {
		b := self.pkt[:]
		first := pos == 0

		b[0] = 0x47
		pio.PutU16BE(b[1:3], self.PID&0x1fff)
		if first {
			b[1] |= 0x40 // payload_unit_start_indicator
		}

		var afflags uint8
		aflen := 0
		if first && (hasPCR || sync) {
			aflen = 2
			if hasPCR {
				afflags |= 0x10
				aflen += 6
			}
			if sync {
				afflags |= 0x40
			}
		}

		room := PacketSize - 4 - aflen
		left := total - pos
		padtail := 0
		if left < room {
			if padPayload {
				padtail = room - left
			} else {
				aflen += room - left
			}
			room = left
		}

		// adaptation_field_control: 01 payload only, 11 adaptation field + payload
		afc := uint8(0x10)
		if aflen > 0 {
			afc = 0x30
		}
		b[3] = afc | uint8(self.ContinuityCounter&0xf)
		self.ContinuityCounter = (self.ContinuityCounter + 1) & 0xf

		n := 4
		if aflen > 0 {
			b[n] = uint8(aflen - 1)
			end := n + aflen
			n++
			if aflen > 1 {
				b[n] = afflags
				n++
				if afflags&0x10 != 0 {
					putU48BE(b[n:], TimeToPCR(pcr))
					n += 6
				}
			}
			for ; n < end; n++ {
				b[n] = 0xff
			}
		}

		cnt := pio.VecSliceTo(datav, vec, pos, pos+room)
		for i := 0; i < cnt; i++ {
			n += copy(b[n:], vec[i])
		}
		for ; padtail > 0; padtail-- {
			b[n] = 0xff
			n++
		}
		pos += room

		if _, err = w.Write(b[:n]); err != nil {
			return
		}
	}
	return
}
